package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sweeney/callstats/internal/aggregator"
	"github.com/sweeney/callstats/internal/record"
)

// Stats is the query interface served over HTTP.
type Stats interface {
	TotalPhaseDuration(record.Phase) int64
	TotalPartyTime(string) int64
	Snapshot() aggregator.Snapshot
}

// Server exposes health, metrics, and the statistics queries.
type Server struct {
	stats   Stats
	metrics http.Handler
	log     *slog.Logger
	srv     *http.Server
}

// New creates a Server. metrics may be nil to disable /metrics.
func New(stats Stats, metrics http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{stats: stats, metrics: metrics, log: log}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /stats/phases/{phase}", s.handlePhase)
	mux.HandleFunc("GET /stats/parties/{party}", s.handleParty)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("http server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

type phaseResponse struct {
	Phase   record.Phase `json:"phase"`
	TotalMs int64        `json:"total_ms"`
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("phase")
	phase, ok := record.ParsePhase(name)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown phase %q", name)})
		return
	}
	s.writeJSON(w, http.StatusOK, phaseResponse{Phase: phase, TotalMs: s.stats.TotalPhaseDuration(phase)})
}

type partyResponse struct {
	Party   string `json:"party"`
	TotalMs int64  `json:"total_ms"`
}

func (s *Server) handleParty(w http.ResponseWriter, r *http.Request) {
	party := r.PathValue("party")
	s.writeJSON(w, http.StatusOK, partyResponse{Party: party, TotalMs: s.stats.TotalPartyTime(party)})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("writing response", "err", err)
	}
}
