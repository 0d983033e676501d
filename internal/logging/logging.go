// Package logging builds the process logger from configuration.
package logging

import (
	"io"
	"log/slog"

	"github.com/sweeney/callstats/internal/config"
)

// ParseLevel converts a configured level name to an slog level. Unknown
// names map to info.
func ParseLevel(level string) slog.Level {
	l, _ := config.ParseLogLevel(level)
	return l
}

// New returns a logger writing to w in the configured format.
func New(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}
