package ingest_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/callstats/internal/aggregator"
	"github.com/sweeney/callstats/internal/ingest"
	"github.com/sweeney/callstats/internal/record"
)

// recordingSink keeps every line it receives, grouped by call id.
type recordingSink struct {
	mu    sync.Mutex
	calls map[int64][]string
	other []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{calls: map[int64][]string{}}
}

func (s *recordingSink) OnRecord(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := record.Parse(line)
	if err != nil {
		s.other = append(s.other, line)
		return
	}
	s.calls[rec.CallID] = append(s.calls[rec.CallID], rec.Phase.String())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcherPreservesPerCallOrder(t *testing.T) {
	sink := newRecordingSink()
	d := ingest.NewDispatcher(sink, 4, 8)

	phases := []string{"DIAL", "RING", "TALK", "HOLD", "TALK", "DROP"}
	ctx := context.Background()
	for _, p := range phases {
		for id := 0; id < 50; id++ {
			require.NoError(t, d.Submit(ctx, fmt.Sprintf("%d,%s,A,B", id, p)))
		}
	}
	require.NoError(t, d.Submit(ctx, "garbage"))
	d.Close()

	require.Len(t, sink.calls, 50)
	for id, got := range sink.calls {
		assert.Equal(t, phases, got, "call %d", id)
	}
	assert.Equal(t, []string{"garbage"}, sink.other)
}

func TestDispatcherShard(t *testing.T) {
	d := ingest.NewDispatcher(newRecordingSink(), 3, 1)
	defer d.Close()

	assert.Equal(t, 1, d.Shard("7,DIAL,A,B"))
	assert.Equal(t, d.Shard("7,DIAL,A,B"), d.Shard("7,DROP,C,D"))
	assert.Equal(t, 0, d.Shard("nope"))
	assert.GreaterOrEqual(t, d.Shard("-5,DIAL,A,B"), 0)
}

func TestDispatcherSubmitAfterClose(t *testing.T) {
	d := ingest.NewDispatcher(newRecordingSink(), 2, 1)
	d.Close()
	d.Close()

	assert.ErrorIs(t, d.Submit(context.Background(), "1,DIAL,A,B"), ingest.ErrClosed)
}

type blockingSink struct{ release chan struct{} }

func (b blockingSink) OnRecord(string) { <-b.release }

func TestDispatcherSubmitHonoursContext(t *testing.T) {
	sink := blockingSink{release: make(chan struct{})}
	d := ingest.NewDispatcher(sink, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Submit(ctx, "1,DIAL,A,B")) // taken by the worker
	require.NoError(t, d.Submit(ctx, "1,RING,A,B")) // fills the queue

	errCh := make(chan error, 1)
	go func() { errCh <- d.Submit(ctx, "1,TALK,A,B") }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after cancel")
	}

	close(sink.release)
	d.Close()
}

func TestDispatcherIntoAggregator(t *testing.T) {
	agg := aggregator.New()
	d := ingest.NewDispatcher(agg, 8, 16)

	ctx := context.Background()
	for id := 0; id < 100; id++ {
		require.NoError(t, d.Submit(ctx, fmt.Sprintf("%d,DIAL,A,B", id)))
	}
	for id := 0; id < 100; id += 2 {
		require.NoError(t, d.Submit(ctx, fmt.Sprintf("%d,TALK,A,B", id)))
		require.NoError(t, d.Submit(ctx, fmt.Sprintf("%d,DROP,A,B", id)))
	}
	require.NoError(t, d.Submit(ctx, "1,FOO,A,B"))
	d.Close()

	assert.Equal(t, 50, agg.ActiveCalls())
	assert.Equal(t, 50, agg.CompletedCalls())
	assert.Equal(t, aggregator.Diagnostics{Malformed: 1}, agg.Rejected())
}

func TestStreamSkipsOverlongLine(t *testing.T) {
	agg := aggregator.New()
	d := ingest.NewDispatcher(agg, 2, 4)

	feed := "1,DIAL,A,B\n" + strings.Repeat("x", 70*1024) + "\n2,DIAL,C,D\n"
	var count atomic.Int64
	require.NoError(t, ingest.Stream(context.Background(), strings.NewReader(feed), d, &count))
	d.Close()

	assert.Equal(t, int64(3), count.Load())
	assert.Equal(t, 2, agg.ActiveCalls(), "records after the overlong line are applied")
	assert.Equal(t, aggregator.Diagnostics{Malformed: 1}, agg.Rejected())
}

// serveFeed accepts connections on a local listener and writes lines to
// each, then closes it.
func serveFeed(t *testing.T, sessions ...[]string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for _, lines := range sessions {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			io.WriteString(conn, strings.Join(lines, "\r\n")+"\r\n")
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

func TestClientStreamsAndReconnects(t *testing.T) {
	addr := serveFeed(t,
		[]string{"1,DIAL,A,B", "2,DIAL,C,D"},
		[]string{"1,DROP,A,B", "noise"},
	)

	agg := aggregator.New()
	d := ingest.NewDispatcher(agg, 2, 4)
	c := ingest.NewClient(ingest.ClientOptions{
		Address:           addr,
		DialTimeout:       time.Second,
		ReconnectInterval: 10 * time.Millisecond,
		Logger:            quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, d) }()

	require.Eventually(t, func() bool { return c.Lines() == 4 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	d.Close()

	assert.GreaterOrEqual(t, c.Sessions(), int64(2))
	assert.Equal(t, 1, agg.ActiveCalls())
	assert.Equal(t, 1, agg.CompletedCalls())
	assert.Equal(t, int64(1), agg.Rejected().Malformed)
}

func TestClientRunReturnsOnCancelWhileDisconnected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := ingest.NewClient(ingest.ClientOptions{
		Address:           addr,
		DialTimeout:       100 * time.Millisecond,
		ReconnectInterval: time.Hour,
		Logger:            quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, ingest.NewDispatcher(aggregator.New(), 1, 1)) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Zero(t, c.Sessions())
}

func TestCompressedCapture(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feed.cap"+ingest.CompressedExt)

	w, err := ingest.CreateCapture(path)
	require.NoError(t, err)
	_, err = io.WriteString(w, record.FormatEntry(0, "1,DIAL,A,B")+"\n"+record.FormatEntry(40, "1,DROP,A,B")+"\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 4)
	assert.Equal(t, []byte{0x04, 0x22, 0x4d, 0x18}, raw[:4], "lz4 frame magic")

	r, err := ingest.OpenCapture(path)
	require.NoError(t, err)
	defer r.Close()

	entries := record.NewReader(r).ReadAll()
	require.Len(t, entries, 2)
	assert.Equal(t, record.Entry{Text: "1,DROP,A,B", At: 40, Timed: true}, entries[1])
}

func TestPlainCapture(t *testing.T) {
	r, err := ingest.OpenCapture(filepath.Join("..", "..", "testdata", "fixtures", "single-call.cap"))
	require.NoError(t, err)
	defer r.Close()

	assert.Len(t, record.NewReader(r).ReadAll(), 4)

	_, err = ingest.OpenCapture("/nonexistent/feed.cap")
	assert.Error(t, err)
}
