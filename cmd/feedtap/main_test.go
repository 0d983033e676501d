package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/callstats/internal/ingest"
	"github.com/sweeney/callstats/internal/record"
)

// serveOnce accepts one connection, writes lines, and closes it.
func serveOnce(t *testing.T, lines ...string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for _, l := range lines {
			conn.Write([]byte(l + "\r\n"))
		}
	}()
	return ln.Addr().String()
}

// stepClock advances by step on every reading.
func stepClock(step time.Duration) func() time.Time {
	t := time.Unix(0, 0)
	return func() time.Time {
		now := t
		t = t.Add(step)
		return now
	}
}

func readCapture(t *testing.T, path string) []record.Entry {
	t.Helper()
	in, err := ingest.OpenCapture(path)
	require.NoError(t, err)
	defer in.Close()
	rd := record.NewReader(in)
	entries := rd.ReadAll()
	require.NoError(t, rd.Err())
	return entries
}

func TestCaptureWritesElapsedTimestamps(t *testing.T) {
	addr := serveOnce(t, "1,DIAL,A,B", "", "1,DROP,A,B")
	path := filepath.Join(t.TempDir(), "nested", "feed.cap")

	n, err := capture(context.Background(), addr, path, stepClock(25*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries := readCapture(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, record.Entry{Text: "1,DIAL,A,B", At: 25, Timed: true}, entries[0])
	assert.Equal(t, record.Entry{Text: "1,DROP,A,B", At: 50, Timed: true}, entries[1])
}

func TestCaptureSkipsOverlongLines(t *testing.T) {
	addr := serveOnce(t, "1,DIAL,A,B", strings.Repeat("x", record.MaxLineBytes+1024), "2,DIAL,C,D")
	path := filepath.Join(t.TempDir(), "feed.cap")

	n, err := capture(context.Background(), addr, path, stepClock(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries := readCapture(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "2,DIAL,C,D", entries[1].Text)
}

func TestCaptureCompressed(t *testing.T) {
	addr := serveOnce(t, "4,DIAL,A,B", "4,TALK,A,B")
	path := filepath.Join(t.TempDir(), "feed.cap"+ingest.CompressedExt)

	_, err := capture(context.Background(), addr, path, stepClock(time.Millisecond))
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x22, 0x4d, 0x18}, raw[:4])

	entries := readCapture(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "4,TALK,A,B", entries[1].Text)
}

func TestCaptureDialError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = capture(context.Background(), addr, filepath.Join(t.TempDir(), "x.cap"), time.Now)
	assert.ErrorContains(t, err, "dial")
}

func TestSanitizeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cap")
	original := strings.Join([]string{
		"0\t11,DIAL,8015550001,8015550002",
		"5\t12,DIAL,+18015550003,8015550001",
		"garbage",
		"7,RING,8015550001,reception",
		"20\t9,dial,8015550001,8015550002",
		"30\t9,DIAL,8015550004,8015550002,x",
		"feed glitch from +18015550005",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	require.NoError(t, sanitizeFile(path))

	bak, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, original, string(bak))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"0\t11,DIAL,15550000001,15550000002",
		"5\t12,DIAL,15550000003,15550000001",
		"garbage",
		"7,RING,15550000001,reception",
		"20\t9,dial,15550000001,15550000002",
		"30\t9,DIAL,15550000004,15550000002,x",
		"feed glitch from 15550000005",
		"",
	}, "\n"), string(got))
}

func TestSanitizeCompressedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.cap"+ingest.CompressedExt)
	w, err := ingest.CreateCapture(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("0\t1,DIAL,8015550009,8015550008\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, sanitizeFile(path))

	entries := readCapture(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "1,DIAL,15550000001,15550000002", entries[0].Text)
}

func TestSanitizeMissingFile(t *testing.T) {
	assert.Error(t, sanitizeFile(filepath.Join(t.TempDir(), "missing.cap")))
}
