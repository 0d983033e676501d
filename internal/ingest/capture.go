package ingest

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// CompressedExt marks lz4-compressed capture files.
const CompressedExt = ".lz4"

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// OpenCapture opens a capture file for reading. "-" reads stdin. Files named
// *.lz4 are decompressed on the fly.
func OpenCapture(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening capture: %w", err)
	}
	if !strings.HasSuffix(path, CompressedExt) {
		return f, nil
	}
	return readCloser{Reader: lz4.NewReader(f), close: f.Close}, nil
}

type writeCloser struct {
	zw   *lz4.Writer
	file io.Closer
}

func (w writeCloser) Write(p []byte) (int, error) { return w.zw.Write(p) }

func (w writeCloser) Close() error {
	if err := w.zw.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("flushing lz4 stream: %w", err)
	}
	return w.file.Close()
}

// CreateCapture creates a capture file, compressing it when path ends in
// .lz4.
func CreateCapture(path string) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating capture: %w", err)
	}
	if !strings.HasSuffix(path, CompressedExt) {
		return f, nil
	}
	return writeCloser{zw: lz4.NewWriter(f), file: f}, nil
}
