// Command feedtap records a live call feed into a timed capture file that
// callstats replay can apply, and sanitizes captures before they are shared.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/sweeney/callstats/internal/ingest"
	"github.com/sweeney/callstats/internal/record"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:4000", "Call feed address (host:port)")
	outDir := flag.String("outdir", "testdata/captures", "Output directory for captures")
	compress := flag.Bool("compress", false, "Write an lz4-compressed capture")
	sanitize := flag.String("sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
	flag.Parse()

	if *sanitize != "" {
		if err := sanitizeFile(*sanitize); err != nil {
			fmt.Fprintf(os.Stderr, "sanitize error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sanitized:", *sanitize)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ext := ".cap"
	if *compress {
		ext += ingest.CompressedExt
	}
	filename := filepath.Join(*outDir, time.Now().Format("20060102-150405")+ext)

	fmt.Printf("connecting to %s...\n", *addr)
	n, err := capture(ctx, *addr, filename, time.Now)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d records to %s\n", n, filename)
}

// capture streams the feed at addr into filename until the feed closes or ctx
// is cancelled. Each line is prefixed with the milliseconds elapsed since the
// connection was made.
func capture(ctx context.Context, addr, filename string, now func() time.Time) (int, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir: %w", err)
	}
	out, err := ingest.CreateCapture(filename)
	if err != nil {
		return 0, err
	}

	fmt.Printf("writing to %s (ctrl+c to stop)\n", filename)

	start := now()
	w := bufio.NewWriter(out)
	rd := record.NewReader(conn)
	n, skipped := 0, 0
	for {
		line, overlong, ok := rd.ReadLine()
		if !ok {
			break
		}
		if overlong {
			skipped++
			continue
		}
		elapsed := now().Sub(start).Milliseconds()
		w.WriteString(record.FormatEntry(elapsed, line) + "\n")
		n++
	}
	if skipped > 0 {
		fmt.Printf("skipped %d lines longer than %d bytes\n", skipped, record.MaxLineBytes)
	}

	// A closed connection after cancellation is the normal way out.
	readErr := rd.Err()
	if ctx.Err() != nil {
		readErr = nil
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return n, fmt.Errorf("flushing capture: %w", err)
	}
	if err := out.Close(); err != nil {
		return n, err
	}
	return n, readErr
}

var (
	phonePattern   = regexp.MustCompile(`^\+?1?\d{10}$`)
	phoneSubstring = regexp.MustCompile(`\+?\b1?\d{10}\b`)
)

// sanitizer maps each distinct phone-like party to a stable placeholder so
// per-party totals survive sanitizing.
type sanitizer struct {
	seen map[string]string
}

func (s *sanitizer) placeholder(number string) string {
	if r, ok := s.seen[number]; ok {
		return r
	}
	r := fmt.Sprintf("1555%07d", len(s.seen)+1)
	s.seen[number] = r
	return r
}

func (s *sanitizer) party(p string) string {
	if !phonePattern.MatchString(p) {
		return p
	}
	return s.placeholder(p)
}

// line redacts the parties of a well-formed record, and any phone-like
// number anywhere in a line that is not one.
func (s *sanitizer) line(line string) string {
	e := record.ParseEntry(line)
	text := e.Text
	if rec, err := record.Parse(e.Text); err == nil {
		rec.CallingParty = s.party(rec.CallingParty)
		rec.ReceivingParty = s.party(rec.ReceivingParty)
		text = rec.String()
	} else {
		text = phoneSubstring.ReplaceAllStringFunc(text, s.placeholder)
	}
	if !e.Timed {
		return text
	}
	return record.FormatEntry(e.At, text)
}

func sanitizeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Create backup
	if err := os.WriteFile(path+".bak", raw, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	in, err := ingest.OpenCapture(path)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(in)
	in.Close()
	if err != nil {
		return fmt.Errorf("reading capture: %w", err)
	}

	s := &sanitizer{seen: make(map[string]string)}
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		lines[i] = s.line(strings.TrimRight(line, "\r"))
	}

	out, err := ingest.CreateCapture(path)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(out, strings.Join(lines, "\n")); err != nil {
		out.Close()
		return fmt.Errorf("writing capture: %w", err)
	}
	return out.Close()
}
