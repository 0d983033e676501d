package record

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// MaxLineBytes is the longest line a Reader returns, including its line
// terminator. Longer lines are skipped.
const MaxLineBytes = 64 * 1024

// Entry is one non-blank line of a feed or capture file.
type Entry struct {
	Text     string // the raw record, without any capture timestamp
	At       int64  // elapsed milliseconds from the start of the capture
	Timed    bool   // At was present on the line
	Overlong bool   // the line exceeded the reader's limit; Text is empty
}

// Reader reads newline-delimited records from a stream. Capture files may
// prefix each record with "<elapsedMs>\t".
type Reader struct {
	br   *bufio.Reader
	err  error
	done bool
}

// NewReader creates a Reader over r that accepts lines up to MaxLineBytes.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, MaxLineBytes)
}

// NewReaderSize creates a Reader over r that accepts lines up to max bytes.
func NewReaderSize(r io.Reader, max int) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, max)}
}

// Next returns the next entry, or false at EOF. A line over the limit is
// returned as an Overlong entry with empty Text, which never parses as a
// record, and reading continues after it.
func (r *Reader) Next() (Entry, bool) {
	line, overlong, ok := r.ReadLine()
	if !ok {
		return Entry{}, false
	}
	if overlong {
		return Entry{Overlong: true}, true
	}
	return ParseEntry(line), true
}

// ReadLine returns the next non-blank line without its terminator. overlong
// reports a line that exceeded the limit and was discarded.
func (r *Reader) ReadLine() (line string, overlong, ok bool) {
	for !r.done {
		data, err := r.br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			for err == bufio.ErrBufferFull {
				_, err = r.br.ReadSlice('\n')
			}
			r.finish(err)
			return "", true, true
		}
		r.finish(err)
		if r.err != nil {
			return "", false, false
		}

		line = strings.TrimRight(strings.TrimSuffix(string(data), "\n"), "\r")
		if line != "" {
			return line, false, true
		}
	}
	return "", false, false
}

func (r *Reader) finish(err error) {
	if err == nil {
		return
	}
	r.done = true
	if err != io.EOF {
		r.err = err
	}
}

// Err returns the first non-EOF error from the underlying stream.
func (r *Reader) Err() error {
	return r.err
}

// ReadAll reads every entry until EOF.
func (r *Reader) ReadAll() []Entry {
	var entries []Entry
	for {
		e, ok := r.Next()
		if !ok {
			break
		}
		entries = append(entries, e)
	}
	return entries
}

// ReadBytes is a convenience wrapper that reads all entries from data.
func ReadBytes(data []byte) []Entry {
	return NewReader(strings.NewReader(string(data))).ReadAll()
}

// ParseEntry splits an optional capture timestamp from a line. A line whose
// text before the first tab is not an integer is treated as a bare record.
func ParseEntry(line string) Entry {
	head, rest, found := strings.Cut(line, "\t")
	if !found {
		return Entry{Text: line}
	}
	at, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return Entry{Text: line}
	}
	return Entry{Text: rest, At: at, Timed: true}
}

// FormatEntry renders a timed capture line without the trailing newline.
func FormatEntry(at int64, text string) string {
	return strconv.FormatInt(at, 10) + "\t" + text
}
