package dkim

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/textproto"
)

const crlf = "\r\n"

// header is the ordered sequence of header lines as received, each
// including its own trailing CRLF (folded continuation lines are merged
// into the entry they continue).
type header []string

// ParseError reports a structurally impossible message: currently, only a
// continuation line (starting with a space or a tab) with no preceding
// header line to continue.
type ParseError string

func (err ParseError) Error() string { return "dkim: " + string(err) }

// readHeader reads header lines up to and including the blank line that
// separates the header section from the body. It is used by the one-shot
// Verify/Sign entry points, which require the whole header section before
// any processing can begin anyway (the orchestrator cannot query keys or
// build canonicalizers until the header section is complete).
func readHeader(r *bufio.Reader) (header, error) {
	tr := textproto.NewReader(r)

	var h header
	for {
		l, err := tr.ReadLine()
		if err != nil {
			return h, fmt.Errorf("dkim: failed to read header: %w", err)
		}

		if len(l) == 0 {
			break
		} else if l[0] == ' ' || l[0] == '\t' {
			if len(h) == 0 {
				return h, ParseError("continuation line with no preceding header field")
			}
			h[len(h)-1] += l + crlf
		} else {
			h = append(h, l+crlf)
		}
	}

	return h, nil
}

func writeHeader(w io.Writer, h header) error {
	for _, kv := range h {
		if _, err := w.Write([]byte(kv)); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte(crlf))
	return err
}

// messageFeeder is the incremental half of the Message Parser (component A):
// it accepts raw message bytes in arbitrary-sized chunks across multiple
// write calls and dispatches header-line, end-of-headers and body-chunk
// events, driving the Verifier/Signer state machine (reading_headers ->
// finishing_headers -> reading_body). Unlike readHeader, it never requires
// the caller to hand over a whole line at once: a header line folded across
// two Write calls, or a Write call that ends mid-line, both work.
type messageFeeder struct {
	// onHeaderLine is called once per logical header line. continuation is
	// true if the line started with a space or a tab, in which case raw
	// holds only the continuation text (without its leading whitespace
	// stripped) and must be appended, with a CRLF before it, to the
	// previous header line.
	onHeaderLine   func(raw string, continuation bool) error
	onEndOfHeaders func() error
	onBodyChunk    func([]byte) error

	inBody  bool
	pending []byte // bytes of the current, not-yet-terminated header line
	lines   int
}

// write feeds another chunk of raw message bytes through the state machine.
func (f *messageFeeder) write(p []byte) error {
	if f.inBody {
		return f.onBodyChunk(p)
	}

	for len(p) > 0 {
		nl := bytes.IndexByte(p, '\n')
		if nl == -1 {
			f.pending = append(f.pending, p...)
			return nil
		}

		line := append(f.pending, p[:nl]...)
		f.pending = nil
		p = p[nl+1:]

		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}

		if len(line) == 0 {
			if err := f.onEndOfHeaders(); err != nil {
				return err
			}
			f.inBody = true
			if len(p) > 0 {
				return f.onBodyChunk(p)
			}
			return nil
		}

		continuation := line[0] == ' ' || line[0] == '\t'
		if continuation && f.lines == 0 {
			return ParseError("continuation line with no preceding header field")
		}
		if !continuation {
			f.lines++
		}
		if err := f.onHeaderLine(string(line), continuation); err != nil {
			return err
		}
	}
	return nil
}
