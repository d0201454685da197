package dkim

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

// parseHeaderField splits a raw header line "Name: value\r\n" into its
// field name and its value, with leading and trailing whitespace trimmed
// (folding inside the value is left in place).
func parseHeaderField(s string) (k string, v string) {
	kv := strings.SplitN(s, ":", 2)
	k = strings.TrimSpace(kv[0])
	if len(kv) > 1 {
		v = strings.TrimSpace(kv[1])
	}
	return
}

// parseHeaderParams parses the semicolon-separated tag=value grammar shared
// by signature headers and public key TXT records. Surrounding whitespace
// around each pair is ignored; a trailing or doubled semicolon is tolerated.
func parseHeaderParams(s string) (map[string]string, error) {
	pairs := strings.Split(s, ";")
	params := make(map[string]string)
	for _, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			if strings.TrimSpace(pair) == "" {
				continue
			}
			return params, errors.New("dkim: malformed tag=value list")
		}
		params[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return params, nil
}

// headerPicker selects, for a given field name, the bottom-most occurrence
// of that name in the message which hasn't already been picked. This
// matches the signer's view when a header field is duplicated: the first
// reference to "To" in h= picks the last "To:" header actually present,
// the second reference picks the second-to-last, and so on. Once the
// occurrences in the message are exhausted, Pick returns "" and the caller
// treats the reference as an empty (nonexistent) header field.
type headerPicker struct {
	h      header
	picked map[string]int
}

func newHeaderPicker(h header) *headerPicker {
	return &headerPicker{h: h, picked: make(map[string]int)}
}

func (p *headerPicker) Pick(key string) string {
	key = strings.ToLower(key)
	at := p.picked[key]
	for i := len(p.h) - 1; i >= 0; i-- {
		kv := p.h[i]
		k, _ := parseHeaderField(kv)
		if strings.ToLower(k) != key {
			continue
		}
		if at == 0 {
			p.picked[key]++
			return kv
		}
		at--
	}
	return ""
}

// hashSignedHeaders canonicalizes and writes, in order, the header field
// referenced by each name in keys, using picker to select occurrences. A
// name with no remaining occurrence in the message contributes a bare CRLF
// rather than being skipped: RFC 6376 section 3.5 treats a nonexistent
// header field named in h= as the null string, and a null string still
// canonicalizes to a line terminator, not to nothing at all.
func hashSignedHeaders(w io.Writer, picker *headerPicker, c canonicalizer, keys []string) error {
	for _, key := range keys {
		kv := picker.Pick(key)
		if kv == "" {
			if _, err := io.WriteString(w, crlf); err != nil {
				return err
			}
			continue
		}
		if _, err := io.WriteString(w, c.CanonicalizeHeader(kv)); err != nil {
			return err
		}
	}
	return nil
}

// tagOrder is the fixed emission order for signature tags (spec 4.B),
// shared by DKIM-Signature and DomainKey-Signature; the legacy form never
// carries v or bh, and any tag without a value is left out.
var tagOrder = []string{"v", "a", "c", "d", "h", "i", "l", "q", "s", "t", "x", "bh", "b"}

// formatHeaderParams renders params (using tagOrder, skipping any tag not
// present in params) as the body of a signature header field, folding so
// that no output line exceeds 78 octets. headerName is the field name
// ("DKIM-Signature" or "DomainKey-Signature").
func formatHeaderParams(headerName string, params map[string]string) string {
	var s strings.Builder
	s.WriteString(headerName)
	s.WriteString(": ")

	avail := 75 - len(headerName) - len(": ")
	first := true

	for _, k := range tagOrder {
		v, ok := params[k]
		if !ok {
			continue
		}

		if !first {
			avail = 75
			s.WriteString(crlf + " ")
		}
		first = false

		chars := len(k) + len(v) + 3 // "k=v;"
		switch {
		case k == "h":
			s.WriteString(wrapHeaderList(v, avail))
		case chars > avail:
			s.WriteString(foldTag(k, v))
		default:
			s.WriteString(k)
			s.WriteByte('=')
			s.WriteString(v)
			s.WriteByte(';')
		}
	}

	return s.String()
}

// wrapHeaderList folds the colon-separated h= value across continuation
// lines so that no line exceeds 75 octets.
func wrapHeaderList(value string, avail int) string {
	var s strings.Builder
	s.WriteString("h=")

	names := strings.Split(value, ":")
	for i, name := range names {
		chars := len(name) + 1
		if avail < chars {
			avail = 75
			s.WriteString(crlf + " ")
		}
		avail -= chars

		s.WriteString(name)
		if i == len(names)-1 {
			s.WriteByte(';')
		} else {
			s.WriteByte(':')
		}
	}
	return s.String()
}

// foldTag folds "k=v;" across continuation lines of at most 75 octets; used
// for values too long to fit on the line so far (chiefly b= and bh=).
func foldTag(k, v string) string {
	kv := k + "=" + v + ";"
	buf := bytes.NewBufferString(kv)
	line := make([]byte, 75)
	var out strings.Builder
	first := true
	for n, err := buf.Read(line); err != io.EOF; n, err = buf.Read(line) {
		if !first {
			out.WriteString(crlf + " ")
		}
		first = false
		out.Write(line[:n])
	}
	return out.String()
}
