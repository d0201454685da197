package dkim

import (
	"bufio"
	"bytes"
	"reflect"
	"strings"
	"testing"
)

var headerTests = []struct {
	h header
	s string
}{
	{
		h: header{"From: <mistuha@kiminonawa.moe>\r\n"},
		s: "From: <mistuha@kiminonawa.moe>\r\n\r\n",
	},
	{
		h: header{
			"From: <mistuha@kiminonawa.moe>\r\n",
			"Subject: Your Name\r\n",
		},
		s: "From: <mistuha@kiminonawa.moe>\r\n" +
			"Subject: Your Name\r\n" +
			"\r\n",
	},
}

func TestReadHeader(t *testing.T) {
	for _, test := range headerTests {
		r := strings.NewReader(test.s)
		h, err := readHeader(bufio.NewReader(r))
		if err != nil {
			t.Fatalf("Expected no error while reading error, got: %v", err)
		}

		if !reflect.DeepEqual(h, test.h) {
			t.Errorf("Expected header to be \n%v\n but got \n%v", test.h, h)
		}
	}
}

func TestReadHeader_incomplete(t *testing.T) {
	r := strings.NewReader("From: <mistuha@kiminonawa.moe>\r\nTo")
	_, err := readHeader(bufio.NewReader(r))
	if err == nil {
		t.Error("Expected an error while reading incomplete header")
	}
}

func TestFormatHeaderParams(t *testing.T) {
	params := map[string]string{
		"v": "1",
		"a": "rsa-sha1",
		"d": "example.org",
	}

	expected := "DKIM-Signature: a=rsa-sha1; d=example.org; v=1;"

	s := formatHeaderParams("DKIM-Signature", params)
	if s != expected {
		t.Errorf("Expected formatted params to be %q, but got %q", expected, s)
	}
}

func TestLongHeaderFolding(t *testing.T) {
	// see #29 and #27

	params := map[string]string{
		"v": "1",
		"a": "rsa-sha1",
		"d": "example.org",
		"h": "From:To:Subject:Date:Message-ID:Long-Header-Name",
	}

	expected := "DKIM-Signature: a=rsa-sha1; d=example.org;\r\n h=From:To:Subject:Date:Message-ID:Long-Header-Name; v=1;"

	s := formatHeaderParams("DKIM-Signature", params)
	if s != expected {
		t.Errorf("Expected formatted params to be\n\n %q\n\n, but got\n\n %q", expected, s)
	}
}

func TestSignedHeaderFolding(t *testing.T) {
	hValue := "From:To:Subject:Date:Message-ID:Long-Header-Name:Another-Long-Header-Name"

	params := map[string]string{
		"v": "1",
		"a": "rsa-sha1",
		"d": "example.org",
		"h": hValue,
	}

	s := formatHeaderParams("DKIM-Signature", params)
	if !strings.Contains(s, hValue) {
		t.Errorf("Signed Headers names (%v) are not well folded in the signed header %q", hValue, s)
	}
}

func TestParseHeaderParams_malformed(t *testing.T) {
	_, err := parseHeaderParams("abc; def")
	if err == nil {
		t.Error("Expected an error when parsing malformed header params")
	}
}

func TestHeaderPicker_Pick(t *testing.T) {
	t.Run("simple", func(t *testing.T) {
		predefinedHeaders := []string{"From", "to"}
		headers := header{
			"from: fst",
			"To: snd",
		}
		picker := newHeaderPicker(headers)
		for i, k := range predefinedHeaders {
			if headers[i] != picker.Pick(k) {
				t.Errorf("Parameter %s not found in headers %s", k, headers)
			}
		}
	})
	t.Run("a few same headers", func(t *testing.T) {
		predefinedHeaders := []string{"to", "to", "to"}
		// same headers must returns from Bottom to Top
		headers := header{
			"To: trd",
			"To: snd",
			"To: fst",
		}
		var lh = len(headers) - 1
		picker := newHeaderPicker(headers)
		for i, k := range predefinedHeaders {
			if headers[lh-i] != picker.Pick(k) {
				t.Errorf("Parameter %s not found in headers %s", k, headers)
			}
		}

	})
}

func TestHashSignedHeaders_missingOccurrencePadsWithBareCRLF(t *testing.T) {
	headers := header{
		"From: fst\r\n",
		"To: snd\r\n",
	}
	picker := newHeaderPicker(headers)

	var buf bytes.Buffer
	c := canonicalizers[CanonicalizationSimple]
	// "To" is referenced twice but only appears once in the message: the
	// second reference has no remaining occurrence to pick, and RFC 6376
	// section 3.5 treats that as the null string rather than as nothing
	// to hash at all, so it must still contribute a bare CRLF.
	keys := []string{"From", "To", "To"}
	if err := hashSignedHeaders(&buf, picker, c, keys); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	want := "From: fst\r\n" + "To: snd\r\n" + crlf
	if s := buf.String(); s != want {
		t.Errorf("expected %q, got %q", want, s)
	}
}

func TestFoldTag(t *testing.T) {
	k := "bh"
	v := strings.Repeat("A", 100)
	folded := foldTag(k, v)
	for _, line := range strings.Split(folded, crlf+" ") {
		if len(line) > 75 {
			t.Errorf("Expected no folded line to exceed 75 octets, got %d: %q", len(line), line)
		}
	}
	if !strings.HasPrefix(folded, "bh=") {
		t.Errorf("Expected folded tag to start with %q, got %q", "bh=", folded)
	}
}
