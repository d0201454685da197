package dkim

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"
	"strings"
	"time"
)

var randReader io.Reader = rand.Reader

// SignOptions configures NewSigner and Sign. Domain, Selector and Signer
// are mandatory.
type SignOptions struct {
	// Domain is the SDID claiming responsibility (d=). It must be a DNS
	// name under which the signing key's TXT record is published.
	Domain string
	// Selector subdivides the domain's key namespace (s=).
	Selector string
	// Identity is the AUID (i=) on whose behalf Domain is signing. If
	// empty, it defaults to "@"+Domain.
	Identity string

	// Signer holds the private key. Only RSA keys are supported, matching
	// the rsa-sha1 algorithm this package signs with.
	Signer crypto.Signer

	// Legacy selects DomainKey-Signature instead of DKIM-Signature.
	Legacy bool

	// HeaderCanonicalization and BodyCanonicalization default to "simple".
	HeaderCanonicalization Canonicalization
	BodyCanonicalization   Canonicalization

	// HeaderKeys lists which header fields to sign, in the order they
	// should be referenced. If nil, every header field present on the
	// message is signed. If not nil, "From" must be included.
	HeaderKeys []string

	// Expiration is when the signature should be considered expired. The
	// zero value means it never expires.
	Expiration time.Time
}

func (options *SignOptions) canon() (headerCanon, bodyCanon Canonicalization, err error) {
	headerCanon = options.HeaderCanonicalization
	if headerCanon == "" {
		headerCanon = CanonicalizationSimple
	}
	if _, ok := canonicalizers[headerCanon]; !ok {
		return "", "", fmt.Errorf("dkim: unknown header canonicalization %q", headerCanon)
	}

	bodyCanon = options.BodyCanonicalization
	if bodyCanon == "" {
		bodyCanon = CanonicalizationSimple
	}
	if _, ok := canonicalizers[bodyCanon]; !ok {
		return "", "", fmt.Errorf("dkim: unknown body canonicalization %q", bodyCanon)
	}

	return headerCanon, bodyCanon, nil
}

func (options *SignOptions) validate() error {
	if options.Domain == "" {
		return fmt.Errorf("dkim: no domain specified")
	}
	if options.Selector == "" {
		return fmt.Errorf("dkim: no selector specified")
	}
	if options.Signer == nil {
		return fmt.Errorf("dkim: no signer specified")
	}
	if _, ok := options.Signer.Public().(*rsa.PublicKey); !ok {
		return fmt.Errorf("dkim: unsupported key algorithm %T", options.Signer.Public())
	}
	if options.HeaderKeys != nil {
		ok := false
		for _, k := range options.HeaderKeys {
			if strings.EqualFold(k, "from") {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("dkim: the From header field must be signed")
		}
	}
	return nil
}

func newBaseSignature(options *SignOptions, headerCanon, bodyCanon Canonicalization, headerKeys []string) *Signature {
	sig := &Signature{
		Legacy:      options.Legacy,
		Version:     "1",
		Algorithm:   supportedAlgorithm,
		HeaderCanon: headerCanon,
		BodyCanon:   bodyCanon,
		Domain:      options.Domain,
		Selector:    options.Selector,
		Headers:     headerKeys,
		Identity:    options.Identity,
		BodyLength:  -1,
		Protocol:    "dns/txt",
		Timestamp:   now().Unix(),
	}
	if !options.Expiration.IsZero() {
		sig.Expiration = options.Expiration.Unix()
	}
	return sig
}

// Signer incrementally signs a message as its bytes arrive, without
// requiring the body to be buffered: Write accepts the message (header
// section followed by body) in arbitrary-sized chunks, Close finalizes the
// body hash and produces the RSA signature, and Signature returns the
// rendered header field to prepend to the message.
type Signer struct {
	options *SignOptions
	headerC Canonicalization
	bodyC   Canonicalization

	feeder *messageFeeder
	h      header

	// hasher accumulates what gets RSA-signed: for a new-form signature,
	// the selected header fields followed by the canonicalized signature
	// field itself (written in Close, once bh= is known); for a legacy
	// signature, the selected header fields followed directly by the body,
	// since DomainKeys signs headers and body as one stream.
	hasher hash.Hash
	// bodyHasher is the body-alone hash used for bh= (new-form only); for
	// legacy it is nil and bodyWC writes straight into hasher.
	bodyHasher hash.Hash
	bodyWC     io.WriteCloser

	headersHashed bool
	closed        bool
	signature     string
}

// NewSigner prepares a Signer from options. It does not block on anything
// network-related: the public key is never consulted when signing.
func NewSigner(options *SignOptions) (*Signer, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	headerCanon, bodyCanon, err := options.canon()
	if err != nil {
		return nil, err
	}

	s := &Signer{options: options, headerC: headerCanon, bodyC: bodyCanon}
	s.hasher = sha1.New()
	if options.Legacy {
		s.bodyWC = canonicalizers[bodyCanon].CanonicalizeBody(s.hasher)
	} else {
		s.bodyHasher = sha1.New()
		s.bodyWC = canonicalizers[bodyCanon].CanonicalizeBody(s.bodyHasher)
	}

	s.feeder = &messageFeeder{
		onHeaderLine:   s.onHeaderLine,
		onEndOfHeaders: s.onEndOfHeaders,
		onBodyChunk:    func(b []byte) error { _, err := s.bodyWC.Write(b); return err },
	}
	return s, nil
}

func (s *Signer) onHeaderLine(raw string, continuation bool) error {
	if continuation {
		if len(s.h) == 0 {
			return ParseError("continuation line with no preceding header field")
		}
		s.h[len(s.h)-1] += raw + crlf
	} else {
		s.h = append(s.h, raw+crlf)
	}
	return nil
}

// onEndOfHeaders hashes the signed header fields immediately: for legacy
// mode this puts them ahead of the body bytes that are about to start
// arriving, in the same hasher.
func (s *Signer) onEndOfHeaders() error {
	picker := newHeaderPicker(s.h)
	if err := hashSignedHeaders(s.hasher, picker, canonicalizers[s.headerC], s.headerKeys()); err != nil {
		return err
	}
	s.headersHashed = true
	return nil
}

func (s *Signer) headerKeys() []string {
	if s.options.HeaderKeys != nil {
		return s.options.HeaderKeys
	}
	var keys []string
	for _, kv := range s.h {
		k, _ := parseHeaderField(kv)
		keys = append(keys, k)
	}
	return keys
}

// Write feeds another chunk of the message (header bytes, body bytes, or a
// mix) into the signer.
func (s *Signer) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("dkim: Write called after Close")
	}
	if err := s.feeder.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close finalizes the body hash, signs the message, and makes Signature
// available. It does not close or flush any underlying writer.
func (s *Signer) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.bodyWC.Close(); err != nil {
		return err
	}
	if !s.headersHashed {
		// The message had no blank line separating headers from body; treat
		// whatever arrived as the header section.
		if err := s.onEndOfHeaders(); err != nil {
			return err
		}
	}

	sig := newBaseSignature(s.options, s.headerC, s.bodyC, s.headerKeys())

	var hashed []byte
	if s.options.Legacy {
		hashed = s.hasher.Sum(nil)
	} else {
		sig.BodyHash = s.bodyHasher.Sum(nil)

		sigField := emitSignature(sig, false)
		sigField = canonicalizers[s.headerC].CanonicalizeHeader(sigField)
		sigField = strings.TrimRight(sigField, crlf)
		s.hasher.Write([]byte(sigField))
		hashed = s.hasher.Sum(nil)
	}

	rawSig, err := s.options.Signer.Sign(randReader, hashed, crypto.SHA1)
	if err != nil {
		return err
	}
	sig.SignatureData = rawSig

	s.signature = emitSignature(sig, true) + crlf
	return nil
}

// Signature returns the rendered signature header field ("Name: value\r\n")
// computed by Close. It must not be called before Close returns nil.
func (s *Signer) Signature() string {
	return s.signature
}

// Sign is the one-shot convenience form of Signer: it reads a whole message
// from r, signs it, and writes the signed version (signature field,
// original headers, original body) to w.
func Sign(w io.Writer, r io.Reader, options *SignOptions) error {
	if options == nil {
		return fmt.Errorf("dkim: no options specified")
	}
	if err := options.validate(); err != nil {
		return err
	}
	headerCanon, bodyCanon, err := options.canon()
	if err != nil {
		return err
	}

	br := bufio.NewReader(r)
	h, err := readHeader(br)
	if err != nil {
		return err
	}

	headerKeys := options.HeaderKeys
	if headerKeys == nil {
		for _, kv := range h {
			k, _ := parseHeaderField(kv)
			headerKeys = append(headerKeys, k)
		}
	}

	sig := newBaseSignature(options, headerCanon, bodyCanon, headerKeys)

	var body bytes.Buffer
	var hashed []byte

	if options.Legacy {
		hasher := sha1.New()
		picker := newHeaderPicker(h)
		if err := hashSignedHeaders(hasher, picker, canonicalizers[headerCanon], headerKeys); err != nil {
			return err
		}

		bodyWC := canonicalizers[bodyCanon].CanonicalizeBody(hasher)
		if _, err := io.Copy(io.MultiWriter(&body, bodyWC), br); err != nil {
			return err
		}
		if err := bodyWC.Close(); err != nil {
			return err
		}
		hashed = hasher.Sum(nil)
	} else {
		bodyHasher := sha1.New()
		bodyWC := canonicalizers[bodyCanon].CanonicalizeBody(bodyHasher)
		if _, err := io.Copy(io.MultiWriter(&body, bodyWC), br); err != nil {
			return err
		}
		if err := bodyWC.Close(); err != nil {
			return err
		}
		sig.BodyHash = bodyHasher.Sum(nil)

		hasher := sha1.New()
		picker := newHeaderPicker(h)
		if err := hashSignedHeaders(hasher, picker, canonicalizers[headerCanon], headerKeys); err != nil {
			return err
		}

		sigField := emitSignature(sig, false)
		sigField = canonicalizers[headerCanon].CanonicalizeHeader(sigField)
		sigField = strings.TrimRight(sigField, crlf)
		hasher.Write([]byte(sigField))
		hashed = hasher.Sum(nil)
	}

	rawSig, err := options.Signer.Sign(randReader, hashed, crypto.SHA1)
	if err != nil {
		return err
	}
	sig.SignatureData = rawSig

	if _, err := w.Write([]byte(emitSignature(sig, true) + crlf)); err != nil {
		return err
	}
	if err := writeHeader(w, h); err != nil {
		return err
	}
	_, err = io.Copy(w, &body)
	return err
}
