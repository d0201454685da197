package dkim

import (
	"bufio"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"io"
	"io/ioutil"
	"regexp"
	"strings"
)

// supportedAlgorithm is the only signing algorithm this implementation
// recognizes. RFC 8301 deprecated rsa-sha1 for new signatures, but it
// remains the algorithm legacy DomainKeys uses and the one this package was
// built to speak; sha256 and ed25519-sha256 are not implemented.
const supportedAlgorithm = "rsa-sha1"

var sigFieldRegexp = regexp.MustCompile(`(b\s*=)[^;]+`)

// occurrence pairs a signature header's index in the message with its raw
// value, for the fan-out in VerifyWithOptions.
type occurrence struct {
	index  int
	legacy bool
	value  string
}

// VerifyOptions customizes Verify's behavior.
type VerifyOptions struct {
	// Resolver looks up public key TXT records. If nil, NewDNSResolver() is
	// used.
	Resolver Resolver
	// Context bounds DNS lookups. If nil, context.Background() is used.
	Context context.Context
}

// Verify checks a message's signatures, both DKIM-Signature and
// DomainKey-Signature, and returns one parsed Signature per header found
// with its Result and ResultDetail filled in. It returns an error only when
// verification could not proceed at all (for instance, a malformed message);
// per-signature problems are reported through the returned Signatures, not
// through the error return.
//
// There is no guarantee that r will be completely consumed.
func Verify(r io.Reader) ([]*Signature, error) {
	return VerifyWithOptions(r, nil)
}

func VerifyWithOptions(r io.Reader, options *VerifyOptions) ([]*Signature, error) {
	bufr := bufio.NewReader(r)
	h, err := readHeader(bufr)
	if err != nil {
		return nil, err
	}

	var occs []occurrence
	for i, kv := range h {
		k, v := parseHeaderField(kv)
		switch {
		case strings.EqualFold(k, headerFieldDKIM):
			occs = append(occs, occurrence{i, false, v})
		case strings.EqualFold(k, headerFieldDomainKey):
			occs = append(occs, occurrence{i, true, v})
		}
	}

	if len(occs) == 0 {
		if _, err := io.Copy(ioutil.Discard, bufr); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if len(occs) == 1 {
		sig, err := verifySignature(h, bufr, h[occs[0].index], occs[0].value, occs[0].legacy, options)
		if err != nil && !isSignatureError(err) {
			return nil, err
		}
		return []*Signature{sig}, nil
	}

	return parallelVerify(bufr, h, occs, options)
}

func isSignatureError(err error) bool {
	return IsTempFail(err) || IsPermFail(err) || IsFail(err)
}

type verifyOutcome struct {
	sig *Signature
	err error
}

func parallelVerify(r io.Reader, h header, occs []occurrence, options *VerifyOptions) ([]*Signature, error) {
	writers := make([]io.Writer, len(occs))
	pipeWriters := make([]*io.PipeWriter, len(occs))
	chans := make([]chan verifyOutcome, len(occs))

	for i, occ := range occs {
		i, occ := i, occ
		chans[i] = make(chan verifyOutcome, 1)

		pr, pw := io.Pipe()
		writers[i] = pw
		pipeWriters[i] = pw

		go func() {
			sig, err := verifySignature(h, pr, h[occ.index], occ.value, occ.legacy, options)
			io.Copy(ioutil.Discard, pr)
			pr.Close()
			chans[i] <- verifyOutcome{sig, err}
		}()
	}

	if _, err := io.Copy(io.MultiWriter(writers...), r); err != nil {
		return nil, err
	}
	for _, pw := range pipeWriters {
		pw.Close()
	}

	sigs := make([]*Signature, len(occs))
	for i, ch := range chans {
		outcome := <-ch
		if outcome.err != nil && !isSignatureError(outcome.err) {
			return nil, outcome.err
		}
		sigs[i] = outcome.sig
	}
	return sigs, nil
}

// verifySignature checks one signature occurrence. sigField is the raw,
// as-received header line (used to recompute the signed text with b=
// blanked); sigValue is just its value portion.
func verifySignature(h header, r io.Reader, sigField, sigValue string, legacy bool, options *VerifyOptions) (*Signature, error) {
	sig, err := parseSignature(sigValue, legacy)
	if err != nil {
		sig.Result = VerdictInvalid
		sig.ResultDetail = err.Error()
		io.Copy(ioutil.Discard, r)
		return sig, err
	}

	if err := checkSignatureSemantics(sig); err != nil {
		sig.Result = VerdictInvalid
		sig.ResultDetail = err.Error()
		io.Copy(ioutil.Discard, r)
		return sig, err
	}

	ctx := context.Background()
	var resolver Resolver
	if options != nil {
		if options.Context != nil {
			ctx = options.Context
		}
		resolver = options.Resolver
	}

	pk, err := fetchPublicKey(ctx, resolver, sig.Domain, sig.Selector)
	if err != nil {
		sig.Result = VerdictInvalid
		sig.ResultDetail = err.Error()
		io.Copy(ioutil.Discard, r)
		return sig, err
	}
	sig.PublicKey = pk

	if err := checkKeyConstraints(sig, pk); err != nil {
		sig.Result = VerdictInvalid
		sig.ResultDetail = err.Error()
		io.Copy(ioutil.Discard, r)
		return sig, err
	}

	var err2 error
	if legacy {
		err2 = verifyLegacy(h, r, sig, pk)
	} else {
		err2 = verifyDKIM(h, r, sigField, sig, pk)
	}

	sig.Result = verdictForError(err2)
	if err2 != nil {
		sig.ResultDetail = err2.Error()
	}
	return sig, err2
}

// checkSignatureSemantics validates tags whose legality depends on what
// this implementation supports, not on wire grammar (spec 4.F).
func checkSignatureSemantics(sig *Signature) error {
	if !sig.Legacy && sig.Version != "1" {
		return permFailError("incompatible signature version")
	}
	if sig.Algorithm != supportedAlgorithm {
		return permFailError("unsupported signature algorithm '" + sig.Algorithm + "'")
	}
	if sig.Domain == "" || sig.Selector == "" {
		return permFailError("signature missing domain or selector")
	}
	if sig.Protocol != "dns/txt" && sig.Protocol != "dns" {
		return permFailError("unsupported query protocol '" + sig.Protocol + "'")
	}

	fromSigned := false
	for _, k := range sig.Headers {
		if strings.EqualFold(k, "from") {
			fromSigned = true
			break
		}
	}
	if !fromSigned {
		return permFailError("From field not signed")
	}

	if !strings.HasSuffix(sig.Identity, "@"+sig.Domain) && !strings.HasSuffix(sig.Identity, "."+sig.Domain) {
		return permFailError("identity does not match signing domain")
	}

	if _, ok := canonicalizers[sig.HeaderCanon]; !ok {
		return permFailError("unsupported header canonicalization algorithm")
	}
	if _, ok := canonicalizers[sig.BodyCanon]; !ok {
		return permFailError("unsupported body canonicalization algorithm")
	}

	if sig.Expiration != 0 && now().Unix() > sig.Expiration {
		return permFailError("signature has expired")
	}

	return nil
}

func checkKeyConstraints(sig *Signature, pk *PublicKey) error {
	if err := checkHashAlgorithm(pk, "sha1"); err != nil {
		return err
	}
	if err := checkGranularity(pk, sig.Identity, sig.Legacy); err != nil {
		return err
	}
	if sig.Legacy {
		return nil
	}
	return checkServiceType(pk)
}

// verifyDKIM checks a DKIM-Signature: separate body hash and header hash,
// per RFC 6376 section 3.7.
func verifyDKIM(h header, r io.Reader, sigField string, sig *Signature, pk *PublicKey) error {
	hasher := sha1.New()
	var w io.Writer = hasher
	if sig.BodyLength >= 0 {
		w = &cappedWriter{W: w, N: sig.BodyLength}
	}
	wc := canonicalizers[sig.BodyCanon].CanonicalizeBody(w)
	if _, err := io.Copy(wc, r); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(hasher.Sum(nil), sig.BodyHash) != 1 {
		return failError("body hash did not verify")
	}

	hasher.Reset()
	picker := newHeaderPicker(h)
	if err := hashSignedHeaders(hasher, picker, canonicalizers[sig.HeaderCanon], sig.Headers); err != nil {
		return err
	}

	canSigField := sigFieldRegexp.ReplaceAllString(sigField, "$1")
	canSigField = canonicalizers[sig.HeaderCanon].CanonicalizeHeader(canSigField)
	canSigField = strings.TrimRight(canSigField, crlf)
	hasher.Write([]byte(canSigField))

	if err := rsa.VerifyPKCS1v15(pk.Key, crypto.SHA1, hasher.Sum(nil), sig.SignatureData); err != nil {
		return failError("signature did not verify: " + err.Error())
	}
	return nil
}

// verifyLegacy checks a DomainKey-Signature: a single hash over the
// canonical signed headers followed directly by the canonical body, RSA-
// verified as one unit (draft-delany-domainkeys section 5).
func verifyLegacy(h header, r io.Reader, sig *Signature, pk *PublicKey) error {
	hasher := sha1.New()

	picker := newHeaderPicker(h)
	if err := hashSignedHeaders(hasher, picker, canonicalizers[sig.HeaderCanon], sig.Headers); err != nil {
		return err
	}

	wc := canonicalizers[sig.BodyCanon].CanonicalizeBody(hasher)
	if _, err := io.Copy(wc, r); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}

	if err := rsa.VerifyPKCS1v15(pk.Key, crypto.SHA1, hasher.Sum(nil), sig.SignatureData); err != nil {
		return failError("signature did not verify: " + err.Error())
	}
	return nil
}
