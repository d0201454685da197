package dkim

import (
	"encoding/base64"
	"strconv"
	"strings"
	"unicode"
)

// headerFieldDKIM and headerFieldDomainKey are the two header field names
// this package recognizes as carrying a signature.
const (
	headerFieldDKIM       = "DKIM-Signature"
	headerFieldDomainKey  = "DomainKey-Signature"
)

// Signature is a parsed signature record (spec 3: "Signature Record"),
// covering both the legacy DomainKey-Signature form (no v=, no bh=, no l=,
// SHA-1 over the whole canonical message) and the current DKIM-Signature
// form (v=1, separate bh= body hash, optional l=).
type Signature struct {
	// Legacy is true for a DomainKey-Signature, false for a DKIM-Signature.
	Legacy bool

	Version       string // v=; empty for legacy
	Algorithm     string // a=
	SignatureData []byte // b=, base64-decoded
	BodyHash      []byte // bh=, base64-decoded; nil for legacy
	HeaderCanon   Canonicalization
	BodyCanon     Canonicalization
	Domain        string   // d=
	Headers       []string // h=, lowercased, in order
	Identity      string   // i=; defaults to "@"+Domain
	BodyLength    int64    // l=; -1 if absent (whole body signed)
	Protocol      string   // q=; defaults to "dns/txt"
	Selector      string   // s=
	Timestamp     int64    // t=; 0 if absent
	Expiration    int64    // x=; 0 if absent (no expiration)

	// Result is filled in by the orchestrator as processing proceeds.
	Result       Verdict
	ResultDetail string
	PublicKey    *PublicKey

	raw string // the unparsed tag=value text, for diagnostics only
}

// HeaderFieldName returns the header field name this signature would be
// (or was) carried in.
func (sig *Signature) HeaderFieldName() string {
	if sig.Legacy {
		return headerFieldDomainKey
	}
	return headerFieldDKIM
}

// parseSignature parses the value portion of a signature header (everything
// after "DKIM-Signature:" or "DomainKey-Signature:") into a Signature. It
// performs only syntactic validation (tag grammar, base64, integers); the
// orchestrator performs semantic checks (supported algorithm/canon/
// protocol/version, expiration, identity-vs-domain) since those depend on
// what this implementation supports, not on the wire grammar.
func parseSignature(value string, legacy bool) (*Signature, error) {
	params, err := parseHeaderParams(value)
	if err != nil {
		return &Signature{Legacy: legacy, raw: value}, permFailError("malformed signature tags: " + err.Error())
	}

	sig := &Signature{Legacy: legacy, raw: value}

	if !legacy {
		sig.Version = stripWhitespace(params["v"])
	}

	sig.Algorithm = strings.ToLower(stripWhitespace(params["a"]))

	for _, tag := range mandatoryTags(legacy) {
		if _, ok := params[tag]; !ok {
			return sig, permFailError("signature missing required tag '" + tag + "'")
		}
	}

	sig.Domain = strings.ToLower(stripWhitespace(params["d"]))
	sig.Selector = stripWhitespace(params["s"])

	sig.Protocol = strings.ToLower(stripWhitespace(params["q"]))
	if sig.Protocol == "" {
		sig.Protocol = "dns/txt"
	}

	sig.HeaderCanon, sig.BodyCanon = parseCanonPair(params["c"], legacy)

	// Header field names compare case-insensitively, so h= is stored
	// lowercased.
	sig.Headers = parseTagList(strings.ToLower(params["h"]))

	if i, ok := params["i"]; ok {
		sig.Identity = stripWhitespace(i)
	} else {
		sig.Identity = "@" + sig.Domain
	}

	sig.BodyLength = -1
	if l, ok := params["l"]; ok {
		n, err := strconv.ParseInt(stripWhitespace(l), 10, 64)
		if err != nil || n < 0 {
			return sig, permFailError("malformed body length tag")
		}
		sig.BodyLength = n
	}

	if t, ok := params["t"]; ok {
		n, err := strconv.ParseInt(stripWhitespace(t), 10, 64)
		if err != nil {
			return sig, permFailError("malformed timestamp tag")
		}
		sig.Timestamp = n
	}

	if x, ok := params["x"]; ok {
		n, err := strconv.ParseInt(stripWhitespace(x), 10, 64)
		if err != nil {
			return sig, permFailError("malformed expiration tag")
		}
		sig.Expiration = n
	}

	sig.SignatureData, err = decodeBase64Tag(params["b"])
	if err != nil {
		return sig, permFailError("malformed signature data: " + err.Error())
	}

	if !legacy {
		sig.BodyHash, err = decodeBase64Tag(params["bh"])
		if err != nil {
			return sig, permFailError("malformed body hash: " + err.Error())
		}
	}

	return sig, nil
}

func mandatoryTags(legacy bool) []string {
	if legacy {
		return []string{"a", "b", "d", "h", "s"}
	}
	return []string{"v", "a", "b", "bh", "d", "h", "s"}
}

// emitSignature renders sig using the fixed tag order (spec 4.B). When
// includeSignatureData is false the b= tag is present with an empty value,
// matching what the signer hashed before it had a signature to put there.
func emitSignature(sig *Signature, includeSignatureData bool) string {
	params := map[string]string{
		"a": sig.Algorithm,
		"c": string(sig.HeaderCanon) + "/" + string(sig.BodyCanon),
		"d": sig.Domain,
		"h": strings.Join(sig.Headers, ":"),
		"q": sig.Protocol,
		"s": sig.Selector,
	}
	if !sig.Legacy {
		params["v"] = "1"
		params["bh"] = base64.StdEncoding.EncodeToString(sig.BodyHash)
	}
	if sig.Identity != "" && sig.Identity != "@"+sig.Domain {
		params["i"] = sig.Identity
	}
	if sig.BodyLength >= 0 {
		params["l"] = strconv.FormatInt(sig.BodyLength, 10)
	}
	if sig.Timestamp != 0 {
		params["t"] = strconv.FormatInt(sig.Timestamp, 10)
	}
	if sig.Expiration != 0 {
		params["x"] = strconv.FormatInt(sig.Expiration, 10)
	}
	if includeSignatureData {
		params["b"] = base64.StdEncoding.EncodeToString(sig.SignatureData)
	} else {
		params["b"] = ""
	}

	return formatHeaderParams(sig.HeaderFieldName(), params)
}

// parseCanonPair parses the c= tag into its header and body halves. An
// absent tag, or a tag naming only one half, defaults the rest to "simple".
// Legacy DomainKey-Signature additionally recognizes "nofws" as a historical
// spelling of "nowsp".
func parseCanonPair(s string, legacy bool) (headerCanon, bodyCanon Canonicalization) {
	headerCanon = CanonicalizationSimple
	bodyCanon = CanonicalizationSimple

	parts := strings.SplitN(stripWhitespace(s), "/", 2)
	if parts[0] != "" {
		headerCanon = normalizeCanon(parts[0], legacy)
	}
	if len(parts) > 1 {
		bodyCanon = normalizeCanon(parts[1], legacy)
	} else if legacy && parts[0] != "" {
		// DomainKey-Signature has one canonicalization mode that applies to
		// both header and body; RFC 4870 doesn't use the "/" syntax at all.
		bodyCanon = headerCanon
	}
	return
}

func normalizeCanon(s string, legacy bool) Canonicalization {
	s = strings.ToLower(s)
	if legacy && s == "nofws" {
		return CanonicalizationNoWSP
	}
	return Canonicalization(s)
}

func parseTagList(s string) []string {
	if s == "" {
		return nil
	}
	tags := strings.Split(s, ":")
	for i, t := range tags {
		tags[i] = stripWhitespace(t)
	}
	return tags
}

func decodeBase64Tag(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(stripWhitespace(s))
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
