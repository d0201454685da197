package dkim

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// PublicKey is a parsed public-key record, retrieved from
// "<selector>._domainkey.<domain>" (spec 4.E).
type PublicKey struct {
	Domain   string
	Selector string

	Key *rsa.PublicKey

	// HashAlgos restricts which hash algorithms the key may be used with;
	// nil means no restriction.
	HashAlgos []string
	// Services restricts which services ("email", or "*") the key applies
	// to; nil means no restriction. New-form (DKIM) keys only.
	Services []string
	// Granularity restricts which local-parts the key applies to; only
	// meaningful when HasGranularity is set, since an absent g= tag and an
	// explicitly empty one are treated differently by checkGranularity.
	Granularity string
	// HasGranularity reports whether the key record carried a g= tag at
	// all, explicit empty value included.
	HasGranularity bool
	Notes          string
}

// Resolver looks up DNS TXT records. It is satisfied by *DNSResolver and by
// test fakes.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DNSResolver is the production Resolver, backed by github.com/miekg/dns
// rather than net.LookupTXT so that callers can point it at a specific
// recursive resolver instead of always going through the OS stub resolver.
type DNSResolver struct {
	// Addr is the "host:port" of the recursive resolver to query. If empty,
	// NewDNSResolver's default (read from /etc/resolv.conf) is used.
	Addr string

	client *dns.Client
}

// NewDNSResolver builds a DNSResolver from the system's /etc/resolv.conf,
// falling back to the public resolver 1.1.1.1 if it can't be read.
func NewDNSResolver() *DNSResolver {
	addr := "1.1.1.1:53"
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
		addr = cfg.Servers[0] + ":" + cfg.Port
	}
	return &DNSResolver{Addr: addr, client: new(dns.Client)}
}

func (r *DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if r.client == nil {
		r.client = new(dns.Client)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	m.RecursionDesired = true

	addr := r.Addr
	if addr == "" {
		addr = NewDNSResolver().Addr
	}

	in, _, err := r.client.ExchangeContext(ctx, m, addr)
	if err != nil {
		return nil, tempFailError("DNS query failed: " + err.Error())
	}
	if in.Rcode == dns.RcodeNameError {
		return nil, nil
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, tempFailError(fmt.Sprintf("DNS query failed: rcode %v", dns.RcodeToString[in.Rcode]))
	}

	var txts []string
	for _, rr := range in.Answer {
		if t, ok := rr.(*dns.TXT); ok {
			txts = append(txts, strings.Join(t.Txt, ""))
		}
	}
	return txts, nil
}

// fetchPublicKey retrieves and parses the public key for (domain, selector)
// using r. An absent record is a permFailError (KeyUnavailable); an error
// from r is returned as is (DNSResolver reports a failed query, timeouts
// included, as a tempFailError). The signature's q= protocol is checked
// before this is called, by checkSignatureSemantics.
func fetchPublicKey(ctx context.Context, r Resolver, domain, selector string) (*PublicKey, error) {
	if r == nil {
		r = NewDNSResolver()
	}

	name := selector + "._domainkey." + domain
	txts, err := r.LookupTXT(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(txts) == 0 {
		return nil, permFailError("no key found for " + name)
	}

	return parsePublicKeyRecord(domain, selector, strings.Join(txts, ""))
}

// parsePublicKeyRecord parses the tag=value body of a public key TXT
// record (spec 3: "Public Key Record"; RFC 6376 section 3.6.1;
// draft-delany-domainkeys section 3.2).
func parsePublicKeyRecord(domain, selector, s string) (*PublicKey, error) {
	params, err := parseHeaderParams(s)
	if err != nil {
		return nil, permFailError("key record syntax error: " + err.Error())
	}

	if v, ok := params["v"]; ok && v != "" && v != "DKIM1" {
		return nil, permFailError("incompatible public key record version")
	}

	p, ok := params["p"]
	if !ok {
		return nil, permFailError("key record missing public key data")
	}
	if stripWhitespace(p) == "" {
		return nil, permFailError("key revoked")
	}

	raw, err := base64.StdEncoding.DecodeString(stripWhitespace(p))
	if err != nil {
		return nil, permFailError("key record syntax error: " + err.Error())
	}

	keyType := params["k"]
	if keyType == "" {
		keyType = "rsa"
	}
	if keyType != "rsa" {
		return nil, permFailError("unsupported public key algorithm '" + keyType + "'")
	}

	pub, err := parseRSAPublicKey(raw)
	if err != nil {
		return nil, permFailError("key record syntax error: " + err.Error())
	}
	// RFC 8301 section 3.2: a 1024-bit RSA key is the practical floor;
	// anything smaller isn't worth treating as a valid signature.
	if pub.Size()*8 < 1024 {
		return nil, permFailError(fmt.Sprintf("key too short: want >= 1024 bits, has %v", pub.Size()*8))
	}

	pk := &PublicKey{Domain: domain, Selector: selector, Key: pub}

	if h, ok := params["h"]; ok {
		pk.HashAlgos = parseTagList(h)
	}
	if svc, ok := params["s"]; ok {
		services := parseTagList(svc)
		for _, v := range services {
			if v == "*" {
				services = nil
				break
			}
		}
		pk.Services = services
	}
	if g, ok := params["g"]; ok {
		pk.HasGranularity = true
		pk.Granularity = stripWhitespace(g)
	}
	if n, ok := params["n"]; ok {
		pk.Notes = n
	}

	return pk, nil
}

// parseRSAPublicKey accepts both the SubjectPublicKeyInfo encoding (what
// every current signer publishes) and the bare PKCS#1 RSAPublicKey encoding
// that some legacy DomainKeys records still use.
func parseRSAPublicKey(raw []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKIXPublicKey(raw); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA public key")
		}
		return rsaPub, nil
	}
	return x509.ParsePKCS1PublicKey(raw)
}

// checkHashAlgorithm reports whether pk may be used with hashAlgo. An empty
// HashAlgos list means the key record doesn't restrict hash algorithms.
func checkHashAlgorithm(pk *PublicKey, hashAlgo string) error {
	if pk.HashAlgos == nil {
		return nil
	}
	for _, a := range pk.HashAlgos {
		if a == hashAlgo {
			return nil
		}
	}
	return permFailError("key record does not permit hash algorithm '" + hashAlgo + "'")
}

// checkServiceType reports whether pk may be used for email (s= tag,
// new-form keys only).
func checkServiceType(pk *PublicKey) error {
	if pk.Services == nil {
		return nil
	}
	for _, s := range pk.Services {
		if s == "email" {
			return nil
		}
	}
	return permFailError("key record does not permit the email service")
}

// checkGranularity reports whether pk may be used for the local-part of
// identity (g= tag). draft-delany-domainkeys and RFC 6376 disagree on what
// an explicitly empty g= means, so legacy is required to disambiguate:
//   - no g= tag at all: no restriction, either scheme (RFC 6376 retired the
//     tag outright, and an absent tag was always wildcard under DomainKeys).
//   - g=* : no restriction, either scheme.
//   - g= (present, empty): legacy treats this as wildcard, matching what
//     deployed DomainKeys verifiers settled on for draft-delany-domainkeys's
//     ambiguous wording; a DKIM-Signature, however, is required to treat an
//     explicit empty g= as matching no identity at all.
//   - any other value: matched against identity's local-part, with a
//     trailing "*" treated as a prefix wildcard.
func checkGranularity(pk *PublicKey, identity string, legacy bool) error {
	if !pk.HasGranularity || pk.Granularity == "*" {
		return nil
	}
	if pk.Granularity == "" {
		if legacy {
			return nil
		}
		return permFailError("key record granularity matches no identity (empty g=)")
	}

	local := identity
	if i := strings.IndexByte(identity, '@'); i >= 0 {
		local = identity[:i]
	}

	pattern := pk.Granularity
	if strings.HasSuffix(pattern, "*") {
		if strings.HasPrefix(local, strings.TrimSuffix(pattern, "*")) {
			return nil
		}
	} else if local == pattern {
		return nil
	}

	return permFailError("key record granularity does not permit identity '" + identity + "'")
}
