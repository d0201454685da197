package dkim

import (
	"bytes"
	"crypto"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const mailHeaderString = "From: Joe SixPack <joe@football.example.com>\r\n" +
	"To: Suzie Q <suzie@shopping.example.net>\r\n" +
	"Subject: Is dinner ready?\r\n" +
	"Date: Fri, 11 Jul 2003 21:00:37 -0700 (PDT)\r\n" +
	"Message-ID: <20030712040037.46341.5F8J@football.example.com>\r\n"

const mailBodyString = "Hi.\r\n" +
	"\r\n" +
	"We lost the game. Are you hungry yet?\r\n" +
	"\r\n" +
	"Joe."

const mailString = mailHeaderString + "\r\n" + mailBodyString

func init() {
	randReader = rand.New(rand.NewSource(42))
	now = func() time.Time { return fixedNow }
}

func resolverFor(domain, selector string) fakeResolver {
	record := "v=DKIM1; k=rsa; p=" + testPublicKeyB64
	return fakeResolver{selector + "._domainkey." + domain: record}
}

func TestSignAndVerify(t *testing.T) {
	r := strings.NewReader(mailString)
	options := &SignOptions{
		Domain:   "example.org",
		Selector: "brisbane",
		Signer:   testPrivateKey,
	}

	var b bytes.Buffer
	if err := Sign(&b, r, options); err != nil {
		t.Fatal("Expected no error while signing mail, got:", err)
	}

	sigs, err := VerifyWithOptions(&b, &VerifyOptions{Resolver: resolverFor("example.org", "brisbane")})
	if err != nil {
		t.Fatalf("Expected no error while verifying signature, got: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("Expected exactly one signature, got %d", len(sigs))
	}

	sig := sigs[0]
	if sig.Result != VerdictPass {
		t.Errorf("Expected verdict pass, got %v (%v)", sig.Result, sig.ResultDetail)
	}
	if sig.Domain != options.Domain {
		t.Errorf("Expected domain to be %q but got %q", options.Domain, sig.Domain)
	}
}

func TestSignAndVerify_relaxed(t *testing.T) {
	r := strings.NewReader(mailString)
	options := &SignOptions{
		Domain:                 "example.org",
		Selector:               "brisbane",
		Signer:                 testPrivateKey,
		HeaderCanonicalization: "relaxed",
		BodyCanonicalization:   "relaxed",
	}

	var b bytes.Buffer
	if err := Sign(&b, r, options); err != nil {
		t.Fatal("Expected no error while signing mail, got:", err)
	}

	sigs, err := VerifyWithOptions(&b, &VerifyOptions{Resolver: resolverFor("example.org", "brisbane")})
	if err != nil {
		t.Fatalf("Expected no error while verifying signature, got: %v", err)
	}
	if len(sigs) != 1 || sigs[0].Result != VerdictPass {
		t.Fatalf("Expected exactly one passing signature, got %+v", sigs)
	}
}

func TestSignAndVerify_legacy(t *testing.T) {
	r := strings.NewReader(mailString)
	options := &SignOptions{
		Domain:   "example.org",
		Selector: "brisbane",
		Signer:   testPrivateKey,
		Legacy:   true,
	}

	var b bytes.Buffer
	if err := Sign(&b, r, options); err != nil {
		t.Fatal("Expected no error while signing mail, got:", err)
	}

	sigs, err := VerifyWithOptions(&b, &VerifyOptions{Resolver: resolverFor("example.org", "brisbane")})
	if err != nil {
		t.Fatalf("Expected no error while verifying signature, got: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("Expected exactly one signature, got %d", len(sigs))
	}
	if sigs[0].Result != VerdictPass {
		t.Errorf("Expected verdict pass, got %v (%v)", sigs[0].Result, sigs[0].ResultDetail)
	}
	if !sigs[0].Legacy {
		t.Error("Expected the signature to be flagged legacy")
	}
}

func TestSignAndVerify_tamperedBodyFails(t *testing.T) {
	r := strings.NewReader(mailString)
	options := &SignOptions{
		Domain:   "example.org",
		Selector: "brisbane",
		Signer:   testPrivateKey,
	}

	var b bytes.Buffer
	if err := Sign(&b, r, options); err != nil {
		t.Fatal("Expected no error while signing mail, got:", err)
	}

	tampered := strings.Replace(b.String(), "We lost the game.", "We won the game! ", 1)

	sigs, err := VerifyWithOptions(strings.NewReader(tampered), &VerifyOptions{Resolver: resolverFor("example.org", "brisbane")})
	if err != nil {
		t.Fatalf("Expected no error while verifying signature, got: %v", err)
	}
	if len(sigs) != 1 || sigs[0].Result != VerdictFail {
		t.Fatalf("Expected the tampered body to fail verification, got %+v", sigs)
	}
}

func TestSignAndVerify_unsignedHeaderMutationStillPasses(t *testing.T) {
	r := strings.NewReader(mailString)
	options := &SignOptions{
		Domain:     "example.org",
		Selector:   "brisbane",
		Signer:     testPrivateKey,
		HeaderKeys: []string{"From", "Subject"},
	}

	var b bytes.Buffer
	if err := Sign(&b, r, options); err != nil {
		t.Fatal("Expected no error while signing mail, got:", err)
	}

	tampered := strings.Replace(b.String(), "<20030712040037.46341.5F8J@football.example.com>", "<different-id@football.example.com>", 1)

	sigs, err := VerifyWithOptions(strings.NewReader(tampered), &VerifyOptions{Resolver: resolverFor("example.org", "brisbane")})
	if err != nil {
		t.Fatalf("Expected no error while verifying signature, got: %v", err)
	}
	if len(sigs) != 1 || sigs[0].Result != VerdictPass {
		t.Fatalf("Expected mutating an unsigned header to still pass, got %+v", sigs)
	}
}

func TestSign_invalidOptions(t *testing.T) {
	r := strings.NewReader(mailString)
	var b bytes.Buffer

	if err := Sign(&b, r, nil); err == nil {
		t.Error("Expected an error when signing a message without options")
	}

	options := &SignOptions{}
	if err := Sign(&b, r, options); err == nil {
		t.Error("Expected an error when signing a message without domain")
	}
	options.Domain = "example.org"

	if err := Sign(&b, r, options); err == nil {
		t.Error("Expected an error when signing a message without selector")
	}
	options.Selector = "brisbane"

	if err := Sign(&b, r, options); err == nil {
		t.Error("Expected an error when signing a message without signer")
	}
	options.Signer = testPrivateKey

	options.HeaderCanonicalization = "pasta"
	if err := Sign(&b, r, options); err == nil {
		t.Error("Expected an error when signing a message with an invalid header canonicalization")
	}
	options.HeaderCanonicalization = ""

	options.BodyCanonicalization = "potatoe"
	if err := Sign(&b, r, options); err == nil {
		t.Error("Expected an error when signing a message with an invalid body canonicalization")
	}
	options.BodyCanonicalization = ""

	options.HeaderKeys = []string{"To"}
	if err := Sign(&b, r, options); err == nil {
		t.Error("Expected an error when signing a message without the From header")
	}
	options.HeaderKeys = nil
}

func TestSign_invalidKeyAlgorithm(t *testing.T) {
	options := &SignOptions{
		Domain:   "example.org",
		Selector: "brisbane",
		Signer:   ed25519Signer{},
	}
	var b bytes.Buffer
	if err := Sign(&b, strings.NewReader(mailString), options); err == nil {
		t.Error("Expected an error when signing with a non-RSA key")
	}
}

// ed25519Signer is a crypto.Signer stand-in whose Public key is not RSA, to
// exercise SignOptions.validate's algorithm check without an ed25519 import.
type ed25519Signer struct{}

func (ed25519Signer) Public() crypto.PublicKey { return "not-an-rsa-key" }
func (ed25519Signer) Sign(_ io.Reader, _ []byte, _ crypto.SignerOpts) ([]byte, error) {
	return nil, nil
}

func TestSigner_streaming(t *testing.T) {
	options := &SignOptions{
		Domain:   "example.org",
		Selector: "brisbane",
		Signer:   testPrivateKey,
	}
	s, err := NewSigner(options)
	if err != nil {
		t.Fatalf("Expected no error creating signer, got: %v", err)
	}

	full := []byte(mailString)
	mid := len(mailHeaderString) + 1
	if _, err := s.Write(full[:mid]); err != nil {
		t.Fatalf("Expected no error writing header chunk, got: %v", err)
	}
	if _, err := s.Write(full[mid:]); err != nil {
		t.Fatalf("Expected no error writing body chunk, got: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Expected no error closing signer, got: %v", err)
	}

	var b bytes.Buffer
	b.WriteString(s.Signature())
	b.WriteString(mailString)

	sigs, err := VerifyWithOptions(&b, &VerifyOptions{Resolver: resolverFor("example.org", "brisbane")})
	if err != nil {
		t.Fatalf("Expected no error while verifying signature, got: %v", err)
	}
	if len(sigs) != 1 || sigs[0].Result != VerdictPass {
		t.Fatalf("Expected the streamed signature to verify, got %+v", sigs)
	}
}
