// Command dkimsign reads a message from stdin, signs it, and writes the
// signed message to stdout.
package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/sigpost/dkimproxy/dkim"
)

func main() {
	domain := flag.String("d", "", "signing domain (required)")
	selector := flag.String("s", "", "selector (required)")
	keyPath := flag.String("k", "", "private key path, PEM-formatted (required)")
	identity := flag.String("i", "", "identity (i=); defaults to @domain")
	headerKeys := flag.String("h", "", "colon-separated header fields to sign; defaults to all present")
	legacy := flag.Bool("legacy", false, "emit a DomainKey-Signature instead of DKIM-Signature")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if *domain == "" || *selector == "" || *keyPath == "" {
		logger.Fatal("domain (-d), selector (-s) and private key (-k) are required")
	}

	signer, err := loadPrivateKey(*keyPath)
	if err != nil {
		logger.Fatal("failed to load private key", zap.Error(err))
	}

	opts := &dkim.SignOptions{
		Domain:   *domain,
		Selector: *selector,
		Identity: *identity,
		Signer:   signer,
		Legacy:   *legacy,
	}
	if *headerKeys != "" {
		opts.HeaderKeys = strings.Split(*headerKeys, ":")
	}

	if err := dkim.Sign(os.Stdout, os.Stdin, opts); err != nil {
		logger.Fatal("failed to sign message", zap.Error(err))
	}
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(b)
	if block == nil {
		return nil, os.ErrInvalid
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, os.ErrInvalid
	}
	return rsaKey, nil
}
