// Command dkimproxy is a minimal message relay: it reads one message from
// stdin, optionally signs it, verifies whatever signatures are present, and
// writes the message back out to stdout with an Authentication-Results
// header field prepended. It does not speak SMTP; wire it into a real MTA's
// pipe-to-command delivery if you need that.
package main

import (
	"bufio"
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/sigpost/dkimproxy/authres"
	"github.com/sigpost/dkimproxy/dkim"
)

func main() {
	identity := flag.String("i", "", "Authentication-Results identity (defaults to hostname)")
	signDomain := flag.String("d", "", "if set, sign outgoing mail as this domain")
	selector := flag.String("s", "", "selector to sign with (required with -d)")
	keyPath := flag.String("k", "", "private key path (required with -d)")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if *identity == "" {
		host, err := os.Hostname()
		if err != nil {
			logger.Fatal("failed to read hostname", zap.Error(err))
		}
		*identity = host
	}

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		logger.Fatal("failed to read message", zap.Error(err))
	}

	var signed bytes.Buffer
	body := input
	if *signDomain != "" {
		if *selector == "" || *keyPath == "" {
			logger.Fatal("-s and -k are required with -d")
		}
		signer, err := loadPrivateKey(*keyPath)
		if err != nil {
			logger.Fatal("failed to load private key", zap.Error(err))
		}
		opts := &dkim.SignOptions{Domain: *signDomain, Selector: *selector, Signer: signer}
		if err := dkim.Sign(&signed, bytes.NewReader(input), opts); err != nil {
			logger.Fatal("failed to sign message", zap.Error(err))
		}
		body = signed.Bytes()
	}

	sigs, err := dkim.Verify(bytes.NewReader(body))
	if err != nil {
		logger.Fatal("failed to verify message", zap.Error(err))
	}

	var results []authres.Result
	if len(sigs) == 0 {
		results = append(results, &authres.DKIMResult{Value: authres.ResultNone})
	}
	for _, sig := range sigs {
		val := authres.ResultPermError
		switch sig.Result {
		case dkim.VerdictPass:
			val = authres.ResultPass
		case dkim.VerdictFail:
			val = authres.ResultFail
		}
		if sig.Legacy {
			results = append(results, &authres.DomainKeysResult{Value: val, Domain: sig.Domain})
		} else {
			results = append(results, &authres.DKIMResult{Value: val, Domain: sig.Domain, Identifier: sig.Identity})
		}
	}

	out := bufio.NewWriter(os.Stdout)
	if _, err := out.WriteString("Authentication-Results: " + authres.Format(*identity, results) + "\r\n"); err != nil {
		logger.Fatal("failed to write output", zap.Error(err))
	}
	if _, err := out.Write(body); err != nil {
		logger.Fatal("failed to write output", zap.Error(err))
	}
	if err := out.Flush(); err != nil {
		logger.Fatal("failed to flush output", zap.Error(err))
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
