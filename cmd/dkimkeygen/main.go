// Command dkimkeygen generates an RSA key pair for DKIM/DomainKeys signing
// and prints the TXT record to publish alongside it.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

var (
	nBits    int
	filename string
	readPriv bool
)

func init() {
	flag.IntVar(&nBits, "b", 2048, "number of bits in the RSA key")
	flag.StringVar(&filename, "f", "dkim.priv", "private key filename")
	flag.BoolVar(&readPriv, "y", false, "read private key and print public key")
}

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	var privKey *rsa.PrivateKey
	if readPriv {
		privKey = readPrivKey(logger)
	} else {
		privKey = genPrivKey(logger)
		writePrivKey(logger, privKey)
	}
	printPubKey(logger, &privKey.PublicKey)
}

func genPrivKey(logger *zap.Logger) *rsa.PrivateKey {
	logger.Info("generating RSA key", zap.Int("bits", nBits))
	privKey, err := rsa.GenerateKey(rand.Reader, nBits)
	if err != nil {
		logger.Fatal("failed to generate key", zap.Error(err))
	}
	return privKey
}

func readPrivKey(logger *zap.Logger) *rsa.PrivateKey {
	b, err := os.ReadFile(filename)
	if err != nil {
		logger.Fatal("failed to read key file", zap.Error(err))
	}

	block, _ := pem.Decode(b)
	if block == nil {
		logger.Fatal("failed to decode PEM block")
	}

	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		logger.Fatal("failed to parse private key", zap.Error(err))
	}
	rsaKey, ok := privKey.(*rsa.PrivateKey)
	if !ok {
		logger.Fatal("key file does not hold an RSA key")
	}

	logger.Info("private key read", zap.String("file", filename))
	return rsaKey
}

func writePrivKey(logger *zap.Logger, privKey *rsa.PrivateKey) {
	privBytes, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		logger.Fatal("failed to marshal private key", zap.Error(err))
	}

	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		logger.Fatal("failed to create key file", zap.Error(err))
	}
	defer f.Close()

	block := pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}
	if err := pem.Encode(f, &block); err != nil {
		logger.Fatal("failed to write key PEM block", zap.Error(err))
	}
	logger.Info("private key written", zap.String("file", filename))
}

func printPubKey(logger *zap.Logger, pubKey *rsa.PublicKey) {
	// RFC 6376 is inconsistent about whether RSA public keys should be
	// formatted as RSAPublicKey or SubjectPublicKeyInfo. Erratum 3017
	// allows both; SubjectPublicKeyInfo matches deployed verifiers.
	pubBytes, err := x509.MarshalPKIXPublicKey(pubKey)
	if err != nil {
		logger.Fatal("failed to marshal public key", zap.Error(err))
	}

	params := []string{
		"v=DKIM1",
		"k=rsa",
		"p=" + base64.StdEncoding.EncodeToString(pubBytes),
	}
	logger.Info("public key ready", zap.String("record", `<selector>._domainkey`))
	fmt.Println(strings.Join(params, "; "))
}
