// Command dkimmilter is a milter that verifies DKIM-Signature and
// DomainKey-Signature header fields on inbound mail and signs outbound mail
// for the configured domains, recording the outcome in an
// Authentication-Results header field.
package main

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/mail"
	"net/textproto"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/emersion/go-milter"
	"go.uber.org/zap"

	"github.com/sigpost/dkimproxy/authres"
	"github.com/sigpost/dkimproxy/dkim"
)

var (
	signDomains    stringSliceFlag
	identity       string
	listenURI      string
	privateKeyPath string
	selector       string
	verbose        bool
)

var (
	privateKey crypto.Signer
	logger     *zap.Logger
)

var signHeaderKeys = []string{
	"From",
	"Reply-To",
	"Subject",
	"Date",
	"To",
	"Cc",
	"Resent-Date",
	"Resent-From",
	"Resent-To",
	"Resent-Cc",
	"In-Reply-To",
	"References",
	"List-Id",
	"List-Help",
	"List-Unsubscribe",
	"List-Subscribe",
	"List-Post",
	"List-Owner",
	"List-Archive",
}

func init() {
	flag.Var(&signDomains, "d", "Domain(s) whose mail should be signed")
	flag.StringVar(&identity, "i", "", "Server identity (defaults to hostname)")
	flag.StringVar(&listenURI, "l", "unix:///tmp/dkim-milter.sock", "Listen URI")
	flag.StringVar(&privateKeyPath, "k", "", "Private key (PEM-formatted)")
	flag.StringVar(&selector, "s", "", "Selector")
	flag.BoolVar(&verbose, "v", false, "Enable verbose logging")
}

type stringSliceFlag []string

func (f *stringSliceFlag) String() string {
	return strings.Join(*f, ", ")
}

func (f *stringSliceFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

type session struct {
	authResDelete []int
	headerBuf     bytes.Buffer

	signDomain     string
	signHeaderKeys []string

	done   <-chan error
	pw     *io.PipeWriter
	sigs   []*dkim.Signature // only valid after done is closed
	signer *dkim.Signer
}

func (s *session) Connect(host string, family string, port uint16, addr net.IP, m *milter.Modifier) (milter.Response, error) {
	return nil, nil
}

func (s *session) Helo(name string, m *milter.Modifier) (milter.Response, error) {
	return nil, nil
}

func (s *session) MailFrom(from string, m *milter.Modifier) (milter.Response, error) {
	return nil, nil
}

func (s *session) RcptTo(rcptTo string, m *milter.Modifier) (milter.Response, error) {
	return nil, nil
}

func parseAddressDomain(s string) (string, error) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", err
	}

	parts := strings.SplitN(addr.Address, "@", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("dkimmilter: malformed address: missing '@'")
	}

	return parts[1], nil
}

func (s *session) Header(name string, value string, m *milter.Modifier) (milter.Response, error) {
	if strings.EqualFold(name, "From") || strings.EqualFold(name, "Sender") {
		domain, err := parseAddressDomain(value)
		if err != nil {
			return nil, fmt.Errorf("dkimmilter: failed to parse header field '%v': %v", name, err)
		}

		for _, d := range signDomains {
			if strings.EqualFold(d, domain) {
				s.signDomain = d
				break
			}
		}
	}

	for _, k := range signHeaderKeys {
		if strings.EqualFold(name, k) {
			s.signHeaderKeys = append(s.signHeaderKeys, name)
		}
	}

	field := name + ": " + value + "\r\n"
	_, err := s.headerBuf.WriteString(field)
	return milter.RespContinue, err
}

func getIdentity(authRes string) string {
	parts := strings.SplitN(authRes, ";", 2)
	return strings.TrimSpace(parts[0])
}

func (s *session) Headers(h textproto.MIMEHeader, m *milter.Modifier) (milter.Response, error) {
	if _, err := s.headerBuf.WriteString("\r\n"); err != nil {
		return nil, err
	}

	fields := h["Authentication-Results"]
	for i, field := range fields {
		if strings.EqualFold(identity, getIdentity(field)) {
			s.authResDelete = append(s.authResDelete, i)
		}
	}

	if s.signDomain != "" {
		opts := dkim.SignOptions{
			Domain:     s.signDomain,
			Selector:   selector,
			Signer:     privateKey,
			HeaderKeys: s.signHeaderKeys,
		}

		var err error
		s.signer, err = dkim.NewSigner(&opts)
		if err != nil {
			return nil, err
		}
	}

	done := make(chan error, 1)
	pr, pw := io.Pipe()

	s.done = done
	s.pw = pw

	go func() {
		var err error
		s.sigs, err = dkim.Verify(pr)
		io.Copy(ioutil.Discard, pr)
		pr.Close()
		done <- err
		close(done)
	}()

	return s.BodyChunk(s.headerBuf.Bytes(), m)
}

func (s *session) BodyChunk(chunk []byte, m *milter.Modifier) (milter.Response, error) {
	if _, err := s.pw.Write(chunk); err != nil {
		return nil, err
	}
	if s.signer != nil {
		if _, err := s.signer.Write(chunk); err != nil {
			return nil, err
		}
	}
	return milter.RespContinue, nil
}

func (s *session) Body(m *milter.Modifier) (milter.Response, error) {
	if err := s.pw.Close(); err != nil {
		return nil, err
	}

	for _, index := range s.authResDelete {
		if err := m.ChangeHeader(index, "Authentication-Results", ""); err != nil {
			return nil, err
		}
	}

	if err := <-s.done; err != nil {
		if verbose {
			logger.Warn("verification failed", zap.Error(err))
		}
		return nil, err
	}

	if s.signer != nil {
		if err := s.signer.Close(); err != nil {
			if verbose {
				logger.Warn("signing failed", zap.Error(err))
			}
			return nil, err
		}

		kv := s.signer.Signature()
		parts := strings.SplitN(kv, ": ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("dkimmilter: malformed signature header field")
		}
		k, v := parts[0], strings.TrimSuffix(parts[1], "\r\n")

		if err := m.InsertHeader(0, k, v); err != nil {
			return nil, err
		}
	}

	results := make([]authres.Result, 0, len(s.sigs))

	if len(s.sigs) == 0 && s.signer == nil {
		results = append(results, &authres.DKIMResult{Value: authres.ResultNone})
	}

	for _, sig := range s.sigs {
		if verbose {
			if sig.Result != dkim.VerdictPass {
				logger.Info("verification failed", zap.String("domain", sig.Domain), zap.String("detail", sig.ResultDetail))
			} else {
				logger.Info("verification succeeded", zap.String("domain", sig.Domain))
			}
		}

		val := resultValue(sig)
		if sig.Legacy {
			results = append(results, &authres.DomainKeysResult{
				Value:  val,
				Domain: sig.Domain,
			})
		} else {
			results = append(results, &authres.DKIMResult{
				Value:      val,
				Domain:     sig.Domain,
				Identifier: sig.Identity,
			})
		}
	}

	v := authres.Format(identity, results)
	if err := m.InsertHeader(0, "Authentication-Results", v); err != nil {
		return nil, err
	}

	return milter.RespAccept, nil
}

func resultValue(sig *dkim.Signature) authres.ResultValue {
	switch sig.Result {
	case dkim.VerdictPass:
		return authres.ResultPass
	case dkim.VerdictFail:
		return authres.ResultFail
	default:
		return authres.ResultPermError
	}
}

func loadPrivateKey(path string) (crypto.Signer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("no PEM data found")
	}

	switch strings.ToUpper(block.Type) {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("only RSA private keys are supported")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unknown private key type: '%v'", block.Type)
	}
}

func main() {
	flag.Parse()

	var err error
	logger, err = zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if identity == "" {
		identity, err = os.Hostname()
		if err != nil {
			logger.Fatal("failed to read hostname", zap.Error(err))
		}
	}

	if (len(signDomains) > 0 || privateKeyPath != "" || selector != "") && !(len(signDomains) > 0 && privateKeyPath != "" && selector != "") {
		logger.Fatal("domain(s) (-d), private key (-k) and selector (-s) must all be specified")
	}

	if privateKeyPath != "" {
		privateKey, err = loadPrivateKey(privateKeyPath)
		if err != nil {
			logger.Fatal("failed to load private key", zap.String("path", privateKeyPath), zap.Error(err))
		}
	}

	parts := strings.SplitN(listenURI, "://", 2)
	if len(parts) != 2 {
		logger.Fatal("invalid listen URI", zap.String("uri", listenURI))
	}
	listenNetwork, listenAddr := parts[0], parts[1]

	srv := milter.Server{
		NewMilter: func() milter.Milter {
			return &session{}
		},
		Actions:  milter.OptAddHeader | milter.OptChangeHeader,
		Protocol: milter.OptNoConnect | milter.OptNoHelo | milter.OptNoMailFrom | milter.OptNoRcptTo,
	}

	ln, err := net.Listen(listenNetwork, listenAddr)
	if err != nil {
		logger.Fatal("failed to set up listener", zap.Error(err))
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		if err := srv.Close(); err != nil {
			logger.Fatal("failed to close server", zap.Error(err))
		}
	}()

	logger.Info("milter listening", zap.String("uri", listenURI))
	if err := srv.Serve(ln); err != nil && err != milter.ErrServerClosed {
		logger.Fatal("failed to serve", zap.Error(err))
	}
}
