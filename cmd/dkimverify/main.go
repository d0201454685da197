// Command dkimverify reads a message from stdin and checks its
// DKIM-Signature and DomainKey-Signature header fields.
package main

import (
	"context"
	"flag"
	"os"

	"go.uber.org/zap"

	"github.com/sigpost/dkimproxy/dkim"
)

func main() {
	timeout := flag.Duration("timeout", 0, "DNS lookup timeout (0 = none)")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	var cancel context.CancelFunc
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	sigs, err := dkim.VerifyWithOptions(os.Stdin, &dkim.VerifyOptions{Context: ctx})
	if err != nil {
		logger.Fatal("failed to verify message", zap.Error(err))
	}

	if len(sigs) == 0 {
		logger.Info("no signatures found")
		os.Exit(1)
	}

	exitCode := 0
	for _, sig := range sigs {
		fields := []zap.Field{
			zap.String("domain", sig.Domain),
			zap.String("selector", sig.Selector),
			zap.Bool("legacy", sig.Legacy),
			zap.String("verdict", string(sig.Result)),
		}
		if sig.Result == dkim.VerdictPass {
			logger.Info("signature verified", fields...)
		} else {
			fields = append(fields, zap.String("detail", sig.ResultDetail))
			logger.Warn("signature did not verify", fields...)
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}
