// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Command xmppdial resolves and connects to an XMPP client-to-server
// endpoint, exercising the resolve and connector packages end to end, and
// reports the negotiated outcome.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"vellum.im/xmpp/connector"
	"vellum.im/xmpp/jid"
	"vellum.im/xmpp/metrics"
	"vellum.im/xmpp/resolve"
	"vellum.im/xmpp/tlsverify"
)

func main() {
	rootCmd := dialCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "xmppdial:", err)
		os.Exit(1)
	}
}

func dialCmd() *cobra.Command {
	var (
		tlsRequired bool
		directOnly  bool
		insecure    bool
		timeout     time.Duration
		metricsAddr string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "xmppdial <domain>",
		Short: "Resolve and connect to an XMPP client-to-server endpoint",
		Long: `xmppdial resolves the SRV records for an XMPP domain and attempts to
connect to each candidate endpoint in turn, negotiating STARTTLS or
Direct-TLS as the endpoint's service name indicates, and reports the
resulting stream features.

It exits 0 and prints the negotiated features on the first endpoint that
produces a usable stream, or a non-zero status if every candidate fails.`,
		Example: `  xmppdial example.net
  xmppdial --tls-required example.net
  xmppdial --insecure --timeout 5s example.net`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			recorder := metrics.NewRecorder()
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server stopped", "err", err)
					}
				}()
				logger.Info("serving metrics", "addr", metricsAddr)
			}

			domain, err := jid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parsing domain %q: %w", args[0], err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout*4)
			defer cancel()

			endpoints, err := resolve.Lookup(ctx, domain.String(), resolve.Options{})
			if err != nil {
				return fmt.Errorf("resolving %s: %w", domain, err)
			}

			meta := connector.Metadata{
				TLSRequired: tlsRequired,
				VerifierFactory: func() connector.Verifier {
					if insecure {
						return insecureVerifier{}
					}
					return &tlsverify.Default{}
				},
				TLSConfigFactory: func() *tls.Config { return &tls.Config{} },
				Recorder:         recorder,
			}

			var lastErr error
			for _, ep := range endpoints {
				if directOnly && !ep.DirectTLS {
					continue
				}
				logger.Debug("attempting endpoint", "host", ep.Host, "port", ep.Port, "direct_tls", ep.DirectTLS)

				var c connector.Connector
				if ep.DirectTLS {
					c = connector.DirectTLS{}
				} else {
					c = connector.STARTTLS{}
				}

				outcome, err := c.Connect(ctx, meta, domain, ep.Host, ep.Port, timeout, logger)
				if err != nil {
					logger.Warn("endpoint failed", "host", ep.Host, "port", ep.Port, "err", err)
					lastErr = err
					continue
				}

				fmt.Printf("connected to %s:%d (direct_tls=%v)\n", ep.Host, ep.Port, ep.DirectTLS)
				fmt.Printf("features:\n")
				for name := range outcome.Features {
					fmt.Printf("  %s %s\n", name.Space, name.Local)
				}
				outcome.Stream.Abort()
				return nil
			}

			if lastErr == nil {
				lastErr = fmt.Errorf("no endpoints resolved for %s", domain)
			}
			return fmt.Errorf("every endpoint failed, last error: %w", lastErr)
		},
	}

	cmd.Flags().BoolVar(&tlsRequired, "tls-required", false, "fail rather than fall back to a plaintext stream")
	cmd.Flags().BoolVar(&directOnly, "direct-only", false, "only attempt Direct-TLS (xmpps-client) endpoints")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification entirely")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-attempt protocol wait timeout")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (host:port)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log each connect attempt")

	return cmd
}

// insecureVerifier accepts any certificate; it exists for --insecure so
// xmppdial can probe self-signed or misconfigured endpoints without
// building a real trust store.
type insecureVerifier struct{}

func (insecureVerifier) PreHandshake(ctx context.Context, domain, host string, port uint16) error {
	return nil
}

func (insecureVerifier) SetupContext(cfg *tls.Config, host string) {
	cfg.InsecureSkipVerify = true
}

func (insecureVerifier) PostHandshake(ctx context.Context, state tls.ConnectionState) error {
	return nil
}

var _ connector.Verifier = insecureVerifier{}
