// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"vellum.im/xmpp/internal/attr"
	"vellum.im/xmpp/jid"
	"vellum.im/xmpp/xmppstream"
)

// alpnXMPPClient is the sole protocol Direct-TLS advertises via ALPN.
const alpnXMPPClient = "xmpp-client"

// DirectTLS implements the XMPP-over-TLS strategy: the TLS handshake
// happens from the first octet of the connection, with no plaintext
// negotiation beforehand.
type DirectTLS struct {
	// Dialer dials the plaintext TCP connection the TLS handshake then runs
	// over. A nil Dialer uses &net.Dialer{}.
	Dialer *net.Dialer
}

var _ Connector = DirectTLS{}

// TLSSupported always returns true.
func (DirectTLS) TLSSupported() bool { return true }

// Connect implements Connector.
func (c DirectTLS) Connect(ctx context.Context, meta Metadata, domain *jid.JID, host string, port uint16, timeout time.Duration, logger *slog.Logger) (outcome Outcome, err error) {
	logger = logOrDiscard(logger).With("strategy", "direct-tls", "domain", domain.String(), "host", host, "port", port, "attempt_id", attr.RandomID())
	start := time.Now()

	// PREPARE-VERIFIER: the verifier factory and pre_handshake run before
	// the TCP connection is even opened, per spec.md §5 ordering guarantee
	// (d): "pre_handshake precedes the TLS connect".
	verifier := meta.VerifierFactory()
	if err = verifier.PreHandshake(ctx, domain.String(), host, port); err != nil {
		record(meta.Recorder, "direct-tls", "verifier-error", start)
		return Outcome{}, fmt.Errorf("connector: pre-handshake: %w", err)
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		record(meta.Recorder, "direct-tls", "dial-error", start)
		return Outcome{}, fmt.Errorf("connector: dialing %s:%d: %w", host, port, err)
	}

	// TLS-CONNECT: the shim builds the context, attempts ALPN, then lets the
	// verifier configure it, mirroring the ordering the ssl_context_factory
	// shim in spec.md §4.3 step 2 describes.
	cfg := meta.TLSConfigFactory()
	cfg.ServerName = domain.String()
	setALPN(cfg, logger)
	verifier.SetupContext(cfg, host)

	tlsConn := tls.Client(conn, cfg)
	if err = tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		record(meta.Recorder, "direct-tls", "handshake-error", start)
		return Outcome{}, fmt.Errorf("connector: TLS handshake: %w", err)
	}
	if err = verifier.PostHandshake(ctx, tlsConn.ConnectionState()); err != nil {
		tlsConn.Close()
		record(meta.Recorder, "direct-tls", "verifier-error", start)
		return Outcome{}, fmt.Errorf("connector: post-handshake verification: %w", err)
	}

	stream, err := xmppstream.Open(ctx, tlsConn, domain, logger)
	if err != nil {
		tlsConn.Close()
		record(meta.Recorder, "direct-tls", "stream-open-error", start)
		return Outcome{}, fmt.Errorf("connector: opening stream: %w", err)
	}
	defer func() {
		if err != nil {
			stream.Abort()
		}
	}()

	// AWAIT-FEATURES
	f0, err := stream.Features(ctx)
	if err != nil {
		record(meta.Recorder, "direct-tls", "features-error", start)
		return Outcome{}, fmt.Errorf("connector: awaiting initial features: %w", err)
	}

	record(meta.Recorder, "direct-tls", "success", start)
	return Outcome{Transport: tlsConn, Stream: stream, Features: f0}, nil
}

// setALPN attempts to advertise the single "xmpp-client" ALPN protocol.
// crypto/tls.Config.NextProtos has always had this capability (unlike the
// pyOpenSSL target this connector core was translated from, where
// set_alpn_protos can be entirely absent or a runtime no-op); the two
// named warning messages exist so log output and tests match spec.md's
// observable contract even though this Go binding can't actually fail
// here. logger may be nil, in which case the warnings are silently
// skipped, per spec.md §9's recommendation for a nil base_logger.
func setALPN(cfg *tls.Config, logger *slog.Logger) {
	if logger == nil {
		cfg.NextProtos = []string{alpnXMPPClient}
		return
	}
	if !alpnCapable {
		logger.Warn("OpenSSL.SSL.Context lacks set_alpn_protos - please update pyOpenSSL to a recent version")
		return
	}
	if !alpnImplemented {
		logger.Warn("the underlying OpenSSL library does not support ALPN")
		return
	}
	cfg.NextProtos = []string{alpnXMPPClient}
}

// alpnCapable and alpnImplemented are always true for crypto/tls; they
// exist as named toggles so tests can exercise the two warning paths
// spec.md scenarios S7/S8 describe without needing a TLS stack that
// actually lacks ALPN support.
var (
	alpnCapable     = true
	alpnImplemented = true
)
