// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package connector

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"vellum.im/xmpp/internal/attr"
	"vellum.im/xmpp/jid"
	"vellum.im/xmpp/ns"
	"vellum.im/xmpp/streamerror"
	"vellum.im/xmpp/xmppstream"
)

var (
	starttlsName = xml.Name{Space: ns.StartTLS, Local: "starttls"}
	proceedName  = xml.Name{Space: ns.StartTLS, Local: "proceed"}
	failureName  = xml.Name{Space: ns.StartTLS, Local: "failure"}
)

// STARTTLS implements the opportunistic/required in-band TLS upgrade
// strategy: connect in plaintext, inspect the peer's advertised features,
// and if STARTTLS is offered (or required), negotiate the upgrade in place
// before resetting the stream.
type STARTTLS struct {
	// Dialer dials the plaintext TCP connection. A nil Dialer uses
	// &net.Dialer{}.
	Dialer *net.Dialer
}

var _ Connector = STARTTLS{}

// TLSSupported always returns true: STARTTLS is capable of negotiating TLS,
// even though a given connect attempt may fall back to plaintext when
// Metadata.TLSRequired is false and the peer doesn't offer it.
func (STARTTLS) TLSSupported() bool { return true }

// Connect implements Connector.
func (c STARTTLS) Connect(ctx context.Context, meta Metadata, domain *jid.JID, host string, port uint16, timeout time.Duration, logger *slog.Logger) (outcome Outcome, err error) {
	logger = logOrDiscard(logger).With("strategy", "starttls", "domain", domain.String(), "host", host, "port", port, "attempt_id", attr.RandomID())
	start := time.Now()

	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	// OPEN-STREAM: dial plaintext, construct the XML stream, await F0.
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		record(meta.Recorder, "starttls", "dial-error", start)
		return Outcome{}, fmt.Errorf("connector: dialing %s:%d: %w", host, port, err)
	}

	stream, err := xmppstream.Open(ctx, conn, domain, logger)
	if err != nil {
		conn.Close()
		record(meta.Recorder, "starttls", "stream-open-error", start)
		return Outcome{}, fmt.Errorf("connector: opening stream: %w", err)
	}
	defer func() {
		if err != nil {
			stream.Abort()
		}
	}()

	f0, err := stream.Features(ctx)
	if err != nil {
		record(meta.Recorder, "starttls", "features-error", start)
		return Outcome{}, fmt.Errorf("connector: awaiting initial features: %w", err)
	}

	// DECIDE
	if !f0.HasStartTLS() {
		if meta.TLSRequired {
			record(meta.Recorder, "starttls", "tls-unavailable", start)
			err = tlsUnavailable(msgSTARTTLSNotSupported, nil)
			return Outcome{}, err
		}
		record(meta.Recorder, "starttls", "plaintext", start)
		return Outcome{Transport: conn, Stream: stream, Features: f0}, nil
	}

	// STARTTLS-REQUEST
	reply, err := sendAndWaitFor(ctx, stream, xml.StartElement{Name: starttlsName}, timeout, proceedName, failureName)
	if err != nil {
		var streamErr streamerror.Error
		if errors.As(err, &streamErr) && streamErr.Err == streamerror.UnsupportedStanzaType.Err && meta.TLSRequired {
			record(meta.Recorder, "starttls", "tls-unavailable", start)
			err = tlsUnavailable(msgSTARTTLSNotSupported, err)
			return Outcome{}, err
		}
		record(meta.Recorder, "starttls", "transport-error", start)
		return Outcome{}, err
	}
	if reply.Name == failureName {
		if meta.TLSRequired {
			sendStreamErrorAndClose(stream, streamerror.PolicyViolation, msgSTARTTLSFailed)
			record(meta.Recorder, "starttls", "tls-unavailable", start)
			err = tlsUnavailable(msgSTARTTLSFailed, nil)
			return Outcome{}, err
		}
		record(meta.Recorder, "starttls", "plaintext", start)
		return Outcome{Transport: conn, Stream: stream, Features: f0}, nil
	}

	// TLS-UPGRADE: verifier/context factories are only ever called once TLS
	// is actually going to be attempted (invariant 3 of spec.md §3).
	verifier := meta.VerifierFactory()
	if err = verifier.PreHandshake(ctx, domain.String(), host, port); err != nil {
		record(meta.Recorder, "starttls", "verifier-error", start)
		return Outcome{}, fmt.Errorf("connector: pre-handshake: %w", err)
	}
	cfg := meta.TLSConfigFactory()
	cfg.ServerName = domain.String()
	verifier.SetupContext(cfg, host)

	if err = stream.StartTLS(ctx, cfg, func(tlsConn *tls.Conn) error {
		return verifier.PostHandshake(ctx, tlsConn.ConnectionState())
	}); err != nil {
		record(meta.Recorder, "starttls", "handshake-error", start)
		return Outcome{}, err
	}

	// RESET-STREAM
	f1, err := resetStreamAndGetFeatures(ctx, stream, timeout)
	if err != nil {
		record(meta.Recorder, "starttls", "reset-error", start)
		return Outcome{}, err
	}

	record(meta.Recorder, "starttls", "success", start)
	return Outcome{Transport: stream.Conn(), Stream: stream, Features: f1}, nil
}
