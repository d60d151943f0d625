// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"

	"vellum.im/xmpp/internal/attr"
	"vellum.im/xmpp/jid"
	"vellum.im/xmpp/xmppstream"
)

// wsSubprotocol is the WebSocket subprotocol RFC 7395 registers for framing
// an XMPP stream.
const wsSubprotocol = "xmpp"

// WebSocket implements the RFC 7395 XMPP-over-WebSocket connection
// strategy: it dials a ws:// or wss:// endpoint, frames the stream with
// <open/>/<close/> elements instead of a <stream:stream> header, and
// otherwise drives the same feature-wait Outcome every other Connector
// produces.
//
// URL is the WebSocket endpoint to dial (e.g. "wss://im.example.com/xmpp").
// Its scheme determines TLSSupported: "wss" supports TLS, "ws" does not and
// Connect for it never calls the Metadata verifier factories; with
// Metadata.TLSRequired set, Connect for a "ws" URL fails with TLSUnavailable.
type WebSocket struct {
	URL string

	// HTTPClient, if non-nil, is used for the WebSocket opening handshake. For
	// a wss:// URL with a Metadata.VerifierFactory, Connect dials with a copy
	// of HTTPClient whose Transport is replaced by one using the
	// verifier-configured TLS config; otherwise HTTPClient is used as is,
	// including its Transport's TLSClientConfig. A nil HTTPClient uses
	// nhooyr.io/websocket's default.
	HTTPClient *http.Client
}

var _ Connector = WebSocket{}

// TLSSupported reports whether c.URL uses the wss scheme.
func (c WebSocket) TLSSupported() bool {
	u, err := url.Parse(c.URL)
	if err != nil {
		return false
	}
	return u.Scheme == "wss"
}

// Connect implements Connector. host and port are not dialed; they are only
// passed to the verifier (PreHandshake, and host to SetupContext). The
// WebSocket endpoint to dial is c.URL.
func (c WebSocket) Connect(ctx context.Context, meta Metadata, domain *jid.JID, host string, port uint16, timeout time.Duration, logger *slog.Logger) (outcome Outcome, err error) {
	logger = logOrDiscard(logger).With("strategy", "websocket", "domain", domain.String(), "url", c.URL, "attempt_id", attr.RandomID())
	start := time.Now()

	if meta.TLSRequired && !c.TLSSupported() {
		record(meta.Recorder, "websocket", "tls-unavailable", start)
		return Outcome{}, tlsUnavailable("WebSocket URL is not wss, but TLS is required by client", nil)
	}

	dialOpts := &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
		HTTPClient:   c.HTTPClient,
	}

	tlsAttempted := c.TLSSupported() && meta.VerifierFactory != nil
	var verifier Verifier
	if tlsAttempted {
		verifier = meta.VerifierFactory()
		if verr := verifier.PreHandshake(ctx, domain.String(), host, port); verr != nil {
			record(meta.Recorder, "websocket", "verifier-error", start)
			return Outcome{}, fmt.Errorf("connector: pre-handshake: %w", verr)
		}
		cfg := &tls.Config{}
		if meta.TLSConfigFactory != nil {
			cfg = meta.TLSConfigFactory()
		}
		cfg.ServerName = domain.String()
		verifier.SetupContext(cfg, host)
		// Copy the caller's client so concurrent Connect calls never share
		// or overwrite its Transport.
		var httpClient http.Client
		if dialOpts.HTTPClient != nil {
			httpClient = *dialOpts.HTTPClient
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: cfg}
		dialOpts.HTTPClient = &httpClient
	}

	wsConn, resp, err := websocket.Dial(ctx, c.URL, dialOpts)
	if err != nil {
		record(meta.Recorder, "websocket", "dial-error", start)
		return Outcome{}, fmt.Errorf("connector: dialing %s: %w", c.URL, err)
	}
	wsConn.SetReadLimit(16 * 1024 * 1024)

	// POST-HANDSHAKE: resp.TLS is populated by net/http whenever the upgrade
	// request ran over TLS, giving a wss:// dial the same verifier.PostHandshake
	// callback STARTTLS and Direct-TLS both get after their own handshakes.
	if tlsAttempted && resp != nil && resp.TLS != nil {
		if verr := verifier.PostHandshake(ctx, *resp.TLS); verr != nil {
			wsConn.Close(websocket.StatusPolicyViolation, "post-handshake verification failed")
			record(meta.Recorder, "websocket", "verifier-error", start)
			return Outcome{}, fmt.Errorf("connector: post-handshake verification: %w", verr)
		}
	}

	conn := websocket.NetConn(ctx, wsConn, websocket.MessageText)
	stream, err := xmppstream.OpenWebSocket(ctx, conn, domain, logger)
	if err != nil {
		conn.Close()
		record(meta.Recorder, "websocket", "stream-open-error", start)
		return Outcome{}, fmt.Errorf("connector: opening stream: %w", err)
	}
	defer func() {
		if err != nil {
			stream.Abort()
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	f0, err := stream.Features(waitCtx)
	if err != nil {
		record(meta.Recorder, "websocket", "features-error", start)
		return Outcome{}, fmt.Errorf("connector: awaiting initial features: %w", err)
	}

	record(meta.Recorder, "websocket", "success", start)
	return Outcome{Transport: conn, Stream: stream, Features: f0}, nil
}
