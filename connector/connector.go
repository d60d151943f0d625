// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package connector implements the XMPP client-to-server connection
// strategies — opportunistic/required STARTTLS, direct (implicit) TLS, and
// RFC 7395 WebSocket — as a shared Connector contract. A Connector owns
// exactly one connect attempt: it dials one endpoint (a host:port, or for
// WebSocket a URL), drives the XML stream through whatever
// TLS negotiation its strategy calls for, and returns the resulting
// transport, stream and post-negotiation features, or aborts the stream and
// propagates an error. It never retries and never resolves DNS itself; both
// are the caller's job (see the resolve package).
package connector // import "vellum.im/xmpp/connector"

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"mellium.im/xmlstream"
	"vellum.im/xmpp/jid"
	"vellum.im/xmpp/ns"
	"vellum.im/xmpp/streamerror"
	"vellum.im/xmpp/xmppstream"
)

// Features is the set of stream features the peer advertised, identified by
// qualified element name.
type Features = xmppstream.Features

// XMLStream is the subset of *xmppstream.Stream a Connector drives. It is
// an interface so tests can substitute a fake stream without a real
// net.Conn.
type XMLStream interface {
	Features(ctx context.Context) (Features, error)
	Send(start xml.StartElement) error
	SendTokens(tr xmlstream.TokenReader) error
	Next(ctx context.Context) (*xmppstream.Element, error)
	StartTLS(ctx context.Context, cfg *tls.Config, postHandshake func(*tls.Conn) error) error
	Reset(ctx context.Context) (Features, error)
	Conn() net.Conn
	Abort()
}

var _ XMLStream = (*xmppstream.Stream)(nil)

// Verifier is the certificate-verifier contract a Connector drives around a
// TLS handshake. It mirrors tlsverify.Verifier; Connector depends on this
// narrower interface (rather than importing tlsverify) so Metadata can be
// satisfied by any verifier implementation, including test doubles.
type Verifier interface {
	PreHandshake(ctx context.Context, domain, host string, port uint16) error
	SetupContext(cfg *tls.Config, host string)
	PostHandshake(ctx context.Context, state tls.ConnectionState) error
}

// Metadata bundles the policy inputs a Connector needs for one connect
// attempt. VerifierFactory and TLSConfigFactory are each called at most
// once per attempt, and only once TLS is actually going to be attempted —
// never on a plaintext STARTTLS fallback.
type Metadata struct {
	// TLSRequired, when true, causes Connect to fail with TLSUnavailable
	// rather than return a plaintext stream.
	TLSRequired bool

	// VerifierFactory constructs a fresh Verifier for this connect attempt.
	VerifierFactory func() Verifier

	// TLSConfigFactory constructs a fresh *tls.Config for this connect
	// attempt, before the Verifier has had a chance to mutate it.
	TLSConfigFactory func() *tls.Config

	// Recorder, if non-nil, records connect outcomes and handshake latency.
	// It is purely observational.
	Recorder MetricsRecorder
}

// MetricsRecorder receives connector telemetry. See the metrics
// subpackage for a Prometheus-backed implementation; nil-safe helper
// functions in this package treat a nil Recorder as a no-op.
type MetricsRecorder interface {
	ObserveConnect(strategy string, outcome string, elapsed time.Duration)
}

func record(m MetricsRecorder, strategy, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.ObserveConnect(strategy, outcome, time.Since(start))
}

// Outcome is the successful result of a connect attempt.
type Outcome struct {
	Transport net.Conn
	Stream    XMLStream
	Features  Features
}

// Connector is implemented by each connection strategy (STARTTLS, DirectTLS,
// WebSocket). A single Connector value may be reused across many concurrent
// calls to Connect; it holds no per-call mutable state.
type Connector interface {
	// TLSSupported reports whether this strategy is able to negotiate TLS at
	// all (STARTTLS and DirectTLS always return true; WebSocket returns true
	// only for a wss:// URL).
	TLSSupported() bool

	// Connect dials host:port, drives the strategy's negotiation, and
	// returns the resulting Outcome. domain is the XMPP service name, used
	// as the TLS SNI server name and the stream header's "to" attribute.
	// timeout bounds each individual protocol wait (a feature exchange, a
	// stream reset), not the call as a whole; callers that want an overall
	// deadline should derive ctx with their own timeout.
	Connect(ctx context.Context, meta Metadata, domain *jid.JID, host string, port uint16, timeout time.Duration, logger *slog.Logger) (Outcome, error)
}

// TLSUnavailable reports that TLS was required by the caller's Metadata but
// could not be established. Its Error text is part of the package's
// contract: callers and tests match against the exact strings produced by
// msgSTARTTLSNotSupported and msgSTARTTLSFailed.
type TLSUnavailable struct {
	msg string
	err error
}

func (e *TLSUnavailable) Error() string {
	if e.err != nil {
		return fmt.Sprintf("connector: TLS unavailable: %s: %v", e.msg, e.err)
	}
	return fmt.Sprintf("connector: TLS unavailable: %s", e.msg)
}

func (e *TLSUnavailable) Unwrap() error { return e.err }

func tlsUnavailable(msg string, err error) *TLSUnavailable {
	return &TLSUnavailable{msg: msg, err: err}
}

const (
	msgSTARTTLSNotSupported = "STARTTLS not supported by server, but required by client"
	msgSTARTTLSFailed       = "server failed to STARTTLS"
)

// logOrDiscard returns logger, or a logger that discards everything if
// logger is nil. The connector package never uses a package-level global
// logger; see the open-question note in DESIGN.md about nil loggers
// silently skipping ALPN warnings.
func logOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(discardHandler{})
	}
	return logger
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// sendAndWaitFor sends outgoing on stream, then waits for the next top-level
// element whose qualified name matches one of expected, up to timeout. A
// peer-originated <stream:error/> or the timeout is returned as an error.
func sendAndWaitFor(ctx context.Context, stream XMLStream, outgoing xml.StartElement, timeout time.Duration, expected ...xml.Name) (*xmppstream.Element, error) {
	if err := stream.Send(outgoing); err != nil {
		return nil, fmt.Errorf("connector: sending %s: %w", outgoing.Name.Local, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		elem, err := stream.Next(waitCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("connector: waiting for reply to %s: %w", outgoing.Name.Local, err)
			}
			return nil, err
		}
		for _, name := range expected {
			if elem.Name == name {
				return elem, nil
			}
		}
		// Not one of the expected replies; a strictly compliant peer does
		// not interleave other top-level elements here, but nothing stops a
		// caller from looping if it wants to tolerate that. This helper
		// does not: an unexpected reply is itself unexpected.
		return nil, fmt.Errorf("connector: unexpected reply %s while waiting for reply to %s", elem.Name.Local, outgoing.Name.Local)
	}
}

// resetStreamAndGetFeatures resets stream (resending the stream header
// after an in-place TLS upgrade) and waits up to timeout for the resulting
// <stream:features/>.
func resetStreamAndGetFeatures(ctx context.Context, stream XMLStream, timeout time.Duration) (Features, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	features, err := stream.Reset(waitCtx)
	if err != nil {
		return nil, fmt.Errorf("connector: resetting stream: %w", err)
	}
	return features, nil
}

// sendStreamErrorAndClose emits a <stream:error/> with the given condition
// and human-readable text, then aborts the stream. It is used when the
// peer's STARTTLS refusal violates a tls_required policy.
func sendStreamErrorAndClose(stream XMLStream, cond streamerror.Error, text string) {
	payload := xmlstream.Wrap(
		xmlstream.Token(xml.CharData(text)),
		xml.StartElement{
			Name: xml.Name{Space: ns.Streams, Local: "text"},
			Attr: []xml.Attr{{Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: "en"}},
		},
	)
	_ = stream.SendTokens(cond.TokenReader(payload))
	stream.Abort()
}
