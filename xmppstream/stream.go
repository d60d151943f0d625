// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmppstream drives the "<stream:stream>" XML stream framing over an
// already-connected transport: sending and expecting stream headers,
// fulfilling the stream-features future exactly once per stream generation,
// queuing other top-level elements for a caller to match against, and
// performing the in-place TLS upgrade and stream reset a STARTTLS negotiation
// requires. It is the "XML Stream handle" role of the connector core; the
// connector package drives it but never parses XML itself.
package xmppstream // import "vellum.im/xmpp/xmppstream"

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"mellium.im/xmlstream"
	"vellum.im/xmpp/internal/decl"
	"vellum.im/xmpp/jid"
	"vellum.im/xmpp/ns"
	"vellum.im/xmpp/streamerror"
)

// Features is the set of stream-feature elements the peer advertised in its
// most recent <stream:features/>, keyed by qualified element name.
type Features map[xml.Name]struct{}

// HasStartTLS reports whether the StartTLS feature was advertised.
func (f Features) HasStartTLS() bool {
	_, ok := f[xml.Name{Space: ns.StartTLS, Local: "starttls"}]
	return ok
}

// Element is a captured top-level stream child the caller has not yet
// matched against an expected reply type (e.g. <proceed/> or <failure/>
// during STARTTLS negotiation).
type Element struct {
	Name  xml.Name
	Inner []byte
}

type featureFuture struct {
	ch  chan struct{}
	mu  sync.Mutex
	val Features
	err error
}

func newFeatureFuture() *featureFuture {
	return &featureFuture{ch: make(chan struct{})}
}

// fulfill satisfies the future exactly once; later calls are no-ops, which
// keeps a buggy or malicious peer that sends <stream:features/> twice from
// blocking or panicking the read loop.
func (f *featureFuture) fulfill(val Features, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.ch:
		return
	default:
		f.val, f.err = val, err
		close(f.ch)
	}
}

func (f *featureFuture) wait(ctx context.Context) (Features, error) {
	select {
	case <-f.ch:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stream owns the transport for one direction of an XMPP connection. The
// connector is the only intended caller; Stream itself never speaks SASL,
// routes stanzas, or retries anything.
type Stream struct {
	to     *jid.JID
	logger *slog.Logger

	mu   sync.Mutex // guards conn, dec, enc, w, and features across TLS upgrade/reset
	conn net.Conn
	dec  *xml.Decoder
	enc  *xml.Encoder
	w    *bufio.Writer

	features *featureFuture

	incoming  chan incomingItem
	abortOnce sync.Once
	aborted   chan struct{}
	readDone  chan struct{}
	stopping  chan struct{}

	// ws, when true, frames the stream per RFC 7395 (an <open/> element in
	// the xmpp-framing namespace instead of a <stream:stream> header) for
	// use over a WebSocket transport. See OpenWebSocket.
	ws bool
}

type incomingItem struct {
	elem *Element
	err  error
}

// pastDeadline is set on a connection's read deadline to unblock a Token()
// call in progress when the transport is about to be rewrapped (TLS
// upgrade) or torn down (abort).
var pastDeadline = time.Unix(1, 0)

// Open constructs a Stream over conn, immediately writes the opening stream
// header (to=domain), and starts reading. The caller awaits Features to
// observe the peer's first <stream:features/>.
func Open(ctx context.Context, conn net.Conn, domain *jid.JID, logger *slog.Logger) (*Stream, error) {
	return open(ctx, conn, domain, logger, false)
}

// OpenWebSocket is Open for a transport already framed as a sequence of
// discrete WebSocket messages (see nhooyr.io/websocket's NetConn adapter):
// it writes an RFC 7395 <open/> element instead of a <stream:stream> header
// and expects the peer to reciprocate with its own <open/> before
// <stream:features/>, rather than relying on a never-closed root element.
func OpenWebSocket(ctx context.Context, conn net.Conn, domain *jid.JID, logger *slog.Logger) (*Stream, error) {
	return open(ctx, conn, domain, logger, true)
}

func open(ctx context.Context, conn net.Conn, domain *jid.JID, logger *slog.Logger, ws bool) (*Stream, error) {
	s := &Stream{
		to:       domain,
		logger:   logger,
		conn:     conn,
		incoming: make(chan incomingItem, 4),
		aborted:  make(chan struct{}),
		features: newFeatureFuture(),
		ws:       ws,
	}
	s.rewrap(conn)
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := s.sendHeader(); err != nil {
		return nil, fmt.Errorf("xmppstream: sending stream header: %w", err)
	}
	s.startReading()
	return s, nil
}

// startReading launches a fresh read loop and records its completion
// channel so a later StartTLS/Abort can wait for the goroutine reading the
// old transport to fully exit before the transport is rewrapped or closed.
func (s *Stream) startReading() {
	done := make(chan struct{})
	stopping := make(chan struct{})
	s.mu.Lock()
	s.readDone = done
	s.stopping = stopping
	s.mu.Unlock()
	go s.readLoop(done, stopping)
}

func (s *Stream) rewrap(conn net.Conn) {
	s.conn = conn
	s.dec = xml.NewDecoder(conn)
	s.w = bufio.NewWriter(conn)
	s.enc = xml.NewEncoder(s.w)
}

func (s *Stream) sendHeader() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.ws {
		_, err = fmt.Fprintf(s.w, `<open to='%s' version='%s' xmlns='%s'/>`,
			escapeAttr(s.to.String()), DefaultVersion, ns.WS)
	} else {
		_, err = fmt.Fprintf(s.w, decl.XMLHeader+`<stream:stream to='%s' version='%s' xmlns='%s' xmlns:stream='%s'>`,
			escapeAttr(s.to.String()), DefaultVersion, ns.Client, ns.Stream)
	}
	if err != nil {
		return err
	}
	return s.w.Flush()
}

func escapeAttr(s string) string {
	var buf []byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			buf = append(buf, "&apos;"...)
		case '&':
			buf = append(buf, "&amp;"...)
		case '<':
			buf = append(buf, "&lt;"...)
		default:
			buf = append(buf, s[i])
		}
	}
	return string(buf)
}

// Conn returns the underlying transport, post-TLS-upgrade if one occurred.
func (s *Stream) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Features waits for the current stream generation's feature set.
func (s *Stream) Features(ctx context.Context) (Features, error) {
	s.mu.Lock()
	fut := s.features
	s.mu.Unlock()
	return fut.wait(ctx)
}

// Send writes a single empty stream-level element (such as <starttls/>) to
// the wire and flushes it immediately.
func (s *Stream) Send(start xml.StartElement) error {
	return s.SendTokens(xmlstream.Wrap(nil, start))
}

// SendTokens writes an arbitrary token stream (such as a
// streamerror.Error's TokenReader, which has children) to the wire and
// flushes it immediately.
func (s *Stream) SendTokens(tr xmlstream.TokenReader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := xmlstream.Copy(tokenWriter{s.enc}, tr); err != nil {
		return err
	}
	return s.enc.Flush()
}

type tokenWriter struct{ enc *xml.Encoder }

func (w tokenWriter) EncodeToken(t xml.Token) error { return w.enc.EncodeToken(t) }
func (w tokenWriter) Flush() error                  { return w.enc.Flush() }

// Next blocks until the peer sends a top-level stream child other than
// <stream:features/>, a <stream:error/>, or ctx is done. It is the
// lower-level primitive the connector's send-and-wait-for helper uses to
// receive <proceed/>/<failure/> during STARTTLS negotiation.
func (s *Stream) Next(ctx context.Context) (*Element, error) {
	select {
	case item := <-s.incoming:
		return item.elem, item.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.aborted:
		return nil, net.ErrClosed
	}
}

// StartTLS upgrades the transport to TLS in place: the stream does not
// reopen the socket, it wraps the existing one. cfg is used as given; any
// verifier setup (ALPN, pinning, custom verification) must already have been
// applied to it by the caller. postHandshake, if non-nil, runs
// after a successful handshake and before StartTLS returns; its error aborts
// the upgrade. StartTLS stops the current read loop; the caller must call
// Reset afterward to resend the stream header and resume reading.
func (s *Stream) StartTLS(ctx context.Context, cfg *tls.Config, postHandshake func(*tls.Conn) error) error {
	// The read loop must fully stop before the handshake starts: both would
	// otherwise race over the same underlying socket, since TLS wraps conn
	// in place rather than replacing it.
	s.stopReading()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("xmppstream: TLS handshake: %w", err)
	}
	if postHandshake != nil {
		if err := postHandshake(tlsConn); err != nil {
			return fmt.Errorf("xmppstream: post-handshake verification: %w", err)
		}
	}

	s.mu.Lock()
	s.rewrap(tlsConn)
	s.mu.Unlock()
	return nil
}

// Reset resends the stream header over the (possibly just-upgraded)
// transport, installs a fresh features future, and resumes reading. It
// implements the "stream reset" step that follows a successful STARTTLS
// upgrade.
func (s *Stream) Reset(ctx context.Context) (Features, error) {
	s.mu.Lock()
	s.features = newFeatureFuture()
	s.mu.Unlock()

	if err := s.sendHeader(); err != nil {
		return nil, fmt.Errorf("xmppstream: resending stream header: %w", err)
	}
	s.startReading()
	return s.Features(ctx)
}

// Abort tears down the stream unconditionally. It is safe to call more than
// once and safe to call concurrently with Next/Features/StartTLS/Reset.
func (s *Stream) Abort() {
	s.abortOnce.Do(func() {
		close(s.aborted)
		s.mu.Lock()
		conn := s.conn
		if s.ws {
			// Best-effort: a peer that already went away will just fail
			// this write, which is fine since we're closing anyway.
			_, _ = fmt.Fprintf(s.w, `<close xmlns='%s'/>`, ns.WS)
			_ = s.w.Flush()
		}
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

// stopReading forces the in-flight read loop to exit and waits for it,
// leaving the connection's read deadline cleared so the next reader (a TLS
// handshake or a freshly started read loop) is unaffected.
func (s *Stream) stopReading() {
	s.mu.Lock()
	conn := s.conn
	done := s.readDone
	stopping := s.stopping
	s.mu.Unlock()
	if done == nil {
		return
	}
	close(stopping)
	_ = conn.SetReadDeadline(pastDeadline)
	<-done
	_ = conn.SetReadDeadline(time.Time{})
}

func (s *Stream) readLoop(done, stopping chan struct{}) {
	defer close(done)

	s.mu.Lock()
	dec := s.dec
	s.mu.Unlock()

	dec = xml.NewTokenDecoder(decl.Skip(dec))
	for {
		tok, err := dec.Token()
		if err != nil {
			select {
			case <-stopping:
				// Intentionally unblocked by StartTLS/Abort; nothing to
				// deliver, the caller already knows.
			default:
				s.deliverErr(err)
			}
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch {
		case start.Name.Local == "stream" && start.Name.Space == ns.Stream:
			// The peer's own stream header. Unlike every other top-level
			// child, its matching end element never arrives until the
			// stream is torn down, so it must not be handed to
			// captureElement, which would block waiting for it.
			continue
		case start.Name.Local == "open" && start.Name.Space == ns.WS:
			// RFC 7395's <open/> is self-closing and carries nothing the
			// caller needs once the stream is established; discard it the
			// same way the <stream:stream> header is discarded above.
			continue
		case start.Name.Local == "close" && start.Name.Space == ns.WS:
			// RFC 7395 session teardown: the peer will send no further
			// frames, so this is handled like a stream error.
			s.deliverErr(fmt.Errorf("xmppstream: peer sent <close/>: %w", net.ErrClosed))
			return
		case start.Name.Local == "error" && start.Name.Space == ns.Stream:
			se := streamerror.Error{}
			if err := dec.Decode(&se); err != nil {
				s.deliverErr(err)
				return
			}
			s.deliverErr(se)
			return
		case start.Name.Local == "features" && start.Name.Space == ns.Stream:
			f, err := parseFeatures(dec, start)
			s.mu.Lock()
			fut := s.features
			s.mu.Unlock()
			fut.fulfill(f, err)
			if err != nil {
				s.deliverErr(err)
				return
			}
		default:
			elem, err := captureElement(dec, start)
			if err != nil {
				s.deliverErr(err)
				return
			}
			select {
			case s.incoming <- incomingItem{elem: elem}:
			case <-s.aborted:
				return
			}
		}
	}
}

func (s *Stream) deliverErr(err error) {
	select {
	case s.incoming <- incomingItem{err: err}:
	case <-s.aborted:
	}
}

func captureElement(d xml.TokenReader, start xml.StartElement) (*Element, error) {
	var raw struct {
		Inner []byte `xml:",innerxml"`
	}
	if err := xml.NewTokenDecoder(d).DecodeElement(&raw, &start); err != nil {
		return nil, err
	}
	return &Element{Name: start.Name, Inner: raw.Inner}, nil
}

func parseFeatures(d xml.TokenReader, start xml.StartElement) (Features, error) {
	f := make(Features)
	depth := 1
	for depth > 0 {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				f[t.Name] = struct{}{}
			}
		case xml.EndElement:
			depth--
		}
	}
	return f, nil
}
