// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppstream_test

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vellum.im/xmpp/internal/xmpptest"
	"vellum.im/xmpp/jid"
	"vellum.im/xmpp/ns"
	"vellum.im/xmpp/xmppstream"
)

func testDomain(t *testing.T) *jid.JID {
	t.Helper()
	j, err := jid.Parse("example.net")
	require.NoError(t, err)
	return j
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// readUntil reads from r until s has appeared in the accumulated bytes, or
// fails the test after the deadline.
func readUntil(t *testing.T, r io.Reader, s string) string {
	t.Helper()
	var buf strings.Builder
	deadline := time.Now().Add(2 * time.Second)
	chunk := make([]byte, 4096)
	for !strings.Contains(buf.String(), s) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %q in stream, got so far: %q", s, buf.String())
		}
		if conn, ok := r.(net.Conn); ok {
			_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		}
		n, err := r.Read(chunk)
		buf.Write(chunk[:n])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("reading stream: %v", err)
		}
	}
	return buf.String()
}

func TestOpenSendsHeader(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		s, err := xmppstream.Open(ctx, client, testDomain(t), discardLogger())
		if err == nil {
			defer s.Abort()
		}
	}()

	got := readUntil(t, server, "<stream:stream")
	require.Contains(t, got, `to='example.net'`)
	require.Contains(t, got, `xmlns='`+ns.Client+`'`)
	require.Contains(t, got, `xmlns:stream='`+ns.Stream+`'`)
}

func TestFeaturesFulfilledOnce(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var s *xmppstream.Stream
	opened := make(chan struct{})
	go func() {
		var err error
		s, err = xmppstream.Open(ctx, client, testDomain(t), discardLogger())
		require.NoError(t, err)
		close(opened)
	}()

	readUntil(t, server, "<stream:stream")
	_, err := server.Write([]byte(`<stream:features xmlns:stream='` + ns.Stream + `'><starttls xmlns='` + ns.StartTLS + `'/></stream:features>`))
	require.NoError(t, err)

	<-opened
	defer s.Abort()

	features, err := s.Features(ctx)
	require.NoError(t, err)
	require.True(t, features.HasStartTLS())

	// A second call against the same generation must return the exact same
	// result instantly, not block waiting for another <stream:features/>.
	again, err := s.Features(ctx)
	require.NoError(t, err)
	require.Equal(t, features, again)
}

func TestNextDeliversTopLevelElement(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// net.Pipe is unbuffered: Open's header write blocks until this side
	// reads it.
	headerRead := make(chan struct{})
	go func() {
		defer close(headerRead)
		readUntil(t, server, "<stream:stream")
	}()
	s, err := xmppstream.Open(ctx, client, testDomain(t), discardLogger())
	require.NoError(t, err)
	defer s.Abort()

	<-headerRead
	_, err = server.Write([]byte(`<stream:features xmlns:stream='` + ns.Stream + `'></stream:features>`))
	require.NoError(t, err)
	_, err = s.Features(ctx)
	require.NoError(t, err)

	_, err = server.Write([]byte(`<proceed xmlns='` + ns.StartTLS + `'/>`))
	require.NoError(t, err)

	elem, err := s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "proceed", elem.Name.Local)
	require.Equal(t, ns.StartTLS, elem.Name.Space)
}

func TestNextReportsStreamError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// net.Pipe is unbuffered: Open's header write blocks until this side
	// reads it.
	headerRead := make(chan struct{})
	go func() {
		defer close(headerRead)
		readUntil(t, server, "<stream:stream")
	}()
	s, err := xmppstream.Open(ctx, client, testDomain(t), discardLogger())
	require.NoError(t, err)
	defer s.Abort()

	<-headerRead
	_, err = server.Write([]byte(`<stream:features xmlns:stream='` + ns.Stream + `'></stream:features>`))
	require.NoError(t, err)
	_, err = s.Features(ctx)
	require.NoError(t, err)

	_, err = server.Write([]byte(`<stream:error xmlns:stream='` + ns.Stream + `'><host-unknown xmlns='` + ns.Streams + `'/></stream:error>`))
	require.NoError(t, err)

	_, err = s.Next(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "host-unknown")
}

func TestStartTLSAndResetReusesTransport(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	// net.Pipe is unbuffered: Open's header write blocks until this side
	// reads it.
	headerRead := make(chan struct{})
	go func() {
		defer close(headerRead)
		readUntil(t, server, "<stream:stream")
	}()
	s, err := xmppstream.Open(ctx, client, testDomain(t), discardLogger())
	require.NoError(t, err)
	defer s.Abort()

	<-headerRead
	_, err = server.Write([]byte(`<stream:features xmlns:stream='` + ns.Stream + `'><starttls xmlns='` + ns.StartTLS + `'/></stream:features>`))
	require.NoError(t, err)
	features, err := s.Features(ctx)
	require.NoError(t, err)
	require.True(t, features.HasStartTLS())

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- s.Send(xml.StartElement{Name: xml.Name{Space: ns.StartTLS, Local: "starttls"}})
	}()
	readUntil(t, server, "<starttls")
	require.NoError(t, <-sendErr)

	errCh := make(chan error, 1)
	go func() {
		_, err := server.Write([]byte(`<proceed xmlns='` + ns.StartTLS + `'/>`))
		errCh <- err
	}()
	elem, err := s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "proceed", elem.Name.Local)
	require.NoError(t, <-errCh)

	selfSigned, err := xmpptest.GenerateSelfSigned("example.net")
	require.NoError(t, err)

	tlsServer := tls.Server(server, selfSigned.ServerConfig())
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- tlsServer.Handshake()
	}()

	err = s.StartTLS(ctx, selfSigned.ClientConfig("example.net"), nil)
	require.NoError(t, err)
	require.NoError(t, <-serverDone)

	resetDone := make(chan struct{})
	go func() {
		defer close(resetDone)
		_, _ = s.Reset(ctx)
	}()
	readUntil(t, tlsServer, "<stream:stream")
	_, err = tlsServer.Write([]byte(`<stream:features xmlns:stream='` + ns.Stream + `'></stream:features>`))
	require.NoError(t, err)
	<-resetDone
}
