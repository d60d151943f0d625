// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package connector_test

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vellum.im/xmpp/connector"
)

// serve starts a TCP listener on 127.0.0.1, accepts exactly one connection,
// and runs handler against it in a background goroutine. It returns the
// host/port a connector.Connector should dial.
func serve(t *testing.T, handler func(t *testing.T, conn net.Conn)) (string, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(t, conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", uint16(addr.Port)
}

// readUntil reads from r until s has appeared in the accumulated bytes, or
// fails the test after the deadline.
func readUntil(t *testing.T, r net.Conn, s string) string {
	t.Helper()
	var buf strings.Builder
	deadline := time.Now().Add(2 * time.Second)
	chunk := make([]byte, 4096)
	for !strings.Contains(buf.String(), s) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %q in stream, got so far: %q", s, buf.String())
		}
		_ = r.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
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

// fakeVerifier is a minimal connector.Verifier test double that accepts any
// certificate; tests that care about rejection install their own.
type fakeVerifier struct {
	preErr  error
	postErr error
	calls   *[]string
}

func (v *fakeVerifier) PreHandshake(ctx context.Context, domain, host string, port uint16) error {
	if v.calls != nil {
		*v.calls = append(*v.calls, "pre_handshake")
	}
	return v.preErr
}

func (v *fakeVerifier) SetupContext(cfg *tls.Config, host string) {
	if v.calls != nil {
		*v.calls = append(*v.calls, "setup_context")
	}
	cfg.InsecureSkipVerify = true
}

func (v *fakeVerifier) PostHandshake(ctx context.Context, state tls.ConnectionState) error {
	if v.calls != nil {
		*v.calls = append(*v.calls, "post_handshake")
	}
	return v.postErr
}

var _ connector.Verifier = (*fakeVerifier)(nil)
