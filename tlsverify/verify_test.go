// Copyright 2017 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

package tlsverify_test

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vellum.im/xmpp/internal/xmpptest"
	"vellum.im/xmpp/tlsverify"
)

func TestDefaultAcceptsMatchingDNSName(t *testing.T) {
	selfSigned, err := xmpptest.GenerateSelfSigned("example.net")
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		tlsServer := tls.Server(serverConn, selfSigned.ServerConfig())
		_ = tlsServer.Handshake()
	}()

	v := &tlsverify.Default{}
	require.NoError(t, v.PreHandshake(context.Background(), "example.net", "192.0.2.1", 5223))

	cfg := selfSigned.ClientConfig("example.net")
	v.SetupContext(cfg, "192.0.2.1")
	require.True(t, cfg.InsecureSkipVerify, "SetupContext must disable the stdlib hostname check")

	tlsClient := tls.Client(clientConn, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tlsClient.HandshakeContext(ctx))

	require.NoError(t, v.PostHandshake(ctx, tlsClient.ConnectionState()))
}

func TestDefaultRejectsWrongDomain(t *testing.T) {
	selfSigned, err := xmpptest.GenerateSelfSigned("example.net")
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		tlsServer := tls.Server(serverConn, selfSigned.ServerConfig())
		_ = tlsServer.Handshake()
	}()

	v := &tlsverify.Default{}
	cfg := selfSigned.ClientConfig("evil.example")
	v.SetupContext(cfg, "192.0.2.1")

	tlsClient := tls.Client(clientConn, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// The chain itself is trusted (the self-signed cert is in RootCAs), so
	// the handshake succeeds; the mismatch is only caught by PostHandshake's
	// XMPP-aware identity check against the certificate issued for
	// "example.net".
	require.NoError(t, tlsClient.HandshakeContext(ctx))
	err = v.PostHandshake(ctx, tlsClient.ConnectionState())
	require.Error(t, err)
}

func TestDefaultRejectsEmptyPeerCertificates(t *testing.T) {
	v := &tlsverify.Default{}
	err := v.PostHandshake(context.Background(), tls.ConnectionState{})
	require.Error(t, err)
}
