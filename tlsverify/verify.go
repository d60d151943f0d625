// Copyright 2017 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package tlsverify defines the certificate-verifier contract the connector
// package calls around a TLS handshake, plus an XMPP-aware default
// implementation grounded in RFC 6120 §13.7.1.2 (XmppAddr/SRVName SAN
// matching) and RFC 6125 §6 (DNS-ID/CN fallback).
package tlsverify // import "vellum.im/xmpp/tlsverify"

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	xmppx509 "vellum.im/xmpp/x509"
)

// Verifier is the policy object a connector strategy drives around a TLS
// handshake. Any subset of its methods may be a no-op; Default implements
// all three against the peer's certificate identity.
type Verifier interface {
	// PreHandshake runs before the TLS handshake begins. It may perform
	// out-of-band preparation (DNSSEC/DANE lookups, pinning setup); an error
	// aborts the connect attempt. For Direct-TLS and WebSocket it runs before
	// the connection is dialed; for STARTTLS it runs after the plaintext
	// stream is open and the peer has answered <starttls/> with <proceed/>.
	PreHandshake(ctx context.Context, domain, host string, port uint16) error

	// SetupContext mutates cfg for this specific peer (host) before the
	// handshake. It observes the concrete host being dialed so per-peer
	// pinning or name overrides are possible.
	SetupContext(cfg *tls.Config, host string)

	// PostHandshake is invoked by the connector immediately after a
	// successful TLS handshake, with the negotiated connection state. An
	// error aborts the handshake's caller (StartTLS/DirectTLS connect).
	PostHandshake(ctx context.Context, state tls.ConnectionState) error
}

// Default verifies the peer certificate identifies domain via its
// XMPP-Address or SRV-Name Subject Alternative Names, falling back to
// ordinary DNS-ID/CommonName verification when the certificate carries
// neither. SRVPrefix selects which SRV-Name service is acceptable
// ("_xmpp-client" for client-to-server streams, "_xmpp-server" for s2s);
// it defaults to "_xmpp-client" when empty.
type Default struct {
	SRVPrefix string
}

var _ Verifier = (*Default)(nil)

// PreHandshake is a no-op; Default performs no out-of-band preparation.
func (d *Default) PreHandshake(ctx context.Context, domain, host string, port uint16) error {
	return nil
}

// SetupContext installs a VerifyPeerCertificate callback that performs
// ordinary chain-of-trust validation against cfg.RootCAs (or the system
// pool, if nil) but skips the library's own hostname match: XMPP identity
// rules (XmppAddr/SRVName SANs, not just DNS-ID) are applied afterward, in
// PostHandshake, against the full verified chain. host is the dialed
// peer_hostname, available here for verifiers that pin against the
// connection endpoint rather than (or in addition to) domain identity;
// Default does not use it.
func (d *Default) SetupContext(cfg *tls.Config, host string) {
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("tlsverify: parsing peer certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		if len(certs) == 0 {
			return fmt.Errorf("tlsverify: peer presented no certificates")
		}

		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         cfg.RootCAs,
			Intermediates: intermediates,
		})
		if err != nil {
			return fmt.Errorf("tlsverify: verifying certificate chain: %w", err)
		}
		return nil
	}
}

// PostHandshake checks the peer's leaf certificate against the stream
// domain (state.ServerName) using MatchesIdentity. Chain-of-trust
// validation already happened in SetupContext's VerifyPeerCertificate
// callback; this only applies the XMPP-specific identity rules the stdlib
// hostname check does not know about.
func (d *Default) PostHandshake(ctx context.Context, state tls.ConnectionState) error {
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("tlsverify: peer presented no certificates")
	}

	cert, err := xmppx509.FromCertificate(state.PeerCertificates[0])
	if err != nil {
		return fmt.Errorf("tlsverify: parsing XMPP subject alternative names: %w", err)
	}

	srvPrefix := d.SRVPrefix
	if srvPrefix == "" {
		srvPrefix = "_xmpp-client"
	}
	if !cert.MatchesIdentity(state.ServerName, srvPrefix) {
		return fmt.Errorf("tlsverify: certificate does not identify %q", state.ServerName)
	}
	return nil
}
