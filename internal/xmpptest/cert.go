// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpptest provides fixtures shared by the connector core's test
// suites: a self-signed certificate generator, with matching server and
// client TLS configs, for exercising StartTLS and tlsverify.
package xmpptest // import "vellum.im/xmpp/internal/xmpptest"

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// SelfSigned is a generated, self-signed leaf certificate suitable for
// tls.Config.Certificates in a test TLS server.
type SelfSigned struct {
	Leaf tls.Certificate
	Cert *x509.Certificate
}

// GenerateSelfSigned creates a self-signed ECDSA certificate for commonName,
// valid for dnsNames and 127.0.0.1/::1, expiring in one hour.
func GenerateSelfSigned(commonName string, dnsNames ...string) (*SelfSigned, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("xmpptest: generating key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("xmpptest: generating serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              append([]string{commonName}, dnsNames...),
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("xmpptest: creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("xmpptest: parsing certificate: %w", err)
	}

	return &SelfSigned{
		Leaf: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        cert,
		},
		Cert: cert,
	}, nil
}

// ServerConfig returns a minimal server-side tls.Config presenting this
// certificate.
func (s *SelfSigned) ServerConfig() *tls.Config {
	return &tls.Config{Certificates: []tls.Certificate{s.Leaf}}
}

// ClientConfig returns a client-side tls.Config that trusts only this
// certificate, for tests that want real chain verification instead of
// InsecureSkipVerify.
func (s *SelfSigned) ClientConfig(serverName string) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(s.Cert)
	return &tls.Config{RootCAs: pool, ServerName: serverName}
}
