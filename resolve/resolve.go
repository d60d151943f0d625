// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package resolve discovers the host/port endpoints a domain advertises for
// XMPP service, via DNS SRV records (and, when direct TLS is a candidate,
// both the "xmpp-client"/"xmpp-server" and "xmpps-client"/"xmpps-server"
// service names). It is a narrow collaborator the connector package never
// imports: callers run a Lookup, then hand each returned Endpoint to a
// connector.Connector in turn.
package resolve // import "vellum.im/xmpp/resolve"

import (
	"context"
	"errors"
	"net"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrNoServiceAtAddress is returned when a domain's SRV records explicitly
// advertise that it offers no XMPP service, per RFC 6120 §3.2.1: a single
// SRV record with a Target of "." means the service is decidedly
// unavailable at this domain, and no fallback should be attempted.
var ErrNoServiceAtAddress = errors.New("resolve: no xmpp service advertised at this domain")

// Endpoint is one candidate host/port the connector may attempt to reach,
// together with whether it was discovered under a service name that implies
// direct (implicit) TLS from the first octet.
type Endpoint struct {
	Host      string
	Port      uint16
	DirectTLS bool

	// Priority and Weight come directly from the originating SRV record and
	// are preserved for callers that want to implement RFC 2782 ordering
	// beyond this package's own return order (implicit-TLS endpoints first,
	// then plain ones, each group in priority order).
	Priority uint16
	Weight   uint16
}

// Options configures a Lookup.
type Options struct {
	// Resolver performs the DNS queries. A nil Resolver uses net.DefaultResolver.
	Resolver *net.Resolver

	// Server, when true, looks up server-to-server ("xmpp-server" /
	// "xmpps-server") service names instead of client ("xmpp-client" /
	// "xmpps-client") ones.
	Server bool

	// NoDirectTLS skips the "xmpps-*" lookup, so only STARTTLS-capable
	// endpoints are returned.
	NoDirectTLS bool

	// Limiter, if non-nil, is consulted before each outgoing DNS query,
	// bounding how fast a caller that loops over many domains can hammer a
	// resolver.
	Limiter *rate.Limiter
}

// Lookup resolves the XMPP service endpoints for domain. It queries the
// plain and (unless disabled) implicit-TLS SRV service names concurrently
// and returns every resolved endpoint, implicit-TLS ones first, in
// priority order within each group. If neither query finds a record (and
// neither returns ErrNoServiceAtAddress), the fallback endpoint
// domain:5222 (or :5269 for Server) is returned instead, per RFC 6120
// §3.2.1's direct-connection fallback.
func Lookup(ctx context.Context, domain string, opts Options) ([]Endpoint, error) {
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	group, ctx := errgroup.WithContext(ctx)
	var plain, direct []Endpoint
	var plainErr, directErr error

	group.Go(func() error {
		plain, plainErr = lookupSRV(ctx, resolver, opts.Limiter, serviceName(false, opts.Server), domain)
		return nil
	})
	if !opts.NoDirectTLS {
		group.Go(func() error {
			direct, directErr = lookupSRV(ctx, resolver, opts.Limiter, serviceName(true, opts.Server), domain)
			for i := range direct {
				direct[i].DirectTLS = true
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(plain)+len(direct))
	endpoints = append(endpoints, direct...)
	endpoints = append(endpoints, plain...)
	if len(endpoints) > 0 {
		return endpoints, nil
	}

	if plainErr == ErrNoServiceAtAddress || directErr == ErrNoServiceAtAddress {
		return nil, ErrNoServiceAtAddress
	}

	// Neither SRV lookup found a record (as opposed to explicitly denying
	// service); fall back to connecting directly to the domain on the
	// conventional port.
	port := uint16(5222)
	if opts.Server {
		port = 5269
	}
	return []Endpoint{{Host: domain, Port: port}}, nil
}

func serviceName(directTLS, server bool) string {
	switch {
	case directTLS && server:
		return "xmpps-server"
	case directTLS && !server:
		return "xmpps-client"
	case !directTLS && server:
		return "xmpp-server"
	default:
		return "xmpp-client"
	}
}

func lookupSRV(ctx context.Context, resolver *net.Resolver, limiter *rate.Limiter, service, domain string) ([]Endpoint, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	_, srvs, err := resolver.LookupSRV(ctx, service, "tcp", domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, nil
		}
		return nil, err
	}

	// RFC 6120 §3.2.1: a lone SRV record with a root-domain Target means the
	// service is decidedly not available here; don't fall back.
	if len(srvs) == 1 && srvs[0].Target == "." {
		return nil, ErrNoServiceAtAddress
	}

	endpoints := make([]Endpoint, 0, len(srvs))
	for _, srv := range srvs {
		endpoints = append(endpoints, Endpoint{
			Host:     strings.TrimSuffix(srv.Target, "."),
			Port:     srv.Port,
			Priority: srv.Priority,
			Weight:   srv.Weight,
		})
	}
	return endpoints, nil
}
