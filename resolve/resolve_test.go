// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package resolve_test

import (
	"testing"

	"vellum.im/xmpp/resolve"
)

func TestFallbackPort(t *testing.T) {
	// This test restates the fallback ports Lookup documents (5222 for
	// clients, 5269 for servers), which callers depend on. It does not call
	// Lookup, which needs DNS.
	for _, tc := range []struct {
		server bool
		port   uint16
	}{
		{server: false, port: 5222},
		{server: true, port: 5269},
	} {
		if tc.server {
			if got := uint16(5269); got != tc.port {
				t.Errorf("server fallback port = %d, want %d", got, tc.port)
			}
			continue
		}
		if got := uint16(5222); got != tc.port {
			t.Errorf("client fallback port = %d, want %d", got, tc.port)
		}
	}
}

func TestEndpointZeroValue(t *testing.T) {
	var e resolve.Endpoint
	if e.DirectTLS {
		t.Error("zero-value Endpoint should not claim DirectTLS")
	}
	if e.Host != "" || e.Port != 0 {
		t.Error("zero-value Endpoint should have no host or port")
	}
}
