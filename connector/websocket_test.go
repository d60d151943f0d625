// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package connector_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"vellum.im/xmpp/connector"
	"vellum.im/xmpp/ns"
)

// TestWebSocketSuccess drives connector.WebSocket against an httptest
// server that accepts the "xmpp" subprotocol, replies with its own <open/>
// and a <stream:features/> framed as a single text message each, per RFC
// 7395.
func TestWebSocketSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"xmpp"},
		})
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		_, data, err := c.Read(ctx)
		require.NoError(t, err)
		require.Contains(t, string(data), "<open ")

		err = c.Write(ctx, websocket.MessageText, []byte(`<open xmlns='`+ns.WS+`'/>`))
		require.NoError(t, err)
		err = c.Write(ctx, websocket.MessageText, []byte(`<stream:features xmlns:stream='`+ns.Stream+`'></stream:features>`))
		require.NoError(t, err)

		// Hold the connection open until the client aborts.
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	c := connector.WebSocket{URL: wsURL}
	require.False(t, c.TLSSupported())

	outcome, err := c.Connect(ctx, connector.Metadata{}, testDomain(t), "example.net", 443, time.Second, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Stream)
	outcome.Stream.Abort()
}

func TestWebSocketTLSSupportedReportsScheme(t *testing.T) {
	require.True(t, connector.WebSocket{URL: "wss://example.net/xmpp"}.TLSSupported())
	require.False(t, connector.WebSocket{URL: "ws://example.net/xmpp"}.TLSSupported())
	require.False(t, connector.WebSocket{URL: "::not-a-url"}.TLSSupported())
}
