// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRecorderWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorderWithRegistry(reg)
	require.NotNil(t, r)
	require.NotNil(t, r.ConnectAttempts)
	require.NotNil(t, r.ConnectLatency)
}

func TestObserveConnectIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorderWithRegistry(reg)

	r.ObserveConnect("starttls", "success", 10*time.Millisecond)
	r.ObserveConnect("starttls", "success", 20*time.Millisecond)
	r.ObserveConnect("direct-tls", "tls-unavailable", 5*time.Millisecond)

	require.Equal(t, float64(2), testutil.ToFloat64(r.ConnectAttempts.WithLabelValues("starttls", "success")))
	require.Equal(t, float64(1), testutil.ToFloat64(r.ConnectAttempts.WithLabelValues("direct-tls", "tls-unavailable")))
}

func TestObserveConnectOnNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	require.NotPanics(t, func() {
		r.ObserveConnect("starttls", "success", time.Millisecond)
	})
}
