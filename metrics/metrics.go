// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package metrics provides a Prometheus-backed connector.MetricsRecorder
// implementation.
package metrics // import "vellum.im/xmpp/metrics"

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "xmpp_connector"

// Recorder records connect attempts and handshake latency for the
// connector package. It satisfies connector.MetricsRecorder without the
// connector package needing to import Prometheus directly.
type Recorder struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectLatency  *prometheus.HistogramVec
}

var (
	defaultRecorder *Recorder
	defaultOnce     sync.Once
)

// Default returns the package-wide Recorder, registered against
// prometheus.DefaultRegisterer on first use.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = NewRecorder()
	})
	return defaultRecorder
}

// NewRecorder creates a Recorder registered against
// prometheus.DefaultRegisterer.
func NewRecorder() *Recorder {
	return NewRecorderWithRegistry(prometheus.DefaultRegisterer)
}

// NewRecorderWithRegistry creates a Recorder registered against reg, so
// tests and multi-tenant processes can avoid colliding with the default
// global registry.
func NewRecorderWithRegistry(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Total connect attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		ConnectLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Histogram of connect attempt latency by strategy.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"strategy"}),
	}
}

// ObserveConnect implements connector.MetricsRecorder.
func (r *Recorder) ObserveConnect(strategy, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.ConnectAttempts.WithLabelValues(strategy, outcome).Inc()
	r.ConnectLatency.WithLabelValues(strategy).Observe(elapsed.Seconds())
}
