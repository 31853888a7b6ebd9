// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks request execution. A nil *Metrics records nothing.
type Metrics struct {
	// Attempts counts attempts by operation, location and outcome.
	// Labels: result=[success, retry, failure]
	Attempts *prometheus.CounterVec

	// Timeouts counts operations that failed on their deadline.
	Timeouts *prometheus.CounterVec

	// Duration tracks whole-operation latency, across retries.
	Duration *prometheus.HistogramVec

	// Bytes counts payload bytes moved.
	// Labels: direction=[upload, download]
	Bytes *prometheus.CounterVec
}

// NewMetrics creates the execution metrics and registers them with
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_client_attempts_total",
				Help: "Request attempts by operation, location and result",
			},
			[]string{"operation", "location", "result"},
		),
		Timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_client_timeouts_total",
				Help: "Operations that exceeded their maximum execution time",
			},
			[]string{"operation"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_client_operation_duration_seconds",
				Help:    "Operation duration in seconds, including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		Bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_client_bytes_total",
				Help: "Payload bytes transferred by direction",
			},
			[]string{"operation", "direction"},
		),
	}
	reg.MustRegister(m.Attempts, m.Timeouts, m.Duration, m.Bytes)
	return m
}

func (m *Metrics) attempt(op, location, result string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(op, location, result).Inc()
}

func (m *Metrics) timeout(op string) {
	if m == nil {
		return
	}
	m.Timeouts.WithLabelValues(op).Inc()
}

func (m *Metrics) done(op string, start time.Time) {
	if m == nil {
		return
	}
	m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) bytes(op, direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.Bytes.WithLabelValues(op, direction).Add(float64(n))
}
