// Copyright 2025 The ogmios-go authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics collects bridge-level counters and gauges. The rest of the
// process only reports events to the Sampler; scraping happens over the
// HybridServer's metrics endpoint
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sampler holds the process-wide metrics for the bridge
type Sampler struct {
	registry          *prometheus.Registry
	activeConnections prometheus.Gauge
	sessionsOpened    prometheus.Counter
	sessionsClosed    prometheus.Counter
	requests          *prometheus.CounterVec
	faults            *prometheus.CounterVec
	txAccepted        prometheus.Counter
	txRejected        prometheus.Counter
	lastKnownSlot     prometheus.Gauge
}

// NewSampler returns a Sampler with all collectors registered on a fresh registry
func NewSampler() *Sampler {
	s := &Sampler{
		registry: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ogmios_active_connections",
			Help: "Number of currently connected WebSocket clients",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ogmios_sessions_opened_total",
			Help: "Total number of client sessions opened",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ogmios_sessions_closed_total",
			Help: "Total number of client sessions closed",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ogmios_requests_total",
			Help: "Total number of client requests by method",
		}, []string{"method"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ogmios_faults_total",
			Help: "Total number of fault responses by code",
		}, []string{"code"}),
		txAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ogmios_tx_accepted_total",
			Help: "Total number of transactions accepted by the node",
		}),
		txRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ogmios_tx_rejected_total",
			Help: "Total number of transactions rejected by the node",
		}),
		lastKnownSlot: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ogmios_last_known_slot",
			Help: "Slot number of the last tip seen by the health monitor",
		}),
	}
	s.registry.MustRegister(
		s.activeConnections,
		s.sessionsOpened,
		s.sessionsClosed,
		s.requests,
		s.faults,
		s.txAccepted,
		s.txRejected,
		s.lastKnownSlot,
	)
	return s
}

// Handler returns an HTTP handler serving the Prometheus text format for
// this sampler's registry
func (s *Sampler) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		s.registry,
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}),
	)
}

// SessionOpened records a new client session and bumps the active
// connection count
func (s *Sampler) SessionOpened() {
	s.sessionsOpened.Inc()
	s.activeConnections.Inc()
}

// SessionClosed records the end of a client session
func (s *Sampler) SessionClosed() {
	s.sessionsClosed.Inc()
	s.activeConnections.Dec()
}

// RequestServed records a dispatched client request
func (s *Sampler) RequestServed(method string) {
	s.requests.WithLabelValues(method).Inc()
}

// FaultReturned records a fault response sent to a client
func (s *Sampler) FaultReturned(code string) {
	s.faults.WithLabelValues(code).Inc()
}

// TxAccepted records a transaction accepted by the node
func (s *Sampler) TxAccepted() {
	s.txAccepted.Inc()
}

// TxRejected records a transaction rejected by the node
func (s *Sampler) TxRejected() {
	s.txRejected.Inc()
}

// SetLastKnownSlot records the slot of the most recent tip
func (s *Sampler) SetLastKnownSlot(slot uint64) {
	s.lastKnownSlot.Set(float64(slot))
}
