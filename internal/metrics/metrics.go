// Copyright 2026 The http-reverse-proxy Authors
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

// Package metrics declares the prometheus instrumentation exposed by the
// internal server's /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder bundles every metric the proxy records, so it can be threaded
// through the handler, frontend and config-watcher as a single dependency
// rather than as package-level globals.
type Recorder struct {
	RequestsTotal        *prometheus.CounterVec
	BackendSelectedTotal *prometheus.CounterVec
	WebSocketConnsActive prometheus.Gauge
	TLSHandshakeFailures *prometheus.CounterVec
	ConfigReloadsTotal   *prometheus.CounterVec
}

// NewRecorder registers and returns a Recorder on reg. Pass
// prometheus.DefaultRegisterer for normal operation, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions across test runs.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reverse_proxy_requests_total",
			Help: "Total requests handled by a frontend, labeled by outcome.",
		}, []string{"frontend", "outcome"}),

		BackendSelectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reverse_proxy_backend_selected_total",
			Help: "Total times a backend server was selected for a host.",
		}, []string{"host"}),

		WebSocketConnsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reverse_proxy_websocket_connections_active",
			Help: "Number of currently active websocket bridges.",
		}),

		TLSHandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reverse_proxy_tls_handshake_failures_total",
			Help: "Total TLS handshake failures, labeled by frontend.",
		}, []string{"frontend"}),

		ConfigReloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reverse_proxy_config_reloads_total",
			Help: "Total configuration reload attempts, labeled by result.",
		}, []string{"result"}),
	}
}
