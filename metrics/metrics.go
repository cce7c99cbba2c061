// Copyright 2021-2022 The mqttgw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of one gateway instance
type Metrics struct {
	namespace string
	registry  *prometheus.Registry

	// Broker connection metrics
	StatusChanges    *prometheus.CounterVec
	ConnectionErrors *prometheus.CounterVec

	// Relay metrics
	MessagesRelayed   prometheus.Counter
	MessagesMirrored  *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	Subscriptions     *prometheus.CounterVec

	// Session metrics
	SessionsEvicted prometheus.Counter
	GraceExpiries   prometheus.Counter

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New define the gateway metrics on a dedicated registry
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mqttgw"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		namespace: namespace,
		registry:  reg,
		StatusChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broker_status_changes_total",
				Help:      "Broker connection state transitions",
			},
			[]string{"state"},
		),
		ConnectionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broker_errors_total",
				Help:      "Broker connection errors",
			},
			[]string{"kind", "fatal"},
		),
		MessagesRelayed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_relayed_total",
				Help:      "MQTT messages relayed to sessions",
			},
		),
		MessagesMirrored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_mirrored_total",
				Help:      "MQTT messages mirrored to NATS",
			},
			[]string{"status"},
		),
		MessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_published_total",
				Help:      "MQTT messages published on behalf of users",
			},
			[]string{"status"},
		),
		Subscriptions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscriptions_total",
				Help:      "MQTT subscriptions made on behalf of users",
			},
			[]string{"status"},
		),
		SessionsEvicted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_evicted_total",
				Help:      "Sessions evicted by the per user session cap",
			},
		),
		GraceExpiries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "grace_expiries_total",
				Help:      "Users whose connections were torn down after the grace window",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests processed",
			},
			[]string{"method", "code"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}

// Status label value of an operation outcome
func Status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RegisterGauge expose a value sampled at scrape time
func (m *Metrics) RegisterGauge(name, help string, sample func() float64) {
	promauto.With(m.registry).NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: m.namespace, Name: name, Help: help}, sample,
	)
}

// Registry the registry holding the metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler the scrape endpoint handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
