// Copyright (c) 2026 John Earle
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

// Package metrics exposes Prometheus instruments for ingestion.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	IngestOutcomes        *prometheus.CounterVec
	WebhookRejections     *prometheus.CounterVec
	DeferredFetchFailures *prometheus.CounterVec
	IngestDuration        *prometheus.HistogramVec
	AttachmentFailures    *prometheus.CounterVec
}

// New registers the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		IngestOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nornweave_ingest_outcomes_total",
				Help: "Ingestion outcomes by source.",
			},
			[]string{"source", "outcome"},
		),

		WebhookRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nornweave_webhook_rejections_total",
				Help: "Webhook deliveries rejected before ingestion.",
			},
			[]string{"source", "reason"},
		),

		DeferredFetchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nornweave_deferred_fetch_failures_total",
				Help: "Two-phase content fetches that degraded to metadata only.",
			},
			[]string{"source"},
		),

		IngestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nornweave_ingest_duration_seconds",
				Help:    "Time spent ingesting one delivery.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),

		AttachmentFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nornweave_attachment_failures_total",
				Help: "Attachments that could not be stored.",
			},
			[]string{"source"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOutcome(source, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.IngestOutcomes.WithLabelValues(source, outcome).Inc()
	m.IngestDuration.WithLabelValues(source).Observe(time.Since(started).Seconds())
}

func (m *Metrics) Rejected(source, reason string) {
	if m == nil {
		return
	}
	m.WebhookRejections.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) DeferredFetchFailed(source string) {
	if m == nil {
		return
	}
	m.DeferredFetchFailures.WithLabelValues(source).Inc()
}

func (m *Metrics) AttachmentFailed(source string) {
	if m == nil {
		return
	}
	m.AttachmentFailures.WithLabelValues(source).Inc()
}
