// Copyright 2024 The Authors (see AUTHORS file)
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

// Package metrics holds the Prometheus collectors shared across the
// sentinel's loops and workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. Collectors register against the
// registry passed to New, so independent instances never collide.
type Metrics struct {
	// Event polling
	EventsSeen          prometheus.Counter
	EventsInserted      prometheus.Counter
	PushEventsInspected prometheus.Counter

	// Incident flow
	IncidentsEmitted *prometheus.CounterVec
	BroadcastDrops   prometheus.Counter
	QueueDrops       *prometheus.CounterVec

	// Forge API
	ForgeRetries      prometheus.Counter
	ForgeCallDuration *prometheus.HistogramVec

	// Checker and run logs
	RepoChecks prometheus.Counter
	LogFetches *prometheus.CounterVec

	// Correlation and streaming
	CorrelatorWindow  *prometheus.GaugeVec
	StreamSubscribers prometheus.Gauge
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsSeen: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_events_seen_total",
			Help: "Total events returned by the Forge global feed",
		}),
		EventsInserted: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_events_inserted_total",
			Help: "Total events stored after id dedupe",
		}),
		PushEventsInspected: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_push_events_inspected_total",
			Help: "Total new push events handed to the workflow detectors",
		}),

		IncidentsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_incidents_emitted_total",
			Help: "Total incidents newly inserted, by kind",
		}, []string{"kind"}),
		BroadcastDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_broadcast_dropped_total",
			Help: "Total cards dropped because a subscriber queue was full",
		}),
		QueueDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_queue_dropped_total",
			Help: "Total jobs dropped because a work queue was full, by queue",
		}, []string{"queue"}),

		ForgeRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_forge_retries_total",
			Help: "Total retryable Forge API errors",
		}),
		ForgeCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_forge_call_duration_seconds",
			Help:    "Duration of Forge API calls including retries, by operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		RepoChecks: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_repo_checks_total",
			Help: "Total repositories checked for failing workflow runs",
		}),
		LogFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_log_fetches_total",
			Help: "Total run log fetch attempts, by result",
		}, []string{"result"}),

		CorrelatorWindow: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_correlator_window_entries",
			Help: "Entries currently inside the correlation window, by signature",
		}, []string{"signature"}),
		StreamSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_stream_subscribers",
			Help: "Connected live-stream subscribers",
		}),
	}
}
