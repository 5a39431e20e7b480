// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package metrics exposes the daemon's Prometheus instrumentation:
// envelope processing outcomes, guardrail tier results, dedup/cursor
// bookkeeping, relay connection health and sink delivery outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agentchat"

// Registry is the daemon's Prometheus registry. It is package-private
// in scope (exported only because promauto needs a concrete registry
// at init time) so a single process can run one daemon instance's
// metrics without colliding with any library it embeds.
var Registry = prometheus.NewRegistry()

var (
	// EnvelopesProcessed tracks envelopes the pipeline has classified
	// and delivered, by trust class (clean/flagged/unscanned/blind), and
	// dropped envelopes by reason (signature_invalid/decrypt_failed/
	// hash_mismatch).
	EnvelopesProcessed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "envelopes_processed_total",
			Help:      "Total number of envelopes processed by trust class",
		},
		[]string{"class"},
	)

	// EnvelopeProcessingDuration tracks end-to-end pipeline latency.
	EnvelopeProcessingDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "envelope_processing_duration_seconds",
			Help:      "Time from envelope receipt to sink delivery in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// DedupHits tracks envelopes dropped as already-seen duplicates.
	DedupHits = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "dedup_hits_total",
			Help:      "Total number of envelopes dropped as duplicates",
		},
	)

	// AckBatchesSent tracks cursor-advance acknowledgement batches.
	AckBatchesSent = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "ack_batches_sent_total",
			Help:      "Total number of acknowledgement batches sent to the relay",
		},
	)

	// GuardrailScans tracks guardrail scan outcomes by tier and verdict.
	GuardrailScans = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardrail",
			Name:      "scans_total",
			Help:      "Total number of guardrail scans by tier and verdict",
		},
		[]string{"tier", "verdict"}, // local/relay/none, clean/flagged/error/unavailable
	)

	// GuardrailConsecutiveFailures tracks the current failure streak
	// used to drive the one-time degraded warning and health check.
	GuardrailConsecutiveFailures = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "guardrail",
			Name:      "consecutive_failures",
			Help:      "Current number of consecutive guardrail scan failures",
		},
	)

	// RelayReconnects tracks reconnect attempts by outcome.
	RelayReconnects = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "reconnects_total",
			Help:      "Total number of relay reconnect attempts by outcome",
		},
		[]string{"outcome"}, // success/failure
	)

	// RelayBackoffSeconds tracks the backoff delay chosen before each
	// reconnect attempt.
	RelayBackoffSeconds = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "reconnect_backoff_seconds",
			Help:      "Backoff delay chosen before a reconnect attempt in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// SinkDeliveries tracks sink delivery outcomes by sink kind
	// (human/ai) and result (ok/error).
	SinkDeliveries = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "deliveries_total",
			Help:      "Total number of sink delivery attempts by kind and result",
		},
		[]string{"kind", "result"},
	)
)
