// Copyright 2025 The Guidepost Authors
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

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the engine's Prometheus collector set.
type Metrics struct {
	TurnsTotal    *prometheus.CounterVec
	TurnDuration  *prometheus.HistogramVec
	StageDuration *prometheus.HistogramVec

	EnforcementVerdicts *prometheus.CounterVec
	RemediationRetries  prometheus.Counter

	MigrationsApplied *prometheus.CounterVec
	IdempotencyHits   prometheus.Counter
	IngestRejected    prometheus.Counter
}

// NewMetrics builds and registers the collector set. A nil registerer
// leaves the collectors unregistered, which unit tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "turns_total",
			Help:      "Completed turns by outcome.",
		}, []string{"tenant", "outcome"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Name:      "turn_duration_seconds",
			Help:      "End-to-end turn latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tenant"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Name:      "stage_duration_seconds",
			Help:      "Per-stage latency within a turn.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		EnforcementVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "enforcement_verdicts_total",
			Help:      "Enforcement outcomes by verdict (pass, remediated, fallback, violation).",
		}, []string{"verdict"}),
		RemediationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "remediation_retries_total",
			Help:      "Regenerations triggered by enforcement failures.",
		}),
		MigrationsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "migrations_applied_total",
			Help:      "Just-in-time session migrations by kind.",
		}, []string{"kind"}),
		IdempotencyHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "idempotency_hits_total",
			Help:      "Turns answered from the idempotency cache.",
		}),
		IngestRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "ingest_rejected_total",
			Help:      "Turns the memory ingest queue refused.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TurnsTotal, m.TurnDuration, m.StageDuration,
			m.EnforcementVerdicts, m.RemediationRetries,
			m.MigrationsApplied, m.IdempotencyHits, m.IngestRejected,
		)
	}
	return m
}
