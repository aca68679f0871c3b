/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes the Prometheus instrumentation shared by every
// governance-runtime component.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// D — Policy Evaluation Engine
	PolicyEvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_policy_evaluations_total",
		Help: "Total policy evaluations by verdict.",
	}, []string{"verdict"})

	PolicyEvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "governor_policy_evaluation_duration_seconds",
		Help:    "Policy evaluation latency.",
		Buckets: []float64{.0005, .001, .002, .005, .01, .025, .05, .1, .5},
	})

	BundleActivationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "governor_bundle_activations_total",
		Help: "Total rule bundle activations.",
	})

	// spec.md §9 Open Question: both a 5ms P99 target and a 500ms ceiling
	// are exposed; this counter tracks misses against each separately so
	// the stricter target's breach rate is visible without masking the
	// looser ceiling.
	PolicyEvaluationP99MissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_policy_evaluation_p99_misses_total",
		Help: "Evaluations exceeding the configured P99 bound, by bound kind (target|ceiling).",
	}, []string{"bound"})

	// C — Decision Cache
	CacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_cache_hits_total",
		Help: "Cache hits by tier.",
	}, []string{"tier"})

	CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "governor_cache_misses_total",
		Help: "Total cache misses (both tiers).",
	})

	CacheIntegrityFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "governor_cache_integrity_failures_total",
		Help: "Cache entries evicted due to integrity digest mismatch.",
	})

	// E — Formal Verification Pipeline
	VerificationObligationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_verification_obligations_total",
		Help: "Verification obligations by tier and status.",
	}, []string{"tier", "status"})

	VerificationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "governor_verification_duration_seconds",
		Help:    "Verification latency by tier.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tier"})

	// F — Synthesis Coordinator
	SynthesisModelCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_synthesis_model_calls_total",
		Help: "Model calls by model name and outcome.",
	}, []string{"model", "outcome"})

	SynthesisBiasMitigationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "governor_synthesis_bias_mitigations_total",
		Help: "Total times bias mitigation was triggered.",
	})

	// G — Bandit Optimizer
	BanditSelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_bandit_selections_total",
		Help: "Bandit selections by arm.",
	}, []string{"arm"})

	BanditSafetyViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "governor_bandit_safety_violations_total",
		Help: "Total bandit safety-filter violations (no eligible arm).",
	})

	// H — Sandbox Controller
	SandboxExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_sandbox_executions_total",
		Help: "Sandbox executions by runtime and terminal state.",
	}, []string{"runtime", "state"})

	SandboxViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_sandbox_violations_total",
		Help: "Sandbox violations by severity.",
	}, []string{"severity"})

	SandboxColdStartDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "governor_sandbox_cold_start_seconds",
		Help:    "Sandbox cold-start latency by runtime.",
		Buckets: []float64{.01, .025, .05, .1, .2, .5, 1},
	}, []string{"runtime"})

	// B — Audit Log
	AuditAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "governor_audit_appends_total",
		Help: "Total audit log appends.",
	})

	AuditAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "governor_audit_append_duration_seconds",
		Help:    "Audit append latency.",
		Buckets: prometheus.DefBuckets,
	})

	AuditAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_audit_alerts_total",
		Help: "Total rate-alert events emitted, by kind.",
	}, []string{"kind"})

	// I — Governance Orchestrator
	CandidateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_candidate_transitions_total",
		Help: "Candidate state-machine transitions.",
	}, []string{"from", "to"})
)

// RecordPolicyEvaluation records one D.evaluate call.
func RecordPolicyEvaluation(verdict string, d time.Duration) {
	PolicyEvaluationsTotal.WithLabelValues(verdict).Inc()
	PolicyEvaluationDuration.Observe(d.Seconds())
}

// RecordPolicyEvaluationP99 records a miss against the configured P99
// target and/or ceiling (spec.md §9 Open Question resolution).
func RecordPolicyEvaluationP99(d, target, ceiling time.Duration) {
	if target > 0 && d > target {
		PolicyEvaluationP99MissesTotal.WithLabelValues("target").Inc()
	}
	if ceiling > 0 && d > ceiling {
		PolicyEvaluationP99MissesTotal.WithLabelValues("ceiling").Inc()
	}
}

// RecordCacheHit records a cache hit at the given tier ("l1" or "l2").
func RecordCacheHit(tier string) { CacheHitsTotal.WithLabelValues(tier).Inc() }

// RecordCacheMiss records a cache miss.
func RecordCacheMiss() { CacheMissesTotal.Inc() }

// RecordVerificationObligation records one obligation's terminal status.
func RecordVerificationObligation(tier, status string, d time.Duration) {
	VerificationObligationsTotal.WithLabelValues(tier, status).Inc()
	VerificationDuration.WithLabelValues(tier).Observe(d.Seconds())
}

// RecordSandboxExecution records a terminal sandbox execution state.
func RecordSandboxExecution(runtime, state string, coldStart time.Duration) {
	SandboxExecutionsTotal.WithLabelValues(runtime, state).Inc()
	SandboxColdStartDuration.WithLabelValues(runtime).Observe(coldStart.Seconds())
}

// RecordSandboxViolation records a detected sandbox violation.
func RecordSandboxViolation(severity string) { SandboxViolationsTotal.WithLabelValues(severity).Inc() }

// RecordCandidateTransition records a governance-orchestrator state transition.
func RecordCandidateTransition(from, to string) { CandidateTransitionsTotal.WithLabelValues(from, to).Inc() }
