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

// Package orchestrator is Component I: the top-level per-candidate state
// machine binding synthesis, verification, policy evaluation, bandit
// optimization, and sandboxed execution into a single governed decision
// flow, with a human-review branch for borderline candidates (spec.md
// §4.I).
package orchestrator

import "time"

// Phase is a candidate's place in the governance state machine
// (spec.md §4.I): received → synthesised → verified → evaluated →
// {approved | denied | in-review} → committed | rolled-back.
type Phase string

const (
	PhaseReceived    Phase = "received"
	PhaseSynthesised Phase = "synthesised"
	PhaseVerified    Phase = "verified"
	PhaseEvaluated   Phase = "evaluated"
	PhaseApproved    Phase = "approved"
	PhaseDenied      Phase = "denied"
	PhaseInReview    Phase = "in-review"
	PhaseCommitted   Phase = "committed"
	PhaseRolledBack  Phase = "rolled-back"
)

// RiskClass gates how rigorously a candidate must be verified and
// whether it is routed to human review regardless of its other scores
// (spec.md §4.I).
type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

// Kind distinguishes a rule-bundle candidate (evaluated by D) from a code
// candidate (admitted to H).
type Kind string

const (
	KindRule Kind = "rule"
	KindCode Kind = "code"
)

// Candidate is one governance request's full working record as it moves
// through the state machine (spec.md §3).
type Candidate struct {
	ID                       string
	Kind                     Kind
	RiskClass                RiskClass
	ConstitutionalIdentifier string

	// Content carries either pre-drafted rule/code content (skips F) or
	// is empty, requiring synthesis.
	Content string
	Prompt  string
	GenCtx  map[string]interface{}

	Phase Phase

	SynthesisResponse  *SynthesisSummary
	VerificationResult *VerificationSummary
	PolicyDecision     *PolicyDecisionSummary
	BanditSelection    *BanditSummary
	SandboxResult      *SandboxSummary
	ReviewID           string

	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SynthesisSummary is the subset of Component F's output the
// orchestrator persists on the candidate record.
type SynthesisSummary struct {
	Content                string
	ConsensusConfidence    float64
	ReliabilityScore       float64
	HumanReviewRecommended bool
}

// VerificationSummary is the subset of Component E's output the
// orchestrator persists on the candidate record.
type VerificationSummary struct {
	Aggregate   string
	ObligationCount int
}

// PolicyDecisionSummary is the subset of Component D's output the
// orchestrator persists on the candidate record.
type PolicyDecisionSummary struct {
	Verdict       string
	BundleVersion string
}

// BanditSummary is the subset of Component G's output the orchestrator
// persists on the candidate record.
type BanditSummary struct {
	Arm             string
	EstimatedReward float64
	UsedBaseline    bool
}

// SandboxSummary is the subset of Component H's output the orchestrator
// persists on the candidate record.
type SandboxSummary struct {
	Success    bool
	State      string
	Violations int
}

// ExitCode maps a candidate's terminal phase to the HTTP-equivalent
// status the ingress layer surfaces (spec.md §4.I "Exit signalling").
// A rolled-back candidate whose failure was a constitutional-identifier
// mismatch maps to 409; any other rollback is an internal failure (500).
func (c Candidate) ExitCode() int {
	switch c.Phase {
	case PhaseApproved, PhaseCommitted:
		return 200
	case PhaseDenied:
		return 403
	case PhaseInReview:
		return 202
	case PhaseRolledBack:
		if c.FailureReason == "ConstitutionalMismatch" {
			return 409
		}
		return 500
	default:
		return 500
	}
}
