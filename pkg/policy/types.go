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

// Package policy is Component D: the policy evaluation engine. Rule
// bundles are Rego modules; compile/stage/activate/evaluate/rollback
// follow spec.md §4.D unchanged.
package policy

import "time"

// Verdict is the closed set of decision outcomes.
type Verdict string

const (
	VerdictAllow         Verdict = "allow"
	VerdictDeny          Verdict = "deny"
	VerdictRequireReview Verdict = "require-review"
)

// BundleState is a rule bundle's place in its pending→active→retired
// lifecycle (spec.md §3).
type BundleState string

const (
	BundleStatePending BundleState = "pending"
	BundleStateActive  BundleState = "active"
	BundleStateRetired BundleState = "retired"
)

// RuleSource is one rule file's raw text, keyed by a stable name.
type RuleSource struct {
	Name    string `json:"name" yaml:"name"`
	Content string `json:"content" yaml:"content"`
}

// FileDigest is one rule file's content-addressed entry in a Manifest.
type FileDigest struct {
	Name   string `json:"name" yaml:"name"`
	Digest string `json:"digest" yaml:"digest"`
}

// Manifest describes a rule bundle's file inventory, framework mix, and
// overall content digest (spec.md §6 "Rule bundle format").
// DefaultVerdict is the bundle-resident verdict evaluation returns when
// the bundle has no rules, or none of its rules resolve a decision for a
// request (spec.md §4.D: thresholds and defaults live in the bundle, not
// the engine).
type Manifest struct {
	Version                  string         `json:"version" yaml:"version"`
	Files                    []FileDigest   `json:"files" yaml:"files"`
	FrameworkMix             map[string]int `json:"framework_mix" yaml:"framework_mix"`
	DefaultVerdict           Verdict        `json:"default_verdict" yaml:"default_verdict"`
	ManifestDigest           string         `json:"manifest_digest" yaml:"manifest_digest"`
	ConstitutionalIdentifier string         `json:"constitutional_identifier" yaml:"constitutional_identifier"`
	CreatedAt                time.Time      `json:"created_at" yaml:"created_at"`
}

// RuleValidity is one rule's compile-time outcome.
type RuleValidity struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// CompilationResult is compile's output: per-rule validity and an
// overall score (fraction of rules that compiled cleanly).
type CompilationResult struct {
	PerRule map[string]RuleValidity `json:"per_rule"`
	Score   float64                 `json:"score"`
}

// Bundle is one staged or activated rule set.
type Bundle struct {
	ID       string
	Manifest Manifest
	Rules    []RuleSource
	State    BundleState

	compiler *compiledBundle
}

// Request is the fingerprint-able input to Evaluate.
type Request struct {
	CandidateID              string                 `json:"candidate_id"`
	Kind                     string                 `json:"kind"`
	Payload                  map[string]interface{} `json:"payload"`
	ConstitutionalIdentifier string                 `json:"constitutional_identifier"`
}

// DecisionRecord is D's evaluate output (spec.md §3, §6).
type DecisionRecord struct {
	Verdict                  Verdict       `json:"verdict"`
	SupportingRuleIDs        []string      `json:"supporting_rule_ids"`
	EvaluationLatency        time.Duration `json:"evaluation_latency"`
	BundleVersion            string        `json:"bundle_version"`
	Tag                      string        `json:"tag"`
	IntegrityDigest          string        `json:"integrity_digest"`
	TTL                      time.Duration `json:"ttl"`
	ConstitutionalIdentifier string        `json:"constitutional_identifier"`
}

func (d *DecisionRecord) ConstitutionalID() string      { return d.ConstitutionalIdentifier }
func (d *DecisionRecord) SetConstitutionalID(id string) { d.ConstitutionalIdentifier = id }
