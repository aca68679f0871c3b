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

// Package verification is Component E: tiered formal verification of
// rule-bundle obligations against a set of constitutional properties
// (spec.md §4.E).
package verification

// Tier is the verification depth applied to an obligation.
type Tier string

const (
	TierAutomated Tier = "automated"
	TierSemantic  Tier = "semantic"
	TierRigorous  Tier = "rigorous"
)

// Status is an obligation's terminal (or in-flight) outcome.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusProved    Status = "proved"
	StatusDisproved Status = "disproved"
	StatusTimeout   Status = "timeout"
	StatusError     Status = "error"
	StatusUnknown   Status = "unknown"
)

// precedence implements spec.md §4.E's deterministic merge order:
// error > timeout > disproved > unknown > proved.
var precedence = map[Status]int{
	StatusError:     5,
	StatusTimeout:   4,
	StatusDisproved: 3,
	StatusUnknown:   2,
	StatusProved:    1,
}

// Worse reports whether b should win over a under the merge precedence.
func Worse(a, b Status) bool { return precedence[b] > precedence[a] }

// Property is one constitutional property a rule must satisfy.
// StructuralRequire lists what the automated tier checks for; Name
// selects the semantic tier's check (no-deadlock, bounded-response,
// simple safety); RequiresRigorous marks the class requiring existential
// reasoning over integers/reals (rigorous) per spec.md §9's Open Question
// resolution (see DESIGN.md).
type Property struct {
	ID                string
	Name              string
	RequiresRigorous  bool
	Formula           string // existential/quantified formula text for the rigorous tier
	StructuralRequire []string
}

// Obligation is a (rule, property, tier) proof task (spec.md §3).
type Obligation struct {
	RuleDigest     string
	PropertyID     string
	Tier           Tier
	RuleContent    string
	Property       Property
	Status         Status
	Error          string
	CounterExample map[string]interface{}
}

func (o Obligation) cacheKey() string {
	return "verif:" + o.Tier.tierPrefix() + ":" + o.RuleDigest + ":" + o.PropertyID
}

func (t Tier) tierPrefix() string { return string(t) }

// ProofObject is GenerateProof's output (spec.md §4.E).
type ProofObject struct {
	Proved                   bool
	Steps                    []string
	CounterExample           map[string]interface{}
	IntegrityDigest          string
	ConstitutionalIdentifier string
}

func (p *ProofObject) ConstitutionalID() string      { return p.ConstitutionalIdentifier }
func (p *ProofObject) SetConstitutionalID(id string) { p.ConstitutionalIdentifier = id }

// Result is Verify's aggregate output: the merged status across every
// dispatched obligation plus the per-obligation detail.
type Result struct {
	Aggregate   Status
	Obligations []Obligation
	CacheHits   int
	CacheMisses int
}

// AllProved reports whether every obligation reached StatusProved — the
// condition spec.md requires for a rule to pass verification.
func (r Result) AllProved() bool {
	for _, o := range r.Obligations {
		if o.Status != StatusProved {
			return false
		}
	}
	return true
}
