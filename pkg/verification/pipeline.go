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

package verification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"golang.org/x/sync/errgroup"

	"github.com/consilium-ai/governor/internal/metrics"
	govterrors "github.com/consilium-ai/governor/internal/shared/errors"
	"github.com/consilium-ai/governor/pkg/cache"
	"github.com/consilium-ai/governor/pkg/identity"
)

// RuleInput is the (digest, content) pair an obligation is checked against.
type RuleInput struct {
	Digest  string
	Content string
}

// Pipeline is Component E: a bounded worker pool that dispatches
// (rule, property, tier) obligations, consulting and populating the
// shared cache keyed by (rule-digest, property-digest, tier).
type Pipeline struct {
	workerCount       int
	obligationTimeout time.Duration
	cache             *cache.Cache
	identity          *identity.Authority
}

// NewPipeline constructs a Pipeline sized to workerCount concurrent
// obligations, each capped at obligationTimeout (spec.md §4.E, §5).
func NewPipeline(workerCount int, obligationTimeout time.Duration, c *cache.Cache, id *identity.Authority) *Pipeline {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pipeline{workerCount: workerCount, obligationTimeout: obligationTimeout, cache: c, identity: id}
}

// Verify fans obligations (one per rule x property) out to the worker
// pool at the given tier, merges results deterministically, and reports
// the aggregate verdict (spec.md §4.E). An unknown result is surfaced
// as-is; Verify does not fall back to another tier.
func (p *Pipeline) Verify(ctx context.Context, rules []RuleInput, properties []Property, tier Tier) (Result, error) {
	type indexed struct {
		idx int
		ob  Obligation
	}

	obligations := make([]Obligation, 0, len(rules)*len(properties))
	for _, r := range rules {
		for _, prop := range properties {
			obligations = append(obligations, Obligation{
				RuleDigest:  r.Digest,
				PropertyID:  prop.ID,
				Tier:        tier,
				RuleContent: r.Content,
				Property:    prop,
				Status:      StatusPending,
			})
		}
	}

	results := make([]Obligation, len(obligations))
	var mu sync.Mutex
	var cacheHits, cacheMisses int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workerCount)

	for i, ob := range obligations {
		i, ob := i, ob
		g.Go(func() error {
			out, hit := p.runObligation(gctx, ob)
			mu.Lock()
			results[i] = out
			if hit {
				cacheHits++
			} else {
				cacheMisses++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // obligation errors are captured in-band as StatusError; never propagated as a Go error

	aggregate := StatusProved
	if len(results) == 0 {
		aggregate = StatusProved
	}
	for _, o := range results {
		if Worse(aggregate, o.Status) {
			aggregate = o.Status
		}
	}

	return Result{Aggregate: aggregate, Obligations: results, CacheHits: cacheHits, CacheMisses: cacheMisses}, nil
}

func (p *Pipeline) runObligation(ctx context.Context, ob Obligation) (Obligation, bool) {
	start := time.Now()
	key := ob.cacheKey()

	if p.cache != nil {
		if v, hit, err := p.cache.Get(ctx, key); err == nil && hit {
			var cached Obligation
			if json.Unmarshal(v.Payload, &cached) == nil {
				metrics.RecordVerificationObligation(string(ob.Tier), string(cached.Status), time.Since(start))
				return cached, true
			}
		}
	}

	octx, cancel := context.WithTimeout(ctx, p.timeoutFor(ob.Tier))
	defer cancel()

	ob.Status = p.runTier(octx, &ob)

	metrics.RecordVerificationObligation(string(ob.Tier), string(ob.Status), time.Since(start))

	if p.cache != nil && p.identity != nil && (ob.Status == StatusProved || ob.Status == StatusDisproved) {
		if payload, err := json.Marshal(ob); err == nil {
			val := cache.NewValue(payload, p.identity.ID())
			_ = p.cache.Set(ctx, key, val, 10*time.Minute, cache.WriteThrough)
		}
	}

	return ob, false
}

func (p *Pipeline) timeoutFor(tier Tier) time.Duration {
	if p.obligationTimeout <= 0 {
		return 30 * time.Second
	}
	if tier == TierRigorous {
		return p.obligationTimeout * 5
	}
	return p.obligationTimeout
}

// runTier executes the selected tier's check against the obligation's
// rule content, returning the terminal status. A context deadline during
// any tier is reported as StatusTimeout.
func (p *Pipeline) runTier(ctx context.Context, ob *Obligation) Status {
	switch ob.Tier {
	case TierAutomated:
		return runAutomated(ob)
	case TierSemantic:
		return runSemantic(ctx, ob)
	case TierRigorous:
		return runRigorous(ctx, ob)
	default:
		return StatusError
	}
}

// runAutomated performs the millisecond-scale structural/schema checks:
// every string in Property.StructuralRequire must appear in the rule.
func runAutomated(ob *Obligation) Status {
	for _, req := range ob.Property.StructuralRequire {
		if !strings.Contains(ob.RuleContent, req) {
			ob.Error = "missing required structural element: " + req
			return StatusDisproved
		}
	}
	return StatusProved
}

// runSemantic dispatches a lightweight logical check — no-deadlock,
// bounded-response, simple safety — without invoking a solver. It
// reports proved when the rule contains the marker its property class
// looks for ("default decision", "default", "deny") and unknown
// otherwise; it never reports disproved.
func runSemantic(ctx context.Context, ob *Obligation) Status {
	select {
	case <-ctx.Done():
		return StatusTimeout
	default:
	}

	name := strings.ToLower(ob.Property.Name)
	content := ob.RuleContent

	switch {
	case strings.Contains(name, "no-deadlock") || strings.Contains(name, "deadlock"):
		if strings.Contains(content, "default decision") {
			return StatusProved // a total default clause rules out a stuck (deadlocked) decision
		}
		return StatusUnknown
	case strings.Contains(name, "bounded-response") || strings.Contains(name, "bounded"):
		if strings.Contains(content, "default") {
			return StatusProved
		}
		return StatusUnknown
	case strings.Contains(name, "simple safety") || strings.Contains(name, "safety"):
		if strings.Contains(content, "deny") {
			return StatusProved
		}
		return StatusUnknown
	default:
		return StatusUnknown
	}
}

// runRigorous attempts an SMT-level proof via OPA partial evaluation of
// the property's negated formula (see DESIGN.md's Open Question
// resolution for the absent SMT-solver binding): no residual query at
// all (the negation can never hold) is treated as proved (unsat of the
// negation); an empty residual query (the violation holds
// unconditionally) is disproved; residual queries that still carry
// conditions are unknown.
func runRigorous(ctx context.Context, ob *Obligation) Status {
	if ob.Property.Formula == "" {
		return StatusUnknown
	}

	modules := map[string]string{"rule.rego": ob.RuleContent}
	if ob.Property.Formula != "" {
		modules["property.rego"] = ob.Property.Formula
	}

	opts := []func(*rego.Rego){rego.Query("data.governor.property.violation")}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}

	pr, err := rego.New(opts...).Partial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return StatusTimeout
		}
		ob.Error = err.Error()
		return StatusError
	}

	if len(pr.Queries) == 0 {
		return StatusProved // negation is unsatisfiable: no way to violate the property
	}
	for _, q := range pr.Queries {
		if len(q) == 0 {
			ob.CounterExample = map[string]interface{}{"query": "unconditional violation"}
			return StatusDisproved
		}
	}
	return StatusUnknown
}

// GenerateProof produces a standalone ProofObject for one property
// against a constraint set (spec.md §4.E). constraints is passed to the
// partial evaluation as its input document.
func GenerateProof(ctx context.Context, property Property, constraints map[string]interface{}, id *identity.Authority) (ProofObject, error) {
	if property.Formula == "" {
		return ProofObject{}, govterrors.Newf(govterrors.KindVerificationUnknown, "property %q has no formula to prove", property.ID)
	}

	constraintJSON, err := json.Marshal(constraints)
	if err != nil {
		return ProofObject{}, err
	}

	var input map[string]interface{}
	_ = json.Unmarshal(constraintJSON, &input)

	pr, err := rego.New(
		rego.Query("data.governor.property.violation"),
		rego.Module("property.rego", property.Formula),
		rego.Input(input),
	).Partial(ctx)

	proof := ProofObject{}
	if err != nil {
		if ctx.Err() != nil {
			return ProofObject{}, govterrors.New(govterrors.KindVerificationTimeout, err)
		}
		return ProofObject{}, err
	}

	if len(pr.Queries) == 0 {
		proof.Proved = true
		proof.Steps = []string{"partial evaluation of the negated property yielded no satisfiable residual"}
	} else {
		proof.Proved = false
		proof.CounterExample = map[string]interface{}{"residual_queries": len(pr.Queries)}
	}

	proof.IntegrityDigest = proofDigest(proof, constraintJSON)
	if id != nil {
		id.Stamp(&proof)
	}
	return proof, nil
}

func proofDigest(p ProofObject, constraints []byte) string {
	h := sha256.New()
	h.Write(constraints)
	if p.Proved {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RequiresRigorous reports whether a property must be routed to the
// rigorous tier (spec.md §9 Open Question: existential reasoning over
// integers/reals routes to rigorous; everything else is semantic).
func RequiresRigorous(p Property) bool { return p.RequiresRigorous }
