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

package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/open-policy-agent/opa/rego"

	"github.com/consilium-ai/governor/internal/metrics"
	govterrors "github.com/consilium-ai/governor/internal/shared/errors"
	"github.com/consilium-ai/governor/internal/shared/logging"
	"github.com/consilium-ai/governor/pkg/audit"
	"github.com/consilium-ai/governor/pkg/cache"
	"github.com/consilium-ai/governor/pkg/identity"
)

// BundleStore persists staged/active/retired bundles. MemoryBundleStore
// is the only implementation, used by tests and by governor-api alike;
// bundle state is not written under Config.Policy.BundleDir.
type BundleStore interface {
	Save(b *Bundle) error
	Load(id string) (*Bundle, error)
	List() ([]*Bundle, error)
}

// MemoryBundleStore is a BundleStore for tests and small deployments.
type MemoryBundleStore struct {
	mu      sync.Mutex
	bundles map[string]*Bundle
}

func NewMemoryBundleStore() *MemoryBundleStore {
	return &MemoryBundleStore{bundles: make(map[string]*Bundle)}
}

func (s *MemoryBundleStore) Save(b *Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.bundles[b.ID] = &cp
	return nil
}

func (s *MemoryBundleStore) Load(id string) (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[id]
	if !ok {
		return nil, govterrors.Newf(govterrors.KindEvaluationError, "bundle %q not found", id)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryBundleStore) List() ([]*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Bundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Engine is Component D: compiles, stages, activates, evaluates and rolls
// back rule bundles against candidate requests (spec.md §4.D). The active
// bundle pointer is read-copy-update: evaluators read an atomic snapshot
// and never block on activation (spec.md §5).
type Engine struct {
	store    BundleStore
	cache    *cache.Cache
	auditLog audit.Store
	identity *identity.Authority
	logger   *logging.Fields

	active        atomic.Pointer[Bundle]
	autoAllowScore float64
	p99Target      time.Duration
	p99Ceiling     time.Duration
}

// NewEngine constructs an Engine. autoAllowScore is the bundle-resident
// compliance threshold for automatic allow (spec.md §4.D "numeric
// thresholds ... are bundle-resident constants, not engine constants");
// it is supplied at construction because the spec treats it as a single
// process-wide default absent a per-bundle override mechanism.
func NewEngine(store BundleStore, c *cache.Cache, auditLog audit.Store, id *identity.Authority, autoAllowScore float64, p99Target, p99Ceiling time.Duration) *Engine {
	return &Engine{
		store:          store,
		cache:          c,
		auditLog:       auditLog,
		identity:       id,
		autoAllowScore: autoAllowScore,
		p99Target:      p99Target,
		p99Ceiling:     p99Ceiling,
	}
}

// StageBundle compiles rule sources for evaluation, writes the bundle to
// storage in pending state, and returns its id.
func (e *Engine) StageBundle(ctx context.Context, manifest Manifest, rules []RuleSource) (string, error) {
	compiled, err := compileForEval(rules)
	if err != nil {
		return "", govterrors.New(govterrors.KindCompilationError, err)
	}

	b := &Bundle{
		ID:       uuid.NewString(),
		Manifest: manifest,
		Rules:    rules,
		State:    BundleStatePending,
		compiler: compiled,
	}
	if err := e.store.Save(b); err != nil {
		return "", govterrors.FailedToWithDetails("stage bundle", "policy", b.ID, err)
	}
	return b.ID, nil
}

// Activate atomically swaps the active pointer to bundleID. The prior
// active bundle becomes retired but stays addressable for rollback
// (spec.md §3, §4.D).
func (e *Engine) Activate(ctx context.Context, bundleID string) error {
	b, err := e.store.Load(bundleID)
	if err != nil {
		return err
	}
	if b.compiler == nil {
		compiled, err := compileForEval(b.Rules)
		if err != nil {
			return govterrors.New(govterrors.KindCompilationError, err)
		}
		b.compiler = compiled
	}

	if prior := e.active.Load(); prior != nil {
		retired := *prior
		retired.State = BundleStateRetired
		_ = e.store.Save(&retired)
	}

	b.State = BundleStateActive
	if err := e.store.Save(b); err != nil {
		return err
	}
	e.active.Store(b)
	metrics.BundleActivationsTotal.Inc()

	if e.auditLog != nil {
		_, _ = e.auditLog.Append(ctx, "policy.engine", audit.KindBundleActivation,
			map[string]interface{}{"bundle_id": bundleID, "version": b.Manifest.Version}, e.identity.ID())
	}
	return nil
}

// Rollback swaps the active pointer back to a previously retired bundle,
// with identical audit semantics to Activate (spec.md §4.D).
func (e *Engine) Rollback(ctx context.Context, toBundleID string) error {
	b, err := e.store.Load(toBundleID)
	if err != nil {
		return err
	}
	if b.compiler == nil {
		compiled, err := compileForEval(b.Rules)
		if err != nil {
			return govterrors.New(govterrors.KindCompilationError, err)
		}
		b.compiler = compiled
	}

	if prior := e.active.Load(); prior != nil {
		retired := *prior
		retired.State = BundleStateRetired
		_ = e.store.Save(&retired)
	}

	b.State = BundleStateActive
	if err := e.store.Save(b); err != nil {
		return err
	}
	e.active.Store(b)

	if e.auditLog != nil {
		_, _ = e.auditLog.Append(ctx, "policy.engine", audit.KindBundleRollback,
			map[string]interface{}{"bundle_id": toBundleID, "version": b.Manifest.Version}, e.identity.ID())
	}
	return nil
}

// ActiveBundleVersion returns the currently active bundle's version tag,
// or "" if no bundle is active.
func (e *Engine) ActiveBundleVersion() string {
	if b := e.active.Load(); b != nil {
		return b.Manifest.Version
	}
	return ""
}

// Evaluate fingerprints the request, consults the cache, and on a miss
// runs the active bundle's decision, recording metrics and writing the
// result back to the cache (spec.md §4.D). Evaluation errors default to
// require-review, never to allow (spec.md §7).
func (e *Engine) Evaluate(ctx context.Context, req Request) (DecisionRecord, error) {
	start := time.Now()
	fp := fingerprint(req)

	if e.cache != nil {
		if v, hit, err := e.cache.Get(ctx, fp); err == nil && hit {
			var dr DecisionRecord
			if json.Unmarshal(v.Payload, &dr) == nil {
				if err := e.identity.Verify(&dr); err == nil {
					metrics.RecordPolicyEvaluation(string(dr.Verdict)+"_cached", time.Since(start))
					return dr, nil
				}
			}
		}
	}

	b := e.active.Load()
	if b == nil {
		dr := DecisionRecord{
			Verdict:           VerdictRequireReview,
			EvaluationLatency: time.Since(start),
		}
		e.identity.Stamp(&dr)
		metrics.RecordPolicyEvaluation(string(dr.Verdict), dr.EvaluationLatency)
		return dr, govterrors.New(govterrors.KindEvaluationError, fmt.Errorf("no active bundle"))
	}

	verdict, ruleIDs, err := evaluateBundle(ctx, b, req, e.autoAllowScore)
	latency := time.Since(start)
	metrics.RecordPolicyEvaluationP99(latency, e.p99Target, e.p99Ceiling)
	if err != nil {
		dr := DecisionRecord{
			Verdict:           VerdictRequireReview,
			BundleVersion:     b.Manifest.Version,
			EvaluationLatency: latency,
		}
		e.identity.Stamp(&dr)
		metrics.RecordPolicyEvaluation(string(dr.Verdict), latency)
		return dr, govterrors.New(govterrors.KindEvaluationError, err)
	}

	dr := DecisionRecord{
		Verdict:           verdict,
		SupportingRuleIDs: ruleIDs,
		EvaluationLatency: latency,
		BundleVersion:     b.Manifest.Version,
		Tag:               b.ID,
		TTL:               5 * time.Minute,
	}
	e.identity.Stamp(&dr)
	dr.IntegrityDigest = decisionDigest(dr)

	metrics.RecordPolicyEvaluation(string(verdict), latency)

	if e.cache != nil {
		if payload, err := json.Marshal(dr); err == nil {
			val := cache.NewValue(payload, e.identity.ID())
			_ = e.cache.Set(ctx, fp, val, dr.TTL, cache.WriteThrough)
		}
	}

	return dr, nil
}

// evaluateBundle runs the active bundle's compiled Rego query against the
// request payload — one "data" query spanning every rule package, so
// each rule's own logic decides its verdict rather than the engine
// re-deriving one (spec.md §4.D "run the active bundle's decision
// against the request"). autoAllowScore is passed into the input
// document as input.auto_allow_score so bundle rules may reference the
// engine's configured threshold; it is never used by Go code to compute
// a verdict directly (spec.md §4.D "numeric thresholds ... are
// bundle-resident constants, not engine constants"). Among rules whose
// query resolves to a verdict, the engine reports the most-specific
// (longest source) as the winning rule, per the rule language's own
// tie-breaking convention (spec.md §4.D).
func evaluateBundle(ctx context.Context, b *Bundle, req Request, autoAllowScore float64) (Verdict, []string, error) {
	def := b.Manifest.DefaultVerdict
	if def == "" {
		def = VerdictAllow
	}
	if len(b.Rules) == 0 || b.compiler == nil || b.compiler.query == nil {
		return def, nil, nil
	}
	if autoAllowScore <= 0 {
		autoAllowScore = 0.95
	}

	input := make(map[string]interface{}, len(req.Payload)+1)
	for k, v := range req.Payload {
		input[k] = v
	}
	input["auto_allow_score"] = autoAllowScore

	rs, err := b.compiler.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", nil, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return def, nil, nil
	}
	data, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return def, nil, nil
	}

	var winningRule string
	var winningScore float64
	verdict := def
	found := false

	for pkgPath, ruleName := range b.compiler.pkgOwner {
		decision, ok := lookupDecision(data, pkgPath)
		if !ok {
			continue
		}
		v, ok := verdictFromDecision(decision)
		if !ok {
			continue
		}
		specificity := float64(len(ruleContent(b.Rules, ruleName)))
		if !found || specificity > winningScore {
			winningScore = specificity
			winningRule = ruleName
			verdict = v
			found = true
		}
	}

	if !found {
		return def, nil, nil
	}
	return verdict, []string{winningRule}, nil
}

// lookupDecision walks a Rego "data" query result to the named package's
// decision rule. pkgPath is as returned by ast.Module.Package.Path,
// which is rooted at "data" (e.g. "data.governor.default"); the query
// result itself is already rooted one level below "data".
func lookupDecision(data map[string]interface{}, pkgPath string) (string, bool) {
	segs := strings.Split(strings.TrimPrefix(pkgPath, "data."), ".")
	var cur interface{} = data
	for _, s := range segs {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		cur, ok = m[s]
		if !ok {
			return "", false
		}
	}
	pkg, ok := cur.(map[string]interface{})
	if !ok {
		return "", false
	}
	decision, ok := pkg["decision"]
	if !ok {
		return "", false
	}
	s, ok := decision.(string)
	return s, ok
}

// verdictFromDecision maps a rule's decision string onto the closed
// Verdict set; an unrecognised value does not participate in the
// most-specific-wins comparison.
func verdictFromDecision(decision string) (Verdict, bool) {
	switch Verdict(decision) {
	case VerdictAllow, VerdictDeny, VerdictRequireReview:
		return Verdict(decision), true
	default:
		return "", false
	}
}

func ruleContent(rules []RuleSource, name string) string {
	for _, r := range rules {
		if r.Name == name {
			return r.Content
		}
	}
	return ""
}

func fingerprint(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.CandidateID))
	h.Write([]byte(req.Kind))
	keys := make([]string, 0, len(req.Payload))
	for k := range req.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, req.Payload[k])
	}
	return "policy:" + hex.EncodeToString(h.Sum(nil))
}

func decisionDigest(dr DecisionRecord) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%v|%s|%s", dr.Verdict, dr.SupportingRuleIDs, dr.BundleVersion, dr.ConstitutionalIdentifier)
	return hex.EncodeToString(h.Sum(nil))
}
