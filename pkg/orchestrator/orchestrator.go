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

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/consilium-ai/governor/internal/metrics"
	govterrors "github.com/consilium-ai/governor/internal/shared/errors"
	"github.com/consilium-ai/governor/pkg/audit"
	"github.com/consilium-ai/governor/pkg/bandit"
	"github.com/consilium-ai/governor/pkg/identity"
	"github.com/consilium-ai/governor/pkg/orchestrator/review"
	"github.com/consilium-ai/governor/pkg/policy"
	"github.com/consilium-ai/governor/pkg/sandbox"
	"github.com/consilium-ai/governor/pkg/synthesis"
	"github.com/consilium-ai/governor/pkg/verification"
)

// Result is a Reconcile step's outcome, shaped like
// controller-runtime's reconcile.Result: a non-zero RequeueAfter means
// the candidate has more steps to take and should be driven again.
type Result struct {
	RequeueAfter bool
}

// Synthesizer is the subset of Component F the orchestrator depends on.
type Synthesizer interface {
	Generate(ctx context.Context, prompt string, genCtx map[string]interface{}, strategy synthesis.Strategy) (synthesis.EnsembleResponse, error)
}

// Verifier is the subset of Component E the orchestrator depends on.
type Verifier interface {
	Verify(ctx context.Context, rules []verification.RuleInput, properties []verification.Property, tier verification.Tier) (verification.Result, error)
}

// PolicyEvaluator is the subset of Component D the orchestrator depends on.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, req policy.Request) (policy.DecisionRecord, error)
}

// Selector is the subset of Component G the orchestrator depends on:
// arm selection on admission, and outcome observation at terminal states
// so arm statistics track what actually happened (spec.md §2, §4.I).
type Selector interface {
	Select(ctx bandit.Context, candidateArms []string) (string, bandit.Selection, error)
	Update(name string, reward, constitutionalScore, safetyScore float64, ctx bandit.Context, constitutionalID string) error
}

// Sandbox is the subset of Component H the orchestrator depends on.
type Sandbox interface {
	Execute(ctx context.Context, spec sandbox.Spec) (sandbox.Result, error)
}

// Properties supplies the verification obligations a candidate's risk
// class requires (spec.md §4.E); callers wire this to their rule
// catalogue.
type Properties func(riskClass RiskClass) []verification.Property

// Orchestrator is Component I: drives one candidate through the full
// received→…→committed|rolled-back state machine, writing an audit
// event on every transition (spec.md §4.I).
type Orchestrator struct {
	synth      Synthesizer
	verify     Verifier
	policy     PolicyEvaluator
	bandit     Selector
	sandbox    Sandbox
	auditLog   audit.Store
	identity   *identity.Authority
	reviews    review.Store
	roster     []review.Reviewer
	notifier   review.Notifier
	properties Properties

	requiredApprovals    int
	reviewDeadline       time.Duration
	banditArms           []string // candidate bandit arms considered for code candidates
	verificationFailOpen bool

	sandboxRuntime     sandbox.Runtime
	sandboxImage       string
	sandboxImageDigest string
	sandboxCaps        sandbox.ResourceCaps

	tracer      trace.Tracer
	transitions otelmetric.Int64Counter
}

// Deps bundles Orchestrator's collaborators.
type Deps struct {
	Synthesizer       Synthesizer
	Verifier          Verifier
	Policy            PolicyEvaluator
	Bandit            Selector
	Sandbox           Sandbox
	AuditLog          audit.Store
	Identity          *identity.Authority
	Reviews           review.Store
	Roster            []review.Reviewer
	Notifier          review.Notifier
	Properties        Properties
	RequiredApprovals int
	ReviewDeadline    time.Duration
	BanditArms        []string

	// VerificationFailOpen permits one retry at the next lower tier when
	// an aggregate comes back unknown (spec.md §4.E "fails-open into a
	// lower tier only when the caller explicitly permits").
	VerificationFailOpen bool

	// Sandbox admission defaults, applied when a code candidate's context
	// does not name its own image (spec.md §6 configuration surface).
	SandboxRuntime     sandbox.Runtime
	SandboxImage       string
	SandboxImageDigest string
	SandboxCaps        sandbox.ResourceCaps
}

// New constructs an Orchestrator from its collaborators. A nil Notifier
// defaults to a no-op.
func New(d Deps) *Orchestrator {
	if d.Notifier == nil {
		d.Notifier = review.NoopNotifier{}
	}
	if d.RequiredApprovals < 1 {
		d.RequiredApprovals = 2
	}
	transitions, _ := otel.Meter("governor/orchestrator").Int64Counter("governor.candidate.transitions",
		otelmetric.WithDescription("candidate state-machine transitions by from/to phase"))
	return &Orchestrator{
		tracer:            otel.Tracer("governor/orchestrator"),
		transitions:       transitions,
		synth:             d.Synthesizer,
		verify:            d.Verifier,
		policy:            d.Policy,
		bandit:            d.Bandit,
		sandbox:           d.Sandbox,
		auditLog:          d.AuditLog,
		identity:          d.Identity,
		reviews:           d.Reviews,
		roster:            d.Roster,
		notifier:          d.Notifier,
		properties:        d.Properties,
		requiredApprovals: d.RequiredApprovals,
		reviewDeadline:    d.ReviewDeadline,
		banditArms:        d.BanditArms,

		verificationFailOpen: d.VerificationFailOpen,
		sandboxRuntime:       d.SandboxRuntime,
		sandboxImage:         d.SandboxImage,
		sandboxImageDigest:   d.SandboxImageDigest,
		sandboxCaps:          d.SandboxCaps,
	}
}

// Submit admits a new candidate at PhaseReceived and drives it to its
// next stable phase (spec.md §4.I, §3 "received").
func (o *Orchestrator) Submit(ctx context.Context, c *Candidate) (Result, error) {
	if c.ID == "" {
		c.ID = "cand-" + uuid.NewString()
	}
	c.Phase = PhaseReceived
	o.audit(ctx, c, audit.KindCandidateTransition, "", PhaseReceived)
	return o.Reconcile(ctx, c)
}

// Reconcile drives c through as many transitions as are immediately
// available, stopping at a state requiring external input (in-review)
// or a terminal state (spec.md §4.I).
func (o *Orchestrator) Reconcile(ctx context.Context, c *Candidate) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Reconcile", trace.WithAttributes(
		attribute.String("candidate.id", c.ID),
		attribute.String("candidate.kind", string(c.Kind)),
		attribute.String("candidate.risk_class", string(c.RiskClass)),
	))
	defer span.End()

	for {
		from := c.Phase
		done, err := o.step(ctx, c)
		if err != nil {
			span.RecordError(err)
			o.rollback(ctx, c, err)
			return Result{}, err
		}
		if c.Phase != from {
			o.recordTransition(ctx, from, c.Phase)
			o.audit(ctx, c, audit.KindCandidateTransition, from, c.Phase)
		}
		if done {
			span.SetAttributes(attribute.String("candidate.phase", string(c.Phase)))
			return Result{RequeueAfter: c.Phase == PhaseInReview}, nil
		}
	}
}

// recordTransition mirrors each transition into both the Prometheus
// registry and the OTel meter so either backend can be scraped alone.
func (o *Orchestrator) recordTransition(ctx context.Context, from, to Phase) {
	metrics.RecordCandidateTransition(string(from), string(to))
	o.transitions.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// step advances c by exactly one transition, returning done=true when no
// further automatic transition applies this call (spec.md §4.I's
// transition table).
func (o *Orchestrator) step(ctx context.Context, c *Candidate) (bool, error) {
	switch c.Phase {
	case PhaseReceived:
		return o.transitionReceived(ctx, c)
	case PhaseSynthesised:
		return o.transitionSynthesised(ctx, c)
	case PhaseVerified:
		return o.transitionVerified(ctx, c)
	case PhaseEvaluated:
		return o.transitionEvaluated(ctx, c)
	case PhaseApproved:
		return o.transitionApproved(ctx, c)
	case PhaseDenied, PhaseCommitted, PhaseRolledBack:
		return true, nil
	case PhaseInReview:
		return true, nil
	default:
		return false, fmt.Errorf("unknown candidate phase %q", c.Phase)
	}
}

// transitionReceived: received → synthesised, skipping synthesis for
// candidates that already carry content (spec.md §4.I).
func (o *Orchestrator) transitionReceived(ctx context.Context, c *Candidate) (bool, error) {
	if c.Content != "" {
		c.Phase = PhaseSynthesised
		return false, nil
	}
	if o.synth == nil {
		return false, govterrors.New(govterrors.KindEvaluationError, fmt.Errorf("no synthesis coordinator configured"))
	}
	resp, err := o.synth.Generate(ctx, c.Prompt, c.GenCtx, "")
	if err != nil {
		return false, err
	}
	c.Content = resp.Content
	c.SynthesisResponse = &SynthesisSummary{
		Content:                resp.Content,
		ConsensusConfidence:    resp.ConsensusConfidence,
		ReliabilityScore:       resp.ReliabilityScore,
		HumanReviewRecommended: resp.HumanReviewRecommended,
	}
	c.Phase = PhaseSynthesised
	return false, nil
}

// transitionSynthesised: synthesised → verified, tier chosen by risk
// class (spec.md §4.I, §4.E).
func (o *Orchestrator) transitionSynthesised(ctx context.Context, c *Candidate) (bool, error) {
	if o.verify == nil || o.properties == nil {
		c.Phase = PhaseVerified
		return false, nil
	}
	tier := tierForRisk(c.RiskClass)
	props := o.properties(c.RiskClass)
	rules := []verification.RuleInput{{Digest: c.ID, Content: c.Content}}
	result, err := o.verify.Verify(ctx, rules, props, tier)
	if err != nil {
		return false, err
	}
	if result.Aggregate == verification.StatusUnknown && o.verificationFailOpen {
		if lower, ok := lowerTier(tier); ok {
			if retried, rerr := o.verify.Verify(ctx, rules, props, lower); rerr == nil && retried.Aggregate != verification.StatusUnknown {
				result = retried
			}
		}
	}
	c.VerificationResult = &VerificationSummary{Aggregate: string(result.Aggregate), ObligationCount: len(result.Obligations)}
	c.Phase = PhaseVerified
	return false, nil
}

// lowerTier returns the next-cheaper verification tier, if any.
func lowerTier(t verification.Tier) (verification.Tier, bool) {
	switch t {
	case verification.TierRigorous:
		return verification.TierSemantic, true
	case verification.TierSemantic:
		return verification.TierAutomated, true
	default:
		return t, false
	}
}

// tierForRisk maps a candidate's risk class to the verification tier it
// must clear (spec.md §4.E: higher risk needs stronger proof).
func tierForRisk(r RiskClass) verification.Tier {
	switch r {
	case RiskHigh, RiskCritical:
		return verification.TierRigorous
	case RiskMedium:
		return verification.TierSemantic
	default:
		return verification.TierAutomated
	}
}

// transitionVerified: verified → evaluated, via Component D (spec.md §4.I).
func (o *Orchestrator) transitionVerified(ctx context.Context, c *Candidate) (bool, error) {
	if o.policy == nil {
		c.Phase = PhaseEvaluated
		return false, nil
	}
	decision, err := o.policy.Evaluate(ctx, policy.Request{
		CandidateID:              c.ID,
		Kind:                     string(c.Kind),
		Payload:                  c.GenCtx,
		ConstitutionalIdentifier: c.ConstitutionalIdentifier,
	})
	if err != nil {
		return false, err
	}
	c.PolicyDecision = &PolicyDecisionSummary{Verdict: string(decision.Verdict), BundleVersion: decision.BundleVersion}
	c.Phase = PhaseEvaluated
	return false, nil
}

// transitionEvaluated: evaluated → {approved|denied|in-review}
// (spec.md §4.I).
func (o *Orchestrator) transitionEvaluated(ctx context.Context, c *Candidate) (bool, error) {
	if o.needsReview(c) {
		if err := o.openReview(ctx, c); err != nil {
			return false, err
		}
		c.Phase = PhaseInReview
		return true, nil
	}

	if c.PolicyDecision != nil && c.PolicyDecision.Verdict == string(policy.VerdictDeny) {
		c.Phase = PhaseDenied
		return true, nil
	}

	c.Phase = PhaseApproved
	return false, nil
}

// needsReview reports whether evaluated→in-review applies: D required
// review, ensemble reliability is below threshold, risk is high/critical,
// or any verification obligation is unknown (spec.md §4.I).
func (o *Orchestrator) needsReview(c *Candidate) bool {
	if c.PolicyDecision != nil && c.PolicyDecision.Verdict == string(policy.VerdictRequireReview) {
		return true
	}
	if c.SynthesisResponse != nil && c.SynthesisResponse.HumanReviewRecommended {
		return true
	}
	if c.RiskClass == RiskHigh || c.RiskClass == RiskCritical {
		return true
	}
	if c.VerificationResult != nil && c.VerificationResult.Aggregate == string(verification.StatusUnknown) {
		return true
	}
	return false
}

// transitionApproved: approved → committed. Code candidates go through
// bandit-arm selection + sandbox admission (spec.md §4.I); rule candidates
// are committed directly, and no rule bundle is staged or activated here.
func (o *Orchestrator) transitionApproved(ctx context.Context, c *Candidate) (bool, error) {
	if c.Kind == KindCode && o.sandbox != nil {
		if o.bandit != nil && len(o.banditArms) > 0 {
			arm, sel, err := o.bandit.Select(bandit.Context{}, o.banditArms)
			if err != nil && err != bandit.ErrNoSafeArm {
				return false, err
			}
			if err == nil {
				c.BanditSelection = &BanditSummary{Arm: arm, EstimatedReward: sel.EstimatedReward, UsedBaseline: sel.Fallback}
				if sel.Fallback && o.auditLog != nil {
					// The bandit itself is audit-store-free; the fallback
					// event spec.md §7 requires is emitted from here, where
					// the candidate context lives.
					_, _ = o.auditLog.Append(ctx, "orchestrator", audit.KindSafetyViolation, map[string]interface{}{
						"candidate_id":     c.ID,
						"arm":              arm,
						"estimated_reward": sel.EstimatedReward,
					}, c.ConstitutionalIdentifier)
				}
			}
		}
		image := o.sandboxImage
		if v, ok := c.GenCtx["image"]; ok {
			image = fmt.Sprintf("%v", v)
		}
		result, err := o.sandbox.Execute(ctx, sandbox.Spec{
			CandidateID:      c.ID,
			Runtime:          o.sandboxRuntime,
			Image:            image,
			ExpectedDigest:   o.sandboxImageDigest,
			Command:          []string{"/bin/sh", "-c", c.Content},
			Caps:             o.sandboxCaps,
			ReadOnlyRootFS:   true,
			ConstitutionalID: c.ConstitutionalIdentifier,
		})
		if err != nil {
			return false, err
		}
		c.SandboxResult = &SandboxSummary{Success: result.Success, State: string(result.State), Violations: len(result.Violations)}
		o.observeOutcome(c, result.Success, len(result.Violations) == 0)
		if !result.Success {
			c.Phase = PhaseRolledBack
			c.FailureReason = "SandboxViolation"
			return true, nil
		}
	}
	c.Phase = PhaseCommitted
	return true, nil
}

// observeOutcome feeds a terminal outcome back into the bandit's arm
// statistics so future selections are biased by what actually happened
// (spec.md §2 "G observes outcomes"). Best-effort: a rejected update
// (identifier mismatch) surfaces through the bandit's own audit path,
// never blocks the candidate's transition.
func (o *Orchestrator) observeOutcome(c *Candidate, success, clean bool) {
	if o.bandit == nil || c.BanditSelection == nil {
		return
	}
	reward, safety := 0.0, 0.0
	if success {
		reward = 1.0
	}
	if clean {
		safety = 1.0
	}
	constitutional := 1.0
	if c.SynthesisResponse != nil {
		constitutional = c.SynthesisResponse.ReliabilityScore
	}
	_ = o.bandit.Update(c.BanditSelection.Arm, reward, constitutional, safety, bandit.Context{}, c.ConstitutionalIdentifier)
}

// ApplyReviewOutcome reads the review's recorded feedback and, once one
// rejection or enough approvals have accumulated, transitions the
// candidate out of in-review (spec.md §4.I "Human Review"). It does not
// check the deadline; ExpireReview handles timeouts.
func (o *Orchestrator) ApplyReviewOutcome(ctx context.Context, c *Candidate) (Result, error) {
	if c.Phase != PhaseInReview || c.ReviewID == "" {
		return Result{}, fmt.Errorf("candidate %s is not awaiting review", c.ID)
	}
	req, err := o.reviews.Get(ctx, c.ReviewID)
	if err != nil {
		return Result{}, err
	}

	switch {
	case req.RejectionCount() > 0:
		c.Phase = PhaseDenied
		_ = o.reviews.SetStatus(ctx, req.ID, review.StatusRejected)
	case req.ApprovalCount() >= req.RequiredApprovals:
		c.Phase = PhaseApproved
		_ = o.reviews.SetStatus(ctx, req.ID, review.StatusApproved)
	default:
		return Result{RequeueAfter: true}, nil
	}

	o.recordTransition(ctx, PhaseInReview, c.Phase)
	o.audit(ctx, c, audit.KindReviewDecision, PhaseInReview, c.Phase)
	return o.Reconcile(ctx, c)
}

// ExpireReview applies the safe-default-deny outcome for a review that
// has passed its deadline without reaching quorum (spec.md §4.I
// "times out after a configured deadline with a safe default of deny").
func (o *Orchestrator) ExpireReview(ctx context.Context, c *Candidate) (Result, error) {
	if c.Phase != PhaseInReview || c.ReviewID == "" {
		return Result{}, fmt.Errorf("candidate %s is not awaiting review", c.ID)
	}
	req, err := o.reviews.Get(ctx, c.ReviewID)
	if err != nil {
		return Result{}, err
	}
	_ = o.reviews.SetStatus(ctx, req.ID, review.StatusTimedOut)
	_ = o.notifier.NotifyTimedOut(ctx, req)
	c.Phase = PhaseDenied
	c.FailureReason = "ReviewTimeout"
	o.audit(ctx, c, audit.KindReviewTimeout, PhaseInReview, c.Phase)
	return Result{}, nil
}

func (o *Orchestrator) openReview(ctx context.Context, c *Candidate) error {
	expertise := []string{string(c.Kind)}
	reviewers := review.Assign(o.roster, expertise, o.requiredApprovals)
	ids := make([]string, len(reviewers))
	for i, r := range reviewers {
		ids[i] = r.ID
	}

	deadline := o.reviewDeadline
	if deadline <= 0 {
		deadline = 24 * time.Hour
	}
	req := &review.Request{
		ID:                       "rev-" + uuid.NewString(),
		CandidateID:              c.ID,
		RequiredExpertise:        expertise,
		AssignedReviewers:        ids,
		RequiredApprovals:        o.requiredApprovals,
		Status:                   review.StatusPending,
		Deadline:                 time.Now().Add(deadline),
		ConstitutionalIdentifier: c.ConstitutionalIdentifier,
	}
	if o.identity != nil {
		o.identity.Stamp(req)
	}
	if err := o.reviews.Create(ctx, req); err != nil {
		return err
	}
	c.ReviewID = req.ID

	_ = o.notifier.NotifyAssigned(ctx, req, reviewers)
	o.audit(ctx, c, audit.KindReviewCreated, PhaseEvaluated, PhaseInReview)
	return nil
}

func (o *Orchestrator) rollback(ctx context.Context, c *Candidate, cause error) {
	from := c.Phase
	c.Phase = PhaseRolledBack
	if kind, ok := govterrors.As(cause); ok {
		c.FailureReason = string(kind)
	} else {
		c.FailureReason = "EvaluationError"
	}
	o.recordTransition(ctx, from, c.Phase)
	o.audit(ctx, c, audit.KindCandidateTransition, from, c.Phase)
}

func (o *Orchestrator) audit(ctx context.Context, c *Candidate, kind audit.Kind, from, to Phase) {
	if o.auditLog == nil {
		return
	}
	_, _ = o.auditLog.Append(ctx, "orchestrator", kind, map[string]interface{}{
		"candidate_id": c.ID,
		"from":         string(from),
		"to":           string(to),
	}, c.ConstitutionalIdentifier)
}
