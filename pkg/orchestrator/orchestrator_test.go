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
	"testing"

	"github.com/consilium-ai/governor/pkg/audit"
	"github.com/consilium-ai/governor/pkg/bandit"
	"github.com/consilium-ai/governor/pkg/orchestrator/review"
	"github.com/consilium-ai/governor/pkg/policy"
	"github.com/consilium-ai/governor/pkg/sandbox"
	"github.com/consilium-ai/governor/pkg/verification"
)

type fakeSandbox struct {
	result sandbox.Result
}

func (f fakeSandbox) Execute(ctx context.Context, spec sandbox.Spec) (sandbox.Result, error) {
	return f.result, nil
}

type fakeBandit struct {
	arm string
	sel bandit.Selection
}

func (f fakeBandit) Select(ctx bandit.Context, candidateArms []string) (string, bandit.Selection, error) {
	return f.arm, f.sel, nil
}

func (f fakeBandit) Update(name string, reward, constitutionalScore, safetyScore float64, ctx bandit.Context, constitutionalID string) error {
	return nil
}

type fakePolicy struct {
	verdict policy.Verdict
}

func (f fakePolicy) Evaluate(ctx context.Context, req policy.Request) (policy.DecisionRecord, error) {
	return policy.DecisionRecord{Verdict: f.verdict, BundleVersion: "v1"}, nil
}

type fakeVerifier struct {
	aggregate verification.Status
}

func (f fakeVerifier) Verify(ctx context.Context, rules []verification.RuleInput, properties []verification.Property, tier verification.Tier) (verification.Result, error) {
	return verification.Result{Aggregate: f.aggregate}, nil
}

func noProperties(RiskClass) []verification.Property { return nil }

func TestOrchestrator_HappyPathApproval(t *testing.T) {
	o := New(Deps{
		Policy:     fakePolicy{verdict: policy.VerdictAllow},
		Verifier:   fakeVerifier{aggregate: verification.StatusProved},
		AuditLog:   audit.NewMemoryStore(),
		Reviews:    review.NewMemoryStore(),
		Properties: noProperties,
	})

	c := &Candidate{Kind: KindRule, RiskClass: RiskLow, Content: "package governance\ndefault allow = true"}
	result, err := o.Submit(context.Background(), c)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.RequeueAfter {
		t.Error("expected a terminal result, not a requeue")
	}
	if c.Phase != PhaseCommitted {
		t.Errorf("Phase = %v, want committed", c.Phase)
	}
}

func TestOrchestrator_DenyVerdict(t *testing.T) {
	o := New(Deps{
		Policy:     fakePolicy{verdict: policy.VerdictDeny},
		Verifier:   fakeVerifier{aggregate: verification.StatusProved},
		AuditLog:   audit.NewMemoryStore(),
		Reviews:    review.NewMemoryStore(),
		Properties: noProperties,
	})

	c := &Candidate{Kind: KindRule, RiskClass: RiskLow, Content: "package governance\ndefault allow = false"}
	if _, err := o.Submit(context.Background(), c); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if c.Phase != PhaseDenied {
		t.Errorf("Phase = %v, want denied", c.Phase)
	}
	if c.ExitCode() != 403 {
		t.Errorf("ExitCode = %d, want 403", c.ExitCode())
	}
}

func TestOrchestrator_HighRiskGoesToReview(t *testing.T) {
	reviews := review.NewMemoryStore()
	o := New(Deps{
		Policy:     fakePolicy{verdict: policy.VerdictAllow},
		Verifier:   fakeVerifier{aggregate: verification.StatusProved},
		AuditLog:   audit.NewMemoryStore(),
		Reviews:    reviews,
		Properties: noProperties,
		Roster: []review.Reviewer{
			{ID: "r1", Role: "senior-engineer", MaxConcurrent: 2, QualityScore: 0.9},
			{ID: "r2", Role: "compliance-officer", MaxConcurrent: 2, QualityScore: 0.9},
		},
		RequiredApprovals: 2,
	})

	c := &Candidate{Kind: KindRule, RiskClass: RiskHigh, Content: "package governance\ndefault allow = true"}
	result, err := o.Submit(context.Background(), c)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.RequeueAfter {
		t.Error("expected RequeueAfter for an in-review candidate")
	}
	if c.Phase != PhaseInReview {
		t.Fatalf("Phase = %v, want in-review", c.Phase)
	}
	if c.ExitCode() != 202 {
		t.Errorf("ExitCode = %d, want 202", c.ExitCode())
	}

	req, err := reviews.Get(context.Background(), c.ReviewID)
	if err != nil {
		t.Fatalf("Get review: %v", err)
	}
	if len(req.AssignedReviewers) != 2 {
		t.Errorf("expected 2 assigned reviewers, got %d", len(req.AssignedReviewers))
	}

	if err := reviews.RecordFeedback(context.Background(), c.ReviewID, review.Feedback{ReviewerID: "r1", Decision: "approve"}); err != nil {
		t.Fatalf("RecordFeedback r1: %v", err)
	}
	if err := reviews.RecordFeedback(context.Background(), c.ReviewID, review.Feedback{ReviewerID: "r2", Decision: "approve"}); err != nil {
		t.Fatalf("RecordFeedback r2: %v", err)
	}

	result, err = o.ApplyReviewOutcome(context.Background(), c)
	if err != nil {
		t.Fatalf("ApplyReviewOutcome: %v", err)
	}
	if result.RequeueAfter {
		t.Error("expected a terminal result after two approvals")
	}
	if c.Phase != PhaseCommitted {
		t.Errorf("Phase = %v, want committed", c.Phase)
	}
}

func TestOrchestrator_ReviewTimeoutDefaultsToDeny(t *testing.T) {
	reviews := review.NewMemoryStore()
	o := New(Deps{
		Policy:     fakePolicy{verdict: policy.VerdictAllow},
		Verifier:   fakeVerifier{aggregate: verification.StatusProved},
		AuditLog:   audit.NewMemoryStore(),
		Reviews:    reviews,
		Properties: noProperties,
		Roster:     []review.Reviewer{{ID: "r1", MaxConcurrent: 2}},
	})

	c := &Candidate{Kind: KindRule, RiskClass: RiskCritical, Content: "package governance\ndefault allow = true"}
	if _, err := o.Submit(context.Background(), c); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if c.Phase != PhaseInReview {
		t.Fatalf("Phase = %v, want in-review", c.Phase)
	}

	if _, err := o.ExpireReview(context.Background(), c); err != nil {
		t.Fatalf("ExpireReview: %v", err)
	}
	if c.Phase != PhaseDenied {
		t.Errorf("Phase = %v, want denied after timeout", c.Phase)
	}
}

func TestOrchestrator_CodeCandidateAdmittedToSandbox(t *testing.T) {
	o := New(Deps{
		Policy:     fakePolicy{verdict: policy.VerdictAllow},
		Verifier:   fakeVerifier{aggregate: verification.StatusProved},
		AuditLog:   audit.NewMemoryStore(),
		Reviews:    review.NewMemoryStore(),
		Properties: noProperties,
		Sandbox:    fakeSandbox{result: sandbox.Result{Success: true, State: sandbox.StateCompleted}},
	})

	c := &Candidate{Kind: KindCode, RiskClass: RiskLow, Content: "echo ok", GenCtx: map[string]interface{}{"image": "registry/sandbox:latest"}}
	if _, err := o.Submit(context.Background(), c); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if c.Phase != PhaseCommitted {
		t.Errorf("Phase = %v, want committed", c.Phase)
	}
	if c.SandboxResult == nil || !c.SandboxResult.Success {
		t.Error("expected a successful sandbox result recorded on the candidate")
	}
}

func TestOrchestrator_SandboxFailureRollsBack(t *testing.T) {
	o := New(Deps{
		Policy:     fakePolicy{verdict: policy.VerdictAllow},
		Verifier:   fakeVerifier{aggregate: verification.StatusProved},
		AuditLog:   audit.NewMemoryStore(),
		Reviews:    review.NewMemoryStore(),
		Properties: noProperties,
		Sandbox:    fakeSandbox{result: sandbox.Result{Success: false, State: sandbox.StateFailed}},
	})

	c := &Candidate{Kind: KindCode, RiskClass: RiskLow, Content: "rm -rf /", GenCtx: map[string]interface{}{"image": "registry/sandbox:latest"}}
	if _, err := o.Submit(context.Background(), c); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if c.Phase != PhaseRolledBack {
		t.Errorf("Phase = %v, want rolled-back", c.Phase)
	}
}

func TestOrchestrator_BanditFallbackEmitsSafetyViolationAudit(t *testing.T) {
	log := audit.NewMemoryStore()
	o := New(Deps{
		Policy:     fakePolicy{verdict: policy.VerdictAllow},
		Verifier:   fakeVerifier{aggregate: verification.StatusProved},
		AuditLog:   log,
		Reviews:    review.NewMemoryStore(),
		Properties: noProperties,
		Sandbox:    fakeSandbox{result: sandbox.Result{Success: true, State: sandbox.StateCompleted}},
		Bandit:     fakeBandit{arm: "near", sel: bandit.Selection{Arm: "near", EstimatedReward: 0.7, Fallback: true}},
		BanditArms: []string{"near", "far"},
	})

	c := &Candidate{Kind: KindCode, RiskClass: RiskLow, Content: "echo ok", GenCtx: map[string]interface{}{"image": "registry/sandbox:latest"}}
	if _, err := o.Submit(context.Background(), c); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if c.BanditSelection == nil || !c.BanditSelection.UsedBaseline {
		t.Fatal("expected the fallback selection recorded on the candidate")
	}

	events, err := log.Tail(context.Background(), 100)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	var safetyEvents int
	for _, ev := range events {
		if ev.Kind == audit.KindSafetyViolation {
			safetyEvents++
		}
	}
	if safetyEvents != 1 {
		t.Errorf("safety_violation audit events = %d, want exactly 1", safetyEvents)
	}
}

func TestOrchestrator_VerificationUnknownRoutesToReview(t *testing.T) {
	o := New(Deps{
		Policy:     fakePolicy{verdict: policy.VerdictAllow},
		Verifier:   fakeVerifier{aggregate: verification.StatusUnknown},
		AuditLog:   audit.NewMemoryStore(),
		Reviews:    review.NewMemoryStore(),
		Properties: noProperties,
		Roster:     []review.Reviewer{{ID: "r1", MaxConcurrent: 2}, {ID: "r2", MaxConcurrent: 2}},
	})

	c := &Candidate{Kind: KindRule, RiskClass: RiskLow, Content: "package governance\ndefault allow = true"}
	if _, err := o.Submit(context.Background(), c); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if c.Phase != PhaseInReview {
		t.Errorf("Phase = %v, want in-review for an unknown verification result", c.Phase)
	}
}
