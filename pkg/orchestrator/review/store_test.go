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

package review

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func TestMemoryStore_CreateGetFeedback(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	req := &Request{ID: "rev-1", CandidateID: "cand-1", RequiredApprovals: 2, Status: StatusPending, CreatedAt: time.Now()}
	if err := s.Create(ctx, req); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.RecordFeedback(ctx, "rev-1", Feedback{ReviewerID: "r1", Decision: "approve"}); err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	got, err := s.Get(ctx, "rev-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ApprovalCount() != 1 {
		t.Errorf("ApprovalCount = %d, want 1", got.ApprovalCount())
	}

	if err := s.SetStatus(ctx, "rev-1", StatusApproved); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	pending, _ := s.Pending(ctx)
	if len(pending) != 0 {
		t.Errorf("expected no pending requests after approval, got %d", len(pending))
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "missing"); err == nil {
		t.Error("expected error for missing review request")
	}
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "postgres")
	store := NewPostgresStore(db)

	now := time.Now()
	req := &Request{ID: "rev-2", CandidateID: "cand-2", RequiredApprovals: 2, Status: StatusPending, Deadline: now.Add(24 * time.Hour), CreatedAt: now, ConstitutionalIdentifier: "abc"}

	mock.ExpectExec("INSERT INTO human_review_requests").
		WithArgs(req.ID, req.CandidateID, req.RequiredApprovals, string(req.Status), req.Deadline, req.CreatedAt, req.ConstitutionalIdentifier).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Create(context.Background(), req); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rows := sqlmock.NewRows([]string{"id", "candidate_id", "required_approvals", "status", "deadline", "created_at", "constitutional_identifier"}).
		AddRow(req.ID, req.CandidateID, req.RequiredApprovals, string(req.Status), req.Deadline, req.CreatedAt, req.ConstitutionalIdentifier)
	mock.ExpectQuery("SELECT (.+) FROM human_review_requests WHERE id").WithArgs(req.ID).WillReturnRows(rows)

	feedbackRows := sqlmock.NewRows([]string{"reviewer_id", "decision", "comment", "decided_at"}).
		AddRow("r1", "approve", "", now)
	mock.ExpectQuery("SELECT (.+) FROM human_review_feedback WHERE request_id").WithArgs(req.ID).WillReturnRows(feedbackRows)

	got, err := store.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CandidateID != req.CandidateID {
		t.Errorf("CandidateID = %q, want %q", got.CandidateID, req.CandidateID)
	}
	if got.ApprovalCount() != 1 {
		t.Errorf("ApprovalCount = %d, want 1", got.ApprovalCount())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
