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
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	govterrors "github.com/consilium-ai/governor/internal/shared/errors"
)

// Store persists Human Review Requests, distinct from the append-only
// audit log: it is a relational read/write model supporting lookups by
// status and in-place feedback updates (spec.md §3).
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	RecordFeedback(ctx context.Context, id string, f Feedback) error
	SetStatus(ctx context.Context, id string, status Status) error
	Pending(ctx context.Context) ([]*Request, error)
}

// MemoryStore is an in-memory Store, used in tests and for single-process
// deployments.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*Request)}
}

func (s *MemoryStore) Create(ctx context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.data[r.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[id]
	if !ok {
		return nil, govterrors.NotFound("review request", id)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) RecordFeedback(ctx context.Context, id string, f Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[id]
	if !ok {
		return govterrors.NotFound("review request", id)
	}
	r.Feedback = append(r.Feedback, f)
	return nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[id]
	if !ok {
		return govterrors.NotFound("review request", id)
	}
	r.Status = status
	return nil
}

func (s *MemoryStore) Pending(ctx context.Context) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, r := range s.data {
		if r.Status == StatusPending || r.Status == StatusInReview {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// PostgresStore persists review requests to a relational table via
// jmoiron/sqlx over a lib/pq-backed *sql.DB, mirroring the
// notification_audit_repository's raw-SQL, sqlmock-testable shape
// (spec.md §6 "two minimal tables").
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an already-open sqlx connection. Callers that
// only need tests should construct one over a go-sqlmock *sql.DB via
// sqlx.NewDb(mockDB, "sqlmock").
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect opens a new Postgres connection over the registered
// github.com/lib/pq driver (spec.md §6's review-request table lives in
// the same relational store as the rest of the ambient config DSN).
func Connect(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, govterrors.FailedTo("connect to review database", err)
	}
	return NewPostgresStore(db), nil
}

type reviewRow struct {
	ID                string    `db:"id"`
	CandidateID       string    `db:"candidate_id"`
	RequiredApprovals int       `db:"required_approvals"`
	Status            string    `db:"status"`
	Deadline          time.Time `db:"deadline"`
	CreatedAt         time.Time `db:"created_at"`
	ConstitutionalID  string    `db:"constitutional_identifier"`
}

type feedbackRow struct {
	ReviewerID string    `db:"reviewer_id"`
	Decision   string    `db:"decision"`
	Comment    string    `db:"comment"`
	DecidedAt  time.Time `db:"decided_at"`
}

// feedbackFor loads every recorded Feedback entry for a request; Get and
// Pending both need this so ApprovalCount/RejectionCount — which the
// orchestrator's quorum check depends on — see every reviewer decision,
// not just the row's own columns.
func (s *PostgresStore) feedbackFor(ctx context.Context, requestID string) ([]Feedback, error) {
	var rows []feedbackRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT reviewer_id, decision, comment, decided_at FROM human_review_feedback WHERE request_id = $1 ORDER BY decided_at ASC`,
		requestID); err != nil {
		return nil, govterrors.FailedTo("list review feedback", err)
	}
	out := make([]Feedback, len(rows))
	for i, r := range rows {
		out[i] = Feedback{ReviewerID: r.ReviewerID, Decision: r.Decision, Comment: r.Comment, DecidedAt: r.DecidedAt}
	}
	return out, nil
}

func (s *PostgresStore) Create(ctx context.Context, r *Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO human_review_requests
			(id, candidate_id, required_approvals, status, deadline, created_at, constitutional_identifier)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.CandidateID, r.RequiredApprovals, string(r.Status), r.Deadline, r.CreatedAt, r.ConstitutionalIdentifier)
	if err != nil {
		return govterrors.FailedTo("insert review request", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	var row reviewRow
	if err := s.db.GetContext(ctx, &row, `SELECT id, candidate_id, required_approvals, status, deadline, created_at, constitutional_identifier FROM human_review_requests WHERE id = $1`, id); err != nil {
		return nil, govterrors.NotFound("review request", id)
	}
	feedback, err := s.feedbackFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Request{
		ID:                       row.ID,
		CandidateID:              row.CandidateID,
		RequiredApprovals:        row.RequiredApprovals,
		Feedback:                 feedback,
		Status:                   Status(row.Status),
		Deadline:                 row.Deadline,
		CreatedAt:                row.CreatedAt,
		ConstitutionalIdentifier: row.ConstitutionalID,
	}, nil
}

func (s *PostgresStore) RecordFeedback(ctx context.Context, id string, f Feedback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO human_review_feedback (request_id, reviewer_id, decision, comment, decided_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, f.ReviewerID, f.Decision, f.Comment, f.DecidedAt)
	if err != nil {
		return govterrors.FailedTo("record review feedback", err)
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status Status) error {
	_, err := s.db.ExecContext(ctx, `UPDATE human_review_requests SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return govterrors.FailedTo("update review status", err)
	}
	return nil
}

func (s *PostgresStore) Pending(ctx context.Context) ([]*Request, error) {
	var rows []reviewRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, candidate_id, required_approvals, status, deadline, created_at, constitutional_identifier FROM human_review_requests WHERE status IN ('pending', 'in-review')`); err != nil {
		return nil, govterrors.FailedTo("list pending review requests", err)
	}
	out := make([]*Request, 0, len(rows))
	for _, row := range rows {
		feedback, err := s.feedbackFor(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, &Request{
			ID:                       row.ID,
			CandidateID:              row.CandidateID,
			RequiredApprovals:        row.RequiredApprovals,
			Feedback:                 feedback,
			Status:                   Status(row.Status),
			Deadline:                 row.Deadline,
			CreatedAt:                row.CreatedAt,
			ConstitutionalIdentifier: row.ConstitutionalID,
		})
	}
	return out, nil
}
