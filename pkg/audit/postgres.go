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

package audit

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	govterrors "github.com/consilium-ai/governor/internal/shared/errors"
)

// appendRequest is one pending write on the durable writer's channel.
type appendRequest struct {
	actor            string
	kind             Kind
	payload          map[string]interface{}
	constitutionalID string
	result           chan appendResult
}

type appendResult struct {
	event *Event
	err   error
}

// PostgresStore is the pgx-backed durable tail of the audit log: a single
// dedicated writer goroutine drains a bounded channel and appends rows
// through a pooled connection, matching spec.md §5's "serialised append
// through a single logical writer".
type PostgresStore struct {
	pool    *pgxpool.Pool
	writes  chan appendRequest
	done    chan struct{}
	logSink logSink

	mem *MemoryStore // mirrors recent chain state for VerifyChain/Tail without round-tripping every read
}

// logSink is the minimal logger surface PostgresStore needs; satisfied by
// *zap.SugaredLogger in production and a no-op in tests.
type logSink interface {
	Errorw(msg string, keysAndValues ...interface{})
}

// NewPostgresStore connects to dsn, provisions the writer goroutine, and
// reconciles the in-memory tail against the persisted tail (spec.md
// §4.B "Fails with LogBroken if the in-memory tail diverges from the
// persisted tail on startup reconciliation").
func NewPostgresStore(ctx context.Context, dsn string, logSink logSink) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, govterrors.DatabaseError("connect", err)
	}

	s := &PostgresStore{
		pool:    pool,
		writes:  make(chan appendRequest, 256),
		done:    make(chan struct{}),
		logSink: logSink,
		mem:     NewMemoryStore(),
	}

	if err := s.reconcile(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	go s.runWriter()
	return s, nil
}

// reconcile loads the persisted tail into the in-memory mirror and
// verifies the chain, failing the whole open with LogBroken on mismatch.
func (s *PostgresStore) reconcile(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `
		SELECT sequence, ts, actor, kind, prior_digest, payload, digest, constitutional_identifier
		FROM audit_events ORDER BY sequence ASC`)
	if err != nil {
		return govterrors.DatabaseError("reconcile audit tail", err)
	}
	defer rows.Close()

	var maxSeq uint64
	for rows.Next() {
		var ev Event
		var payload map[string]interface{}
		if err := rows.Scan(&ev.Sequence, &ev.Timestamp, &ev.Actor, &ev.Kind, &ev.PriorDigest, &payload, &ev.Digest, &ev.ConstitutionalIdentifier); err != nil {
			return govterrors.New(govterrors.KindAuditAppendFailure, govterrors.DatabaseError("scan audit row", err))
		}
		ev.Payload = payload
		s.mem.events = append(s.mem.events, &ev)
		if ev.Sequence > maxSeq {
			maxSeq = ev.Sequence
		}
	}
	if err := rows.Err(); err != nil {
		return govterrors.DatabaseError("reconcile audit tail", err)
	}

	s.mem.nextSeq = maxSeq + 1
	if err := s.mem.VerifyChain(ctx); err != nil {
		return govterrors.Newf(govterrors.KindLogBroken,
			"persisted audit tail diverges from expected chain: %v", err)
	}
	return nil
}

// runWriter is the single logical writer: it serialises appends through
// one goroutine so sequence assignment and digest chaining never race.
func (s *PostgresStore) runWriter() {
	for {
		select {
		case req := <-s.writes:
			s.mem.mu.Lock()
			before := len(s.mem.events)
			s.mem.mu.Unlock()

			ev, err := s.mem.Append(context.Background(), req.actor, req.kind, req.payload, req.constitutionalID)
			if err == nil {
				err = s.persist(context.Background(), ev)
			}
			// Append may have raised a rate-limited alert event alongside
			// the primary one (spec.md §4.B); persist it too so B's
			// durability guarantee covers alerts, not just primary writes.
			if err == nil {
				s.mem.mu.Lock()
				extra := s.mem.events[before+1:]
				s.mem.mu.Unlock()
				for _, a := range extra {
					if perr := s.persist(context.Background(), a); perr != nil {
						err = perr
						break
					}
				}
			}
			req.result <- appendResult{event: ev, err: err}
		case <-s.done:
			return
		}
	}
}

func (s *PostgresStore) persist(ctx context.Context, ev *Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (sequence, ts, actor, kind, prior_digest, payload, digest, constitutional_identifier)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.Sequence, ev.Timestamp, ev.Actor, string(ev.Kind), ev.PriorDigest, ev.Payload, ev.Digest, ev.ConstitutionalIdentifier)
	if err != nil {
		if s.logSink != nil {
			s.logSink.Errorw("audit append failed", "sequence", ev.Sequence, "error", err)
		}
		return govterrors.New(govterrors.KindAuditAppendFailure, govterrors.DatabaseError("insert audit_events", err))
	}
	return nil
}

// Append enqueues a write on the bounded channel and blocks for its
// durable result; per spec.md §4.B, append must be durable before the
// originating operation is acknowledged.
func (s *PostgresStore) Append(ctx context.Context, actor string, kind Kind, payload map[string]interface{}, constitutionalID string) (*Event, error) {
	req := appendRequest{
		actor:            actor,
		kind:             kind,
		payload:          payload,
		constitutionalID: constitutionalID,
		result:           make(chan appendResult, 1),
	}
	select {
	case s.writes <- req:
	default:
		return nil, govterrors.Newf(govterrors.KindResourceExhausted, "audit writer queue full")
	}

	select {
	case res := <-req.result:
		return res.event, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *PostgresStore) Tail(ctx context.Context, n int) ([]*Event, error) { return s.mem.Tail(ctx, n) }
func (s *PostgresStore) Range(ctx context.Context, lo, hi uint64) ([]*Event, error) {
	return s.mem.Range(ctx, lo, hi)
}
func (s *PostgresStore) VerifyChain(ctx context.Context) error       { return s.mem.VerifyChain(ctx) }
func (s *PostgresStore) Query(ctx context.Context, jqExpr string) ([]*Event, error) {
	return s.mem.Query(ctx, jqExpr)
}

// Close stops the writer goroutine and the connection pool.
func (s *PostgresStore) Close() error {
	close(s.done)
	s.pool.Close()
	return nil
}
