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
	"sync"
	"time"

	govterrors "github.com/consilium-ai/governor/internal/shared/errors"
)

// Store is the persistence boundary for the audit log. Append must be
// durable before it returns (spec.md §4.B failure model).
type Store interface {
	Append(ctx context.Context, actor string, kind Kind, payload map[string]interface{}, constitutionalID string) (*Event, error)
	Tail(ctx context.Context, n int) ([]*Event, error)
	Range(ctx context.Context, lo, hi uint64) ([]*Event, error)
	VerifyChain(ctx context.Context) error
	Query(ctx context.Context, jqExpr string) ([]*Event, error)
	Close() error
}

// MemoryStore is an in-memory Store used by component unit tests and by
// governor-api when no database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	events   []*Event
	alerts   *alertLimiter
	nextSeq  uint64
}

// NewMemoryStore constructs an empty in-memory audit log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:  make([]*Event, 0, 64),
		alerts:  newAlertLimiter(10, time.Minute),
		nextSeq: 1,
	}
}

// Append assigns the next sequence, links the prior digest, computes and
// stores the new digest, and returns the event's digest. It is the sole
// commit point: on any internal failure, nothing is written.
func (s *MemoryStore) Append(ctx context.Context, actor string, kind Kind, payload map[string]interface{}, constitutionalID string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior := genesisDigest
	if n := len(s.events); n > 0 {
		prior = s.events[n-1].Digest
	}

	ts := time.Now()
	ev := &Event{
		Sequence:                 s.nextSeq,
		Timestamp:                ts,
		Actor:                    actor,
		Kind:                     kind,
		PriorDigest:              prior,
		Payload:                  payload,
		ConstitutionalIdentifier: constitutionalID,
	}
	ev.Digest = computeDigest(prior, payload, ts)

	s.events = append(s.events, ev)
	s.nextSeq++

	if kind != KindAlert {
		s.maybeAlert(ctx, kind, constitutionalID)
	}

	return ev, nil
}

// maybeAlert raises a rate-limited KindAlert event when a kind's
// threshold within its window is breached. Must be called with s.mu held.
func (s *MemoryStore) maybeAlert(ctx context.Context, kind Kind, constitutionalID string) {
	if !s.alerts.shouldAlert(kind) {
		return
	}
	prior := genesisDigest
	if n := len(s.events); n > 0 {
		prior = s.events[n-1].Digest
	}
	ts := time.Now()
	payload := map[string]interface{}{"source_kind": string(kind)}
	ev := &Event{
		Sequence:                 s.nextSeq,
		Timestamp:                ts,
		Actor:                    "audit.alert",
		Kind:                     KindAlert,
		PriorDigest:              prior,
		Payload:                  payload,
		ConstitutionalIdentifier: constitutionalID,
	}
	ev.Digest = computeDigest(prior, payload, ts)
	s.events = append(s.events, ev)
	s.nextSeq++
}

// Tail returns the last n events.
func (s *MemoryStore) Tail(ctx context.Context, n int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || len(s.events) == 0 {
		return nil, nil
	}
	if n > len(s.events) {
		n = len(s.events)
	}
	out := make([]*Event, n)
	copy(out, s.events[len(s.events)-n:])
	return out, nil
}

// Range returns events with sequence in [lo, hi].
func (s *MemoryStore) Range(ctx context.Context, lo, hi uint64) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Event
	for _, ev := range s.events {
		if ev.Sequence >= lo && ev.Sequence <= hi {
			out = append(out, ev)
		}
	}
	return out, nil
}

// VerifyChain recomputes digests from genesis and confirms the chain is
// unbroken (spec.md invariant 2).
func (s *MemoryStore) VerifyChain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior := genesisDigest
	for _, ev := range s.events {
		if ev.PriorDigest != prior {
			return govterrors.Newf(govterrors.KindLogBroken, "sequence %d prior_digest mismatch", ev.Sequence)
		}
		want := computeDigest(prior, ev.Payload, ev.Timestamp)
		if want != ev.Digest {
			return govterrors.Newf(govterrors.KindLogBroken, "sequence %d digest mismatch", ev.Sequence)
		}
		prior = ev.Digest
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// snapshot returns a shallow copy of all events for Query, taken under lock.
func (s *MemoryStore) snapshot() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}
