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

// Package cache is Component C: the tiered decision cache. L1 is a
// sharded, mutex-per-shard, in-process LRU with per-entry TTL; L2 is a
// shared Redis tier. The cache is never authoritative — it is always a
// view over a recomputable truth (spec.md §4.C).
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"sync"
	"time"

	"github.com/consilium-ai/governor/internal/metrics"
	"github.com/consilium-ai/governor/pkg/audit"
)

// Policy selects how Set propagates to L2 (spec.md §4.C).
type Policy int

const (
	// WriteThrough writes L1 and L2 synchronously. Used for high-read,
	// low-write items (verification results, policy decisions).
	WriteThrough Policy = iota
	// WriteBack writes L1 immediately and L2 asynchronously, best-effort.
	WriteBack
	// L1Only never propagates to L2. Used for ephemeral items (bandit state).
	L1Only
)

// Value is the stored payload plus the integrity envelope spec.md §3
// requires: a digest over the payload and the constitutional identifier
// that produced it.
type Value struct {
	Payload                  []byte
	ConstitutionalIdentifier string
	IntegrityDigest          string
}

// NewValue computes the integrity digest and returns a ready-to-store Value.
func NewValue(payload []byte, constitutionalID string) Value {
	return Value{
		Payload:                  payload,
		ConstitutionalIdentifier: constitutionalID,
		IntegrityDigest:          digest(payload, constitutionalID),
	}
}

// Verify reports whether v's stored digest matches its payload and
// constitutional identifier (spec.md invariant 4).
func (v Value) Verify() bool {
	return v.IntegrityDigest == digest(v.Payload, v.ConstitutionalIdentifier)
}

func digest(payload []byte, constitutionalID string) string {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(constitutionalID))
	return hex.EncodeToString(h.Sum(nil))
}

// entry is one LRU node.
type entry struct {
	key       string
	value     Value
	expiresAt time.Time
}

// shard is one mutex-guarded partition of the L1 LRU.
type shard struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

func newShard(capacity int) *shard {
	return &shard{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (s *shard) get(key string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return Value{}, false
	}
	ent := el.Value.(*entry)
	if time.Now().After(ent.expiresAt) {
		s.ll.Remove(el)
		delete(s.items, key)
		return Value{}, false
	}
	s.ll.MoveToFront(el)
	return ent.value, true
}

func (s *shard) set(key string, value Value, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.expiresAt = time.Now().Add(ttl)
		s.ll.MoveToFront(el)
		return
	}

	ent := &entry{key: key, value: value, expiresAt: time.Now().Add(ttl)}
	el := s.ll.PushFront(ent)
	s.items[key] = el

	if s.ll.Len() > s.capacity {
		oldest := s.ll.Back()
		if oldest != nil {
			s.ll.Remove(oldest)
			delete(s.items, oldest.Value.(*entry).key)
		}
	}
}

func (s *shard) delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		s.ll.Remove(el)
		delete(s.items, key)
	}
}

// evictSilently removes key without further bookkeeping; used on an
// integrity-digest mismatch (spec.md §4.C "evict silently").
func (s *shard) evictSilently(key string) { s.delete(key) }

const shardCount = 32

// L1 is the bounded, sharded, in-process LRU+TTL tier.
type L1 struct {
	shards [shardCount]*shard
}

// NewL1 builds an L1 tier with the given total capacity spread evenly
// across shards.
func NewL1(capacity int) *L1 {
	perShard := capacity / shardCount
	if perShard < 1 {
		perShard = 1
	}
	l := &L1{}
	for i := range l.shards {
		l.shards[i] = newShard(perShard)
	}
	return l
}

func (l *L1) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

func (l *L1) Get(key string) (Value, bool)          { return l.shardFor(key).get(key) }
func (l *L1) Set(key string, value Value, ttl time.Duration) { l.shardFor(key).set(key, value, ttl) }
func (l *L1) Delete(key string)                     { l.shardFor(key).delete(key) }
func (l *L1) EvictSilently(key string)               { l.shardFor(key).evictSilently(key) }

// L2 is the shared-tier boundary; satisfied by *RedisL2 in production and
// a fake in tests.
type L2 interface {
	Get(ctx context.Context, key string) (Value, bool, error)
	Set(ctx context.Context, key string, value Value, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Cache is the two-tier decision cache. It is never authoritative.
type Cache struct {
	l1         *L1
	l2         L2
	defaultTTL time.Duration

	auditLog         audit.Store
	constitutionalID string
}

// SetAuditSink wires the audit log that integrity-mismatch evictions are
// reported to (spec.md §4.C "evict silently, emit an audit event, return
// miss"). Optional; without a sink, mismatches are still evicted and
// counted, just not audited.
func (c *Cache) SetAuditSink(log audit.Store, constitutionalID string) {
	c.auditLog = log
	c.constitutionalID = constitutionalID
}

func (c *Cache) auditMismatch(ctx context.Context, key, tier string) {
	if c.auditLog == nil {
		return
	}
	_, _ = c.auditLog.Append(ctx, "cache", audit.KindCacheIntegrity,
		map[string]interface{}{"key": key, "tier": tier}, c.constitutionalID)
}

// New constructs a Cache. l2 may be nil, in which case every Set is
// treated as L1Only regardless of the requested policy.
func New(l1Capacity int, defaultTTL time.Duration, l2 L2) *Cache {
	return &Cache{l1: NewL1(l1Capacity), l2: l2, defaultTTL: defaultTTL}
}

// Get checks L1; on miss checks L2, promoting to L1. On integrity-digest
// mismatch the entry is evicted silently and the caller sees a miss
// (spec.md §4.C).
func (c *Cache) Get(ctx context.Context, key string) (Value, bool, error) {
	if v, ok := c.l1.Get(key); ok {
		if !v.Verify() {
			c.l1.EvictSilently(key)
			metrics.CacheIntegrityFailuresTotal.Inc()
			c.auditMismatch(ctx, key, "l1")
			metrics.RecordCacheMiss()
			return Value{}, false, nil
		}
		metrics.RecordCacheHit("l1")
		return v, true, nil
	}

	if c.l2 == nil {
		metrics.RecordCacheMiss()
		return Value{}, false, nil
	}

	v, ok, err := c.l2.Get(ctx, key)
	if err != nil {
		return Value{}, false, err
	}
	if !ok {
		metrics.RecordCacheMiss()
		return Value{}, false, nil
	}
	if !v.Verify() {
		_ = c.l2.Delete(ctx, key)
		metrics.CacheIntegrityFailuresTotal.Inc()
		c.auditMismatch(ctx, key, "l2")
		metrics.RecordCacheMiss()
		return Value{}, false, nil
	}

	c.l1.Set(key, v, c.defaultTTL)
	metrics.RecordCacheHit("l2")
	return v, true, nil
}

// Set writes L1 and, per policy, L2.
func (c *Cache) Set(ctx context.Context, key string, value Value, ttl time.Duration, policy Policy) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.l1.Set(key, value, ttl)

	if c.l2 == nil || policy == L1Only {
		return nil
	}

	if policy == WriteThrough {
		return c.l2.Set(ctx, key, value, ttl)
	}

	// WriteBack: best-effort, asynchronous.
	go func() {
		_ = c.l2.Set(context.Background(), key, value, ttl)
	}()
	return nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.l1.Delete(key)
	if c.l2 == nil {
		return nil
	}
	return c.l2.Delete(ctx, key)
}
