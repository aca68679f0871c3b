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

package cache

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/consilium-ai/governor/pkg/audit"
)

var _ = Describe("Cache", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("L1-only cache", func() {
		var c *Cache

		BeforeEach(func() {
			c = New(1000, time.Minute, nil)
		})

		It("returns a miss for an absent key", func() {
			_, ok, err := c.Get(ctx, "absent")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("round-trips set(k,v); get(k) until eviction", func() {
			v := NewValue([]byte("payload"), testConstitutionalID)
			Expect(c.Set(ctx, "k1", v, time.Minute, L1Only)).To(Succeed())

			got, ok, err := c.Get(ctx, "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(got.Payload).To(Equal(v.Payload))
		})

		It("treats a negative/zero ttl as defaultTTL", func() {
			v := NewValue([]byte("payload"), testConstitutionalID)
			Expect(c.Set(ctx, "k1", v, 0, L1Only)).To(Succeed())
			_, ok, err := c.Get(ctx, "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("expires entries past their TTL", func() {
			v := NewValue([]byte("payload"), testConstitutionalID)
			Expect(c.Set(ctx, "k1", v, 10*time.Millisecond, L1Only)).To(Succeed())
			time.Sleep(25 * time.Millisecond)

			_, ok, err := c.Get(ctx, "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("evicts on integrity digest mismatch instead of returning a stale hit", func() {
			v := NewValue([]byte("payload"), testConstitutionalID)
			Expect(c.Set(ctx, "k1", v, time.Minute, L1Only)).To(Succeed())

			// tamper with the stored payload directly via a fresh Get/Set round-trip
			tampered := v
			tampered.Payload = []byte("tampered")
			c.l1.Set("k1", tampered, time.Minute)

			_, ok, err := c.Get(ctx, "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("emits an audit event on an integrity-digest eviction when a sink is wired", func() {
			log := audit.NewMemoryStore()
			c.SetAuditSink(log, testConstitutionalID)

			v := NewValue([]byte("payload"), testConstitutionalID)
			Expect(c.Set(ctx, "k1", v, time.Minute, L1Only)).To(Succeed())
			tampered := v
			tampered.Payload = []byte("tampered")
			c.l1.Set("k1", tampered, time.Minute)

			_, ok, err := c.Get(ctx, "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			events, err := log.Tail(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(events[0].Kind).To(Equal(audit.KindCacheIntegrity))
		})

		It("deletes from L1", func() {
			v := NewValue([]byte("payload"), testConstitutionalID)
			Expect(c.Set(ctx, "k1", v, time.Minute, L1Only)).To(Succeed())
			Expect(c.Delete(ctx, "k1")).To(Succeed())

			_, ok, err := c.Get(ctx, "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("two-tier cache with Redis L2", func() {
		var (
			c  *Cache
			mr *miniredis.Miniredis
		)

		BeforeEach(func() {
			var err error
			mr, err = miniredis.Run()
			Expect(err).NotTo(HaveOccurred())

			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			l2 := NewRedisL2(client)
			c = New(1000, time.Minute, l2)
		})

		AfterEach(func() {
			mr.Close()
		})

		It("promotes an L2 hit to L1", func() {
			v := NewValue([]byte("payload"), testConstitutionalID)
			Expect(c.Set(ctx, "k1", v, time.Minute, WriteThrough)).To(Succeed())

			// Clear L1 directly, forcing the next Get to come from L2.
			c.l1.Delete("k1")

			got, ok, err := c.Get(ctx, "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(got.Payload).To(Equal(v.Payload))

			// Now it should be present in L1 again.
			l1Val, ok := c.l1.Get("k1")
			Expect(ok).To(BeTrue())
			Expect(l1Val.Payload).To(Equal(v.Payload))
		})

		It("write-back does not block Set on the L2 round trip", func() {
			v := NewValue([]byte("payload"), testConstitutionalID)
			start := time.Now()
			Expect(c.Set(ctx, "k1", v, time.Minute, WriteBack)).To(Succeed())
			Expect(time.Since(start)).To(BeNumerically("<", 50*time.Millisecond))

			Eventually(func() bool {
				_, ok, _ := c.l2.Get(ctx, "k1")
				return ok
			}, time.Second).Should(BeTrue())
		})

		It("deletes from both tiers", func() {
			v := NewValue([]byte("payload"), testConstitutionalID)
			Expect(c.Set(ctx, "k1", v, time.Minute, WriteThrough)).To(Succeed())
			Expect(c.Delete(ctx, "k1")).To(Succeed())

			_, l1ok := c.l1.Get("k1")
			Expect(l1ok).To(BeFalse())
			_, l2ok, err := c.l2.Get(ctx, "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(l2ok).To(BeFalse())
		})
	})
})

var _ = Describe("Value", func() {
	It("verifies successfully immediately after construction", func() {
		v := NewValue([]byte("payload"), testConstitutionalID)
		Expect(v.Verify()).To(BeTrue())
	})

	It("fails verification if the payload is mutated after construction", func() {
		v := NewValue([]byte("payload"), testConstitutionalID)
		v.Payload = []byte("different")
		Expect(v.Verify()).To(BeFalse())
	})

	It("fails verification if the constitutional identifier changes", func() {
		v := NewValue([]byte("payload"), testConstitutionalID)
		v.ConstitutionalIdentifier = "fedcba9876543210"
		Expect(v.Verify()).To(BeFalse())
	})
})
