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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("MemoryStore", func() {
	var (
		ctx   context.Context
		store *MemoryStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = NewMemoryStore()
	})

	// INV-2: event_n.digest = H(event_{n-1}.digest || event_n.payload || event_n.timestamp)
	Describe("Append", func() {
		It("assigns strictly monotonic sequences and chains digests", func() {
			ev1, err := store.Append(ctx, "policy", KindBundleActivation, map[string]interface{}{"bundle": "v1"}, testConstitutionalID)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev1.Sequence).To(Equal(uint64(1)))
			Expect(ev1.PriorDigest).To(Equal(genesisDigest))

			ev2, err := store.Append(ctx, "policy", KindBundleActivation, map[string]interface{}{"bundle": "v2"}, testConstitutionalID)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev2.Sequence).To(Equal(uint64(2)))
			Expect(ev2.PriorDigest).To(Equal(ev1.Digest))
		})

		It("stamps the configured constitutional identifier on every event", func() {
			ev, err := store.Append(ctx, "policy", KindBundleActivation, nil, testConstitutionalID)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.ConstitutionalIdentifier).To(Equal(testConstitutionalID))
		})
	})

	Describe("VerifyChain", func() {
		It("succeeds for any non-empty chain built solely through Append", func() {
			for i := 0; i < 5; i++ {
				_, err := store.Append(ctx, "policy", KindCandidateTransition, map[string]interface{}{"n": i}, testConstitutionalID)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(store.VerifyChain(ctx)).To(Succeed())
		})

		It("fails when a digest has been tampered with", func() {
			_, err := store.Append(ctx, "policy", KindCandidateTransition, map[string]interface{}{"n": 1}, testConstitutionalID)
			Expect(err).NotTo(HaveOccurred())

			store.events[0].Digest = "tampered"
			Expect(store.VerifyChain(ctx)).To(HaveOccurred())
		})
	})

	Describe("Tail and Range", func() {
		BeforeEach(func() {
			for i := 0; i < 10; i++ {
				_, err := store.Append(ctx, "policy", KindCandidateTransition, map[string]interface{}{"n": i}, testConstitutionalID)
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("returns the last n events", func() {
			tail, err := store.Tail(ctx, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(tail).To(HaveLen(3))
			Expect(tail[2].Sequence).To(Equal(uint64(10)))
		})

		It("returns events within an inclusive sequence range", func() {
			rng, err := store.Range(ctx, 2, 4)
			Expect(err).NotTo(HaveOccurred())
			Expect(rng).To(HaveLen(3))
			Expect(rng[0].Sequence).To(Equal(uint64(2)))
			Expect(rng[2].Sequence).To(Equal(uint64(4)))
		})
	})

	Describe("Alert rate limiting", func() {
		It("emits exactly one alert event when a kind crosses its threshold within the window", func() {
			for i := 0; i < 10; i++ {
				_, err := store.Append(ctx, "policy", KindSafetyViolation, nil, testConstitutionalID)
				Expect(err).NotTo(HaveOccurred())
			}
			alerts, err := store.Range(ctx, 1, 10)
			Expect(err).NotTo(HaveOccurred())
			count := 0
			for _, ev := range alerts {
				if ev.Kind == KindAlert {
					count++
				}
			}
			Expect(count).To(Equal(1))
		})

		It("never recurses: alert emission itself is never alerted on", func() {
			for i := 0; i < 40; i++ {
				_, err := store.Append(ctx, "policy", KindSafetyViolation, nil, testConstitutionalID)
				Expect(err).NotTo(HaveOccurred())
			}
			all, err := store.Range(ctx, 1, 40)
			Expect(err).NotTo(HaveOccurred())
			alertCount := 0
			for _, ev := range all {
				if ev.Kind == KindAlert {
					alertCount++
				}
			}
			Expect(alertCount).To(BeNumerically(">=", 1))
		})
	})
})
