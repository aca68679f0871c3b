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

var _ = Describe("Query", func() {
	var (
		ctx   context.Context
		store *MemoryStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = NewMemoryStore()

		_, err := store.Append(ctx, "sandbox", KindSecurityViolation, map[string]interface{}{"candidate_id": "c-1", "severity": "critical"}, testConstitutionalID)
		Expect(err).NotTo(HaveOccurred())
		_, err = store.Append(ctx, "sandbox", KindSecurityViolation, map[string]interface{}{"candidate_id": "c-2", "severity": "low"}, testConstitutionalID)
		Expect(err).NotTo(HaveOccurred())
		_, err = store.Append(ctx, "policy", KindBundleActivation, map[string]interface{}{"bundle": "v3"}, testConstitutionalID)
		Expect(err).NotTo(HaveOccurred())
	})

	It("filters events by kind via a jq predicate", func() {
		results, err := store.Query(ctx, `.kind == "security_violation"`)
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(2))
	})

	It("filters on nested payload fields", func() {
		results, err := store.Query(ctx, `.payload.candidate_id == "c-1"`)
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(1))
		Expect(results[0].Payload["candidate_id"]).To(Equal("c-1"))
	})

	It("combines predicates", func() {
		results, err := store.Query(ctx, `.kind == "security_violation" and .payload.severity == "critical"`)
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(1))
	})

	It("returns a parse error for malformed expressions", func() {
		_, err := store.Query(ctx, `.kind ===`)
		Expect(err).To(HaveOccurred())
	})
})
