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

// Package audit is Component B: the append-only, sequenced, hash-chained
// event log every other component writes to.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Kind enumerates the closed set of audit event kinds.
type Kind string

const (
	KindConstitutionalViolation Kind = "constitutional_violation"
	KindSecurityViolation       Kind = "security_violation"
	KindBundleActivation        Kind = "bundle_activation"
	KindBundleRollback          Kind = "bundle_rollback"
	KindCandidateTransition     Kind = "candidate_transition"
	KindSafetyViolation         Kind = "safety_violation"
	KindReviewCreated           Kind = "review_created"
	KindReviewDecision          Kind = "review_decision"
	KindReviewTimeout           Kind = "review_timeout"
	KindCacheIntegrity          Kind = "cache_integrity_mismatch"
	KindAlert                   Kind = "alert"
)

// retentionDays maps a Kind to its minimum retention window (spec.md §4.B).
// Kinds not listed here default to the security retention window.
var retentionDays = map[Kind]int{
	KindConstitutionalViolation: 365,
	KindBundleActivation:        365,
	KindBundleRollback:          365,
}

// RetentionDays returns the minimum number of days a given kind of event
// must be retained.
func RetentionDays(k Kind, securityDays, constitutionalDays int) int {
	if d, ok := retentionDays[k]; ok && d >= constitutionalDays {
		return d
	}
	if _, ok := retentionDays[k]; ok {
		return constitutionalDays
	}
	return securityDays
}

// Event is one hash-chained, sequenced audit record.
type Event struct {
	Sequence                 uint64                 `json:"sequence"`
	Timestamp                time.Time              `json:"timestamp"`
	Actor                    string                 `json:"actor"`
	Kind                     Kind                   `json:"kind"`
	PriorDigest              string                 `json:"prior_digest"`
	Payload                  map[string]interface{} `json:"payload"`
	Digest                   string                 `json:"digest"`
	ConstitutionalIdentifier string                 `json:"constitutional_identifier"`
}

// ConstitutionalID and SetConstitutionalID implement identity.Stampable.
func (e *Event) ConstitutionalID() string { return e.ConstitutionalIdentifier }
func (e *Event) SetConstitutionalID(id string) { e.ConstitutionalIdentifier = id }

// computeDigest computes this-digest = H(prior-digest || payload || timestamp),
// matching spec.md §3's Audit Event invariant.
func computeDigest(priorDigest string, payload map[string]interface{}, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(priorDigest))
	h.Write([]byte(canonicalizePayload(payload)))
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalizePayload produces a deterministic string representation of a
// payload map so the digest is stable regardless of Go map iteration order.
func canonicalizePayload(payload map[string]interface{}) string {
	keys := sortedKeys(payload)
	out := make([]byte, 0, 64)
	for _, k := range keys {
		out = append(out, []byte(fmt.Sprintf("%s=%v;", k, payload[k]))...)
	}
	return string(out)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion sort: payloads are small (a handful of fields), so this
	// avoids pulling in sort for a negligible-size slice while staying
	// deterministic.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

const genesisDigest = ""
