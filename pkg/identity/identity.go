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

// Package identity is Component A: it stamps and verifies the
// constitutional identifier, the fixed 16-hex-character compatibility
// tag every cross-component message and persisted record must carry.
//
// The component is intentionally small: it is universally consulted, not
// universally complex. A mismatch at any boundary is always fatal to the
// operation (spec §4.A).
package identity

import (
	"regexp"

	govterrors "github.com/consilium-ai/governor/internal/shared/errors"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Stampable is anything that can carry a constitutional identifier.
type Stampable interface {
	ConstitutionalID() string
	SetConstitutionalID(id string)
}

// Authority holds the single configured constitutional identifier and
// stamps/verifies it on records flowing through every component.
type Authority struct {
	id string
}

// New constructs an Authority for the given identifier. The identifier
// must already have been validated by internal/config (16 lowercase hex
// characters); New re-validates defensively since Authority may be
// constructed directly in tests.
func New(constitutionalID string) (*Authority, error) {
	if !idPattern.MatchString(constitutionalID) {
		return nil, govterrors.New(govterrors.KindConstitutionalMismatch,
			govterrors.ValidationError("constitutional_identifier", "must be 16 lowercase hex characters"))
	}
	return &Authority{id: constitutionalID}, nil
}

// ID returns the configured constitutional identifier.
func (a *Authority) ID() string { return a.id }

// Stamp sets the configured identifier on a record, overwriting whatever
// it may already carry. Used on egress / record creation.
func (a *Authority) Stamp(s Stampable) {
	s.SetConstitutionalID(a.id)
}

// Verify checks that a record's identifier matches the configured one.
// A mismatch (including an empty identifier) returns ConstitutionalMismatch;
// callers must fail the originating operation on a non-nil return, never
// recover silently (spec §4.A, §7).
func (a *Authority) Verify(s Stampable) error {
	got := s.ConstitutionalID()
	if got == "" {
		return govterrors.New(govterrors.KindConstitutionalMismatch,
			govterrors.ValidationError("constitutional_id", "missing"))
	}
	if got != a.id {
		return govterrors.Newf(govterrors.KindConstitutionalMismatch,
			"constitutional identifier mismatch: got %q, want %q", got, a.id)
	}
	return nil
}

// VerifyString is the same check for callers that only have the raw tag,
// not a full Stampable record (e.g. an ingress HTTP header).
func (a *Authority) VerifyString(id string) error {
	if id != a.id {
		return govterrors.Newf(govterrors.KindConstitutionalMismatch,
			"constitutional identifier mismatch: got %q, want %q", id, a.id)
	}
	return nil
}
