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

package sandbox

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	govterrors "github.com/consilium-ai/governor/internal/shared/errors"
)

// RegistryVerifier is the production ImageVerifier: it resolves the
// image reference against its registry and compares the resulting
// content digest to the expected one, refusing admission on any
// mismatch (spec.md §4.H "image-digest integrity check before
// admission").
type RegistryVerifier struct{}

// NewRegistryVerifier constructs the default registry-backed verifier.
func NewRegistryVerifier() *RegistryVerifier { return &RegistryVerifier{} }

func (RegistryVerifier) VerifyDigest(ctx context.Context, image, expectedDigest string) error {
	ref, err := name.ParseReference(image)
	if err != nil {
		return govterrors.New(govterrors.KindSandboxViolation, err)
	}

	desc, err := remote.Get(ref, remote.WithContext(ctx))
	if err != nil {
		return govterrors.New(govterrors.KindSandboxViolation, err)
	}

	if desc.Digest.String() != expectedDigest {
		return govterrors.New(govterrors.KindSandboxViolation,
			fmt.Errorf("image digest mismatch: got %s, want %s", desc.Digest.String(), expectedDigest))
	}
	return nil
}
