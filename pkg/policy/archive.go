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

package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

const manifestFileName = "manifest.yaml"

// WriteArchive persists a compiled bundle as a content-addressed
// directory under dir: one file per rule source plus a manifest.yaml
// (spec.md §6 "Rule bundle format"). The directory is named by the
// manifest digest, so an archive is immutable: writing the same bundle
// twice is a no-op, and two bundles can never collide without their
// content also being identical. Returns the archive path.
func WriteArchive(dir string, manifest Manifest, rules []RuleSource) (string, error) {
	if manifest.ManifestDigest == "" {
		return "", fmt.Errorf("refusing to archive a manifest with no digest")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, manifest.ManifestDigest)
	if _, err := os.Stat(filepath.Join(path, manifestFileName)); err == nil {
		return path, nil
	}

	// Build in a temp dir and rename so a crash mid-write never leaves a
	// partial archive addressable under its digest.
	tmp, err := os.MkdirTemp(dir, ".staging-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmp)

	byName := make(map[string]string, len(rules))
	for _, r := range rules {
		byName[r.Name] = r.Content
	}
	for _, f := range manifest.Files {
		content, ok := byName[f.Name]
		if !ok {
			return "", fmt.Errorf("manifest names %q but no such rule source was supplied", f.Name)
		}
		if sha256Hex(content) != f.Digest {
			return "", fmt.Errorf("rule %q content does not match its manifest digest", f.Name)
		}
		if err := os.WriteFile(filepath.Join(tmp, f.Name), []byte(content), 0o644); err != nil {
			return "", err
		}
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestFileName), data, 0o644); err != nil {
		return "", err
	}

	if err := os.Rename(tmp, path); err != nil {
		// A concurrent writer archiving the same digest won the rename;
		// its content is byte-identical by construction.
		if _, statErr := os.Stat(filepath.Join(path, manifestFileName)); statErr == nil {
			return path, nil
		}
		return "", err
	}
	return path, nil
}

// LoadArchive reads a bundle archive back, re-verifying every per-file
// digest and the overall manifest digest before returning it. A
// tampered or truncated archive fails to load rather than loading
// silently wrong (spec.md §8 round-trip property).
func LoadArchive(path string) (Manifest, []RuleSource, error) {
	var manifest Manifest

	data, err := os.ReadFile(filepath.Join(path, manifestFileName))
	if err != nil {
		return Manifest{}, nil, err
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, nil, fmt.Errorf("parse %s: %w", manifestFileName, err)
	}

	rules := make([]RuleSource, 0, len(manifest.Files))
	for _, f := range manifest.Files {
		content, err := os.ReadFile(filepath.Join(path, f.Name))
		if err != nil {
			return Manifest{}, nil, err
		}
		if sha256Hex(string(content)) != f.Digest {
			return Manifest{}, nil, fmt.Errorf("rule %q does not match its archived digest", f.Name)
		}
		rules = append(rules, RuleSource{Name: f.Name, Content: string(content)})
	}

	if manifestDigest(manifest) != manifest.ManifestDigest {
		return Manifest{}, nil, fmt.Errorf("archive manifest digest does not verify")
	}
	return manifest, rules, nil
}
