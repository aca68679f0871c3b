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
	"os"
	"path/filepath"
	"testing"
)

func TestArchive_RoundTrip(t *testing.T) {
	rules := []RuleSource{validRule("a"), validRule("b")}
	manifest, _, err := Compile(rules, testConstitutionalID)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	dir := t.TempDir()
	path, err := WriteArchive(dir, manifest, rules)
	if err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	loadedManifest, loadedRules, err := LoadArchive(path)
	if err != nil {
		t.Fatalf("LoadArchive: %v", err)
	}
	if loadedManifest.ManifestDigest != manifest.ManifestDigest {
		t.Errorf("ManifestDigest = %q, want %q", loadedManifest.ManifestDigest, manifest.ManifestDigest)
	}
	for i, r := range loadedRules {
		if r.Content != rules[i].Content {
			t.Errorf("rule %q content changed across archive round-trip", r.Name)
		}
	}

	// compile -> archive -> load -> compile yields identical manifest
	// digests: the digest covers file content and the identifier, not
	// the creation timestamp.
	recompiled, _, err := Compile(loadedRules, testConstitutionalID)
	if err != nil {
		t.Fatalf("recompile: %v", err)
	}
	if recompiled.ManifestDigest != manifest.ManifestDigest {
		t.Errorf("recompiled ManifestDigest = %q, want %q", recompiled.ManifestDigest, manifest.ManifestDigest)
	}
}

func TestWriteArchive_Idempotent(t *testing.T) {
	rules := []RuleSource{validRule("a")}
	manifest, _, err := Compile(rules, testConstitutionalID)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	dir := t.TempDir()
	first, err := WriteArchive(dir, manifest, rules)
	if err != nil {
		t.Fatalf("first WriteArchive: %v", err)
	}
	second, err := WriteArchive(dir, manifest, rules)
	if err != nil {
		t.Fatalf("second WriteArchive: %v", err)
	}
	if first != second {
		t.Errorf("archive paths diverged: %q vs %q", first, second)
	}
}

func TestLoadArchive_TamperedRuleFails(t *testing.T) {
	rules := []RuleSource{validRule("a")}
	manifest, _, err := Compile(rules, testConstitutionalID)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	dir := t.TempDir()
	path, err := WriteArchive(dir, manifest, rules)
	if err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	if err := os.WriteFile(filepath.Join(path, "a"), []byte("package governor.a\n"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, _, err := LoadArchive(path); err == nil {
		t.Fatal("expected LoadArchive to reject a tampered rule file")
	}
}

func TestLoadArchive_MissingManifestFails(t *testing.T) {
	if _, _, err := LoadArchive(t.TempDir()); err == nil {
		t.Fatal("expected LoadArchive to fail with no manifest present")
	}
}
