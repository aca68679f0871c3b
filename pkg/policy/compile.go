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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

// compiledBundle holds a bundle's prepared Rego query, kept behind a
// read-copy-update pointer by Engine so evaluators never block on
// activation (spec.md §5). query spans every rule package in the
// bundle, so Evaluate runs the rules themselves rather than re-deriving
// a verdict outside Rego (spec.md §4.D "run the active bundle's
// decision against the request").
type compiledBundle struct {
	query    *rego.PreparedEvalQuery
	pkgOwner map[string]string // rule package path -> owning RuleSource.Name
}

// compileForEval builds one Rego module set out of every rule source and
// prepares a single "data" query against it (one rego.Module per file,
// then rego.New/PrepareForEval); Compile, below, validates with
// ast.Compiler instead. Returns a bare compiledBundle
// (no query) for an empty rule set, matching the spec's "empty rule
// bundle evaluates to the bundle's default verdict" boundary.
func compileForEval(rules []RuleSource) (*compiledBundle, error) {
	if len(rules) == 0 {
		return &compiledBundle{}, nil
	}

	pkgOwner := make(map[string]string, len(rules))
	opts := make([]func(*rego.Rego), 0, len(rules)+1)
	opts = append(opts, rego.Query("data"))
	for _, r := range rules {
		mod, err := ast.ParseModule(r.Name, r.Content)
		if err != nil {
			return nil, err
		}
		pkgOwner[mod.Package.Path.String()] = r.Name
		opts = append(opts, rego.Module(r.Name, r.Content))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return nil, err
	}

	return &compiledBundle{query: &query, pkgOwner: pkgOwner}, nil
}

// Compile parses, syntactically validates, and semantically checks rule
// sources, returning per-rule validity and an overall score. No global
// state (spec.md §4.D); the manifest's Version and CreatedAt are taken
// from the current clock.
func Compile(rules []RuleSource, constitutionalID string) (Manifest, CompilationResult, error) {
	result := CompilationResult{PerRule: make(map[string]RuleValidity, len(rules))}

	modules := make(map[string]*ast.Module, len(rules))
	seenPackages := make(map[string]string, len(rules))
	frameworkMix := make(map[string]int)
	files := make([]FileDigest, 0, len(rules))

	validCount := 0
	for _, rs := range rules {
		if err := checkStructure(rs.Content, constitutionalID); err != nil {
			result.PerRule[rs.Name] = RuleValidity{Valid: false, Error: err.Error()}
			continue
		}

		mod, err := ast.ParseModule(rs.Name, rs.Content)
		if err != nil {
			result.PerRule[rs.Name] = RuleValidity{Valid: false, Error: err.Error()}
			continue
		}

		pkgPath := mod.Package.Path.String()
		if owner, dup := seenPackages[pkgPath]; dup {
			result.PerRule[rs.Name] = RuleValidity{
				Valid: false,
				Error: fmt.Sprintf("duplicate package %q also declared by %q", pkgPath, owner),
			}
			continue
		}
		seenPackages[pkgPath] = rs.Name

		modules[rs.Name] = mod
		frameworkMix[pkgPath]++
		files = append(files, FileDigest{Name: rs.Name, Digest: sha256Hex(rs.Content)})
		result.PerRule[rs.Name] = RuleValidity{Valid: true}
		validCount++
	}

	if len(rules) > 0 {
		result.Score = float64(validCount) / float64(len(rules))
	} else {
		result.Score = 1.0
	}

	// A bundle-level ast.Compiler catches cross-module errors (undefined
	// references, recursion) that per-file parsing alone cannot.
	compiler := ast.NewCompiler()
	compiler.Compile(modules)
	if compiler.Failed() {
		for _, e := range compiler.Errors {
			name := moduleNameForError(rules, e)
			rv := result.PerRule[name]
			rv.Valid = false
			if rv.Error == "" {
				rv.Error = e.Error()
			}
			result.PerRule[name] = rv
		}
		if len(rules) > 0 {
			validCount = countValid(result.PerRule)
			result.Score = float64(validCount) / float64(len(rules))
		}
	}

	manifest := Manifest{
		Version:                  sha256Hex(fmt.Sprintf("%d", time.Now().UnixNano())),
		Files:                    files,
		FrameworkMix:             frameworkMix,
		DefaultVerdict:           VerdictAllow,
		ConstitutionalIdentifier: constitutionalID,
		CreatedAt:                time.Now(),
	}
	manifest.ManifestDigest = manifestDigest(manifest)

	return manifest, result, nil
}

// checkStructure runs the explicit structural checks spec.md §4.D lists
// for parity with non-Rego rule sources supplied directly as text:
// presence of a package declaration, a default verdict, at least one
// decision clause, balanced braces, and the constitutional identifier.
func checkStructure(source, constitutionalID string) error {
	if !strings.Contains(source, "package ") {
		return fmt.Errorf("missing package declaration")
	}
	if !strings.Contains(source, "default ") {
		return fmt.Errorf("missing default verdict")
	}
	if !strings.Contains(source, "decision") && !strings.Contains(source, "verdict") {
		return fmt.Errorf("missing a decision clause")
	}
	if strings.Count(source, "{") != strings.Count(source, "}") {
		return fmt.Errorf("unbalanced braces")
	}
	if !strings.Contains(source, constitutionalID) {
		return fmt.Errorf("rule does not carry the constitutional identifier")
	}
	return nil
}

func moduleNameForError(rules []RuleSource, e *ast.Error) string {
	if e.Location != nil {
		for _, rs := range rules {
			if e.Location.File == rs.Name {
				return rs.Name
			}
		}
	}
	return "<bundle>"
}

func countValid(perRule map[string]RuleValidity) int {
	n := 0
	for _, rv := range perRule {
		if rv.Valid {
			n++
		}
	}
	return n
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func manifestDigest(m Manifest) string {
	var sb strings.Builder
	for _, f := range m.Files {
		sb.WriteString(f.Name)
		sb.WriteString(f.Digest)
	}
	sb.WriteString(string(m.DefaultVerdict))
	sb.WriteString(m.ConstitutionalIdentifier)
	return sha256Hex(sb.String())
}
