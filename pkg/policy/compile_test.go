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

import "testing"

const testConstitutionalID = "0123456789abcdef"

func validRule(name string) RuleSource {
	return RuleSource{
		Name: name,
		Content: `package governor.` + name + `

# constitutional_identifier: ` + testConstitutionalID + `
default decision = "deny"

decision = "allow" {
	input.compliance_score >= 0.95
}
`,
	}
}

func TestCompile_EmptyBundle(t *testing.T) {
	manifest, result, err := Compile(nil, testConstitutionalID)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if result.Score != 1.0 {
		t.Errorf("Score = %v, want 1.0 for empty bundle", result.Score)
	}
	if len(manifest.Files) != 0 {
		t.Errorf("Files = %v, want empty", manifest.Files)
	}
}

func TestCompile_ValidRule(t *testing.T) {
	_, result, err := Compile([]RuleSource{validRule("a")}, testConstitutionalID)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !result.PerRule["a"].Valid {
		t.Errorf("rule a: %+v, want valid", result.PerRule["a"])
	}
	if result.Score != 1.0 {
		t.Errorf("Score = %v, want 1.0", result.Score)
	}
}

func TestCompile_MissingConstitutionalIdentifier(t *testing.T) {
	rule := RuleSource{Name: "b", Content: `package governor.b
default decision = "deny"
decision = "allow" { input.x }
`}
	_, result, err := Compile([]RuleSource{rule}, testConstitutionalID)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if result.PerRule["b"].Valid {
		t.Error("rule without constitutional identifier should be invalid")
	}
}

func TestCompile_DuplicatePackage(t *testing.T) {
	a := validRule("dup")
	b := validRule("dup")
	b.Name = "dup2"
	_, result, err := Compile([]RuleSource{a, b}, testConstitutionalID)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if result.PerRule["dup2"].Valid {
		t.Error("second rule declaring the same package should be invalid")
	}
	if result.Score != 0.5 {
		t.Errorf("Score = %v, want 0.5 (1 of 2 valid)", result.Score)
	}
}

func TestCompile_UnbalancedBraces(t *testing.T) {
	rule := RuleSource{Name: "c", Content: `package governor.c
default decision = "deny"
decision = "allow" { input.x
`}
	_, result, err := Compile([]RuleSource{rule}, testConstitutionalID)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if result.PerRule["c"].Valid {
		t.Error("unbalanced braces should be invalid")
	}
}

func TestCompile_RoundTrip(t *testing.T) {
	rules := []RuleSource{validRule("rt1"), validRule("rt2")}
	m1, _, err := Compile(rules, testConstitutionalID)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m2, _, err := Compile(rules, testConstitutionalID)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(m1.Files) != len(m2.Files) {
		t.Fatalf("file counts differ: %d vs %d", len(m1.Files), len(m2.Files))
	}
	for i := range m1.Files {
		if m1.Files[i].Digest != m2.Files[i].Digest {
			t.Errorf("file %d digest differs across compiles", i)
		}
	}
}
