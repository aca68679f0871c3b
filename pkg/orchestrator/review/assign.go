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

package review

import (
	"sort"
	"strings"
)

// roleWeight ranks a reviewer's role by the seniority the orchestrator
// prefers for borderline candidates (spec.md §4.I "weighted match over
// expertise, role, quality score, and current workload").
var roleWeight = map[string]float64{
	"compliance-officer": 1.0,
	"senior-engineer":     0.8,
	"engineer":            0.6,
}

// score combines expertise overlap, role seniority, historical quality,
// and spare capacity into a single match score in [0, 2.8]. Reviewers
// at or over capacity never score (HasCapacity is checked by the
// caller, not here, so this stays a pure scoring function).
func score(r Reviewer, requiredExpertise []string) float64 {
	overlap := 0
	for _, want := range requiredExpertise {
		for _, have := range r.Expertise {
			if strings.EqualFold(want, have) {
				overlap++
				break
			}
		}
	}
	expertiseScore := 0.0
	if len(requiredExpertise) > 0 {
		expertiseScore = float64(overlap) / float64(len(requiredExpertise))
	}

	capacity := 1.0
	if r.MaxConcurrent > 0 {
		capacity = 1.0 - float64(r.CurrentWorkload)/float64(r.MaxConcurrent)
	}

	return expertiseScore + roleWeight[r.Role] + r.QualityScore*0.5 + capacity*0.3
}

// Assign picks the top `count` reviewers with spare capacity, ranked by
// score descending, ties broken by reviewer ID for determinism
// (spec.md §4.I).
func Assign(roster []Reviewer, requiredExpertise []string, count int) []Reviewer {
	var eligible []Reviewer
	for _, r := range roster {
		if r.HasCapacity() {
			eligible = append(eligible, r)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		si, sj := score(eligible[i], requiredExpertise), score(eligible[j], requiredExpertise)
		if si != sj {
			return si > sj
		}
		return eligible[i].ID < eligible[j].ID
	})

	if count > len(eligible) {
		count = len(eligible)
	}
	return eligible[:count]
}
