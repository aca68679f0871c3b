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

// Package review implements the human-review sub-protocol the
// Governance Orchestrator invokes for borderline candidates: a reviewer
// directory, weighted reviewer assignment, and an approval-tracked
// review request record (spec.md §4.I).
package review

import "time"

// Status is a review request's lifecycle state (spec.md §3).
type Status string

const (
	StatusPending  Status = "pending"
	StatusInReview Status = "in-review"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusModified Status = "modified"
	StatusTimedOut Status = "timed-out"
)

// Reviewer is one entry in the reviewer roster available for weighted
// assignment. Expertise is a set of free-form tags matched against a
// request's RequiredExpertise.
type Reviewer struct {
	ID              string
	Name            string
	Role            string // e.g. "senior-engineer", "compliance-officer"
	Expertise       []string
	QualityScore    float64 // historical review quality, 0..1
	MaxConcurrent   int
	CurrentWorkload int
	SlackUserID     string
}

// HasCapacity reports whether the reviewer can take on another request.
func (r Reviewer) HasCapacity() bool {
	return r.CurrentWorkload < r.MaxConcurrent
}

// Feedback is one reviewer's recorded decision on a request.
type Feedback struct {
	ReviewerID string
	Decision   string // "approve" | "reject" | "modify"
	Comment    string
	DecidedAt  time.Time
}

// Request is the Human Review Request record (spec.md §3): created only
// when the orchestrator decides a candidate is borderline.
type Request struct {
	ID                       string
	CandidateID              string
	RequiredExpertise        []string
	AssignedReviewers        []string
	RequiredApprovals        int
	Feedback                 []Feedback
	Status                   Status
	Deadline                 time.Time
	CreatedAt                time.Time
	ConstitutionalIdentifier string
}

// ApprovalCount returns how many reviewers have recorded "approve" or
// "modify" (a modify is an approval conditioned on the noted changes).
func (r Request) ApprovalCount() int {
	n := 0
	for _, f := range r.Feedback {
		if f.Decision == "approve" || f.Decision == "modify" {
			n++
		}
	}
	return n
}

// RejectionCount returns how many reviewers have recorded "reject".
func (r Request) RejectionCount() int {
	n := 0
	for _, f := range r.Feedback {
		if f.Decision == "reject" {
			n++
		}
	}
	return n
}

func (r *Request) ConstitutionalID() string      { return r.ConstitutionalIdentifier }
func (r *Request) SetConstitutionalID(id string) { r.ConstitutionalIdentifier = id }
