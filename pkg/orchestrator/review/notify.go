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
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Notifier announces review-request lifecycle events to reviewers
// (spec.md §4.I "reviewer notification").
type Notifier interface {
	NotifyAssigned(ctx context.Context, r *Request, reviewers []Reviewer) error
	NotifyTimedOut(ctx context.Context, r *Request) error
}

// SlackNotifier posts directly to each assigned reviewer's Slack user
// channel.
type SlackNotifier struct {
	client *slack.Client
}

func NewSlackNotifier(token string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token)}
}

func (n *SlackNotifier) NotifyAssigned(ctx context.Context, r *Request, reviewers []Reviewer) error {
	text := fmt.Sprintf("Review requested for candidate %s, deadline %s", r.CandidateID, r.Deadline.Format("2006-01-02 15:04 MST"))
	for _, rv := range reviewers {
		if rv.SlackUserID == "" {
			continue
		}
		if _, _, err := n.client.PostMessageContext(ctx, rv.SlackUserID, slack.MsgOptionText(text, false)); err != nil {
			return err
		}
	}
	return nil
}

func (n *SlackNotifier) NotifyTimedOut(ctx context.Context, r *Request) error {
	text := fmt.Sprintf("Review for candidate %s timed out; defaulting to deny", r.CandidateID)
	for _, id := range r.AssignedReviewers {
		if _, _, err := n.client.PostMessageContext(ctx, id, slack.MsgOptionText(text, false)); err != nil {
			return err
		}
	}
	return nil
}

// NoopNotifier discards notifications; used where no Slack webhook is
// configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifyAssigned(ctx context.Context, r *Request, reviewers []Reviewer) error {
	return nil
}
func (NoopNotifier) NotifyTimedOut(ctx context.Context, r *Request) error { return nil }
