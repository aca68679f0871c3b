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

package audit

import (
	"context"

	"github.com/itchyny/gojq"

	govterrors "github.com/consilium-ai/governor/internal/shared/errors"
)

// Query runs an ad-hoc jq-style predicate over each event's payload,
// supplementing Tail/Range with filtering the spec doesn't otherwise
// provide a query language for (e.g. "all security_violation events for
// a given candidate").
//
// jqExpr is evaluated against a JSON-like object of the form:
//
//	{sequence, timestamp, actor, kind, payload, constitutional_identifier}
//
// and must evaluate to a boolean; events for which it evaluates truthy
// are returned, in sequence order.
func (s *MemoryStore) Query(ctx context.Context, jqExpr string) ([]*Event, error) {
	query, err := gojq.Parse(jqExpr)
	if err != nil {
		return nil, govterrors.Wrapf(err, "parse jq expression %q", jqExpr)
	}

	events := s.snapshot()
	var out []*Event
	for _, ev := range events {
		match, err := evalPredicate(ctx, query, eventToMap(ev))
		if err != nil {
			return nil, govterrors.Wrapf(err, "evaluate jq expression against sequence %d", ev.Sequence)
		}
		if match {
			out = append(out, ev)
		}
	}
	return out, nil
}

func evalPredicate(ctx context.Context, query *gojq.Query, input map[string]interface{}) (bool, error) {
	iter := query.RunWithContext(ctx, input)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, ok := v.(error); ok {
		return false, err
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case nil:
		return false, nil
	default:
		return true, nil
	}
}

func eventToMap(ev *Event) map[string]interface{} {
	return map[string]interface{}{
		"sequence":                  ev.Sequence,
		"timestamp":                 ev.Timestamp,
		"actor":                     ev.Actor,
		"kind":                      string(ev.Kind),
		"prior_digest":              ev.PriorDigest,
		"payload":                   ev.Payload,
		"digest":                    ev.Digest,
		"constitutional_identifier": ev.ConstitutionalIdentifier,
	}
}
