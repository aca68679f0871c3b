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

import "time"

// alertLimiter rate-limits KindAlert emission per (kind, window) so a
// breach never recurses into more alerts (spec.md §4.B).
type alertLimiter struct {
	threshold int
	window    time.Duration
	counts    map[Kind][]time.Time
}

func newAlertLimiter(threshold int, window time.Duration) *alertLimiter {
	return &alertLimiter{
		threshold: threshold,
		window:    window,
		counts:    make(map[Kind][]time.Time),
	}
}

// shouldAlert records one occurrence of kind and reports whether the
// threshold for kind has just been crossed within the current window.
// Once raised within a window, it will not re-raise until the window of
// occurrences has rolled past the threshold again.
func (a *alertLimiter) shouldAlert(kind Kind) bool {
	now := time.Now()
	cutoff := now.Add(-a.window)

	occurrences := a.counts[kind]
	kept := occurrences[:0]
	for _, t := range occurrences {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	a.counts[kind] = kept

	return len(kept) == a.threshold
}
