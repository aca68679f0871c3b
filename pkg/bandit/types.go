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

// Package bandit is Component G: a constrained contextual bandit
// (LinUCB-style) that selects among synthesis/policy arms under a
// conservative safety filter and a fixed constitutional-compliance
// invariant (spec.md §4.G).
package bandit

// Context is the recognised feature vector spec.md §4.G lists. Unknown
// features default to 0.5 (a neutral midpoint) or 0, never to a value
// that would bias selection.
type Context struct {
	SafetyLevel             float64
	ConstitutionalImportance float64
	Complexity              float64
	Urgency                 float64
	StakeholderImpact       float64
	PrincipleCount          float64
	RiskLevel               float64
	PrecedentStrength       float64
	TimeOfDay               float64
	TimePressure            float64
}

// Vector renders the context as the fixed-order feature vector the
// design matrix operates on, plus a constant bias term.
func (c Context) Vector() []float64 {
	return []float64{
		1.0, // bias term
		c.SafetyLevel,
		c.ConstitutionalImportance,
		c.Complexity,
		c.Urgency,
		c.StakeholderImpact,
		c.PrincipleCount,
		c.RiskLevel,
		c.PrecedentStrength,
		c.TimeOfDay,
		c.TimePressure,
	}
}

// Dimension is the length of Context.Vector(), fixed and small enough
// that the design-matrix math below stays plain Go (see DESIGN.md).
const Dimension = 11

// window is a bounded ring buffer of recent float64 samples.
type window struct {
	buf   []float64
	limit int
	pos   int
	full  bool
}

func newWindow(limit int) *window {
	if limit < 1 {
		limit = 1
	}
	return &window{buf: make([]float64, limit), limit: limit}
}

func (w *window) push(v float64) {
	w.buf[w.pos] = v
	w.pos = (w.pos + 1) % w.limit
	if w.pos == 0 {
		w.full = true
	}
}

func (w *window) values() []float64 {
	if !w.full {
		return append([]float64(nil), w.buf[:w.pos]...)
	}
	out := make([]float64, 0, w.limit)
	out = append(out, w.buf[w.pos:]...)
	out = append(out, w.buf[:w.pos]...)
	return out
}

func (w *window) len() int {
	if w.full {
		return w.limit
	}
	return w.pos
}
