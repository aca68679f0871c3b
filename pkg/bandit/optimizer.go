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

package bandit

import (
	"math"
	"sort"
	"sync"

	"github.com/consilium-ai/governor/internal/metrics"
	govterrors "github.com/consilium-ai/governor/internal/shared/errors"
)

// Arm is one selectable strategy in the bandit's action space, with its
// own design matrix, reward vector, pull count, and rolling windows
// (spec.md §3 "Arm Statistics").
type Arm struct {
	mu sync.Mutex

	Name  string
	A     *matrix
	b     []float64
	pulls int

	rewardWindow        *window
	constitutionalWindow *window
	safetyWindow         *window

	// sliding-window change-point state (spec.md §4.G optional variant)
	changePointFlagged bool
}

func newArm(name string, dim int, lambda float64, windowSize int) *Arm {
	return &Arm{
		Name:                 name,
		A:                    newIdentity(dim, lambda),
		b:                    make([]float64, dim),
		rewardWindow:         newWindow(windowSize),
		constitutionalWindow: newWindow(windowSize),
		safetyWindow:         newWindow(windowSize),
	}
}

func (a *Arm) theta() []float64 {
	return a.A.inverse().mulVec(a.b)
}

func (a *Arm) estimatedReward(x []float64) float64 {
	theta := a.theta()
	var sum float64
	for i := range x {
		sum += theta[i] * x[i]
	}
	return sum
}

func (a *Arm) confidenceBound(x []float64, alpha float64) float64 {
	return alpha * math.Sqrt(math.Max(a.A.inverse().quadForm(x), 0))
}

func (a *Arm) avgConstitutionalScore() float64 {
	return mean(a.constitutionalWindow.values())
}

// Selection is Select's outcome for one arm, retained for audit/metrics.
type Selection struct {
	Arm                  string
	EstimatedReward      float64
	LowerConfidenceBound float64
	UpperConfidenceBound float64
	Eligible             bool
	Fallback             bool
}

// ErrNoSafeArm is returned when no arm clears the safety filter and
// fallback-to-baseline is disabled (spec.md §4.G, boundary behaviour).
var ErrNoSafeArm = govterrors.New(govterrors.KindSafetyViolation, nil)

// Optimizer is Component G: the constrained contextual bandit.
type Optimizer struct {
	mu   sync.Mutex
	arms map[string]*Arm

	dim                int
	lambda             float64
	alpha              float64
	safetyThreshold    float64
	minBaselineSamples int
	updateFrequency    int
	baselineWindowSize int
	fallbackToBaseline bool
	slidingWindow      bool
	windowSize         int

	constitutionalID string

	baselinePerformance float64
	updatesSinceRefresh int
	baselineWindow      *window
}

// Config bundles Optimizer's construction parameters (spec.md §6).
type Config struct {
	ConstitutionalIdentifier string

	SafetyThreshold    float64
	MinBaselineSamples int
	Lambda             float64
	Alpha              float64
	UpdateFrequency    int
	BaselineWindow     int
	FallbackToBaseline bool
	SlidingWindow      bool
	WindowSize         int
}

// New constructs an Optimizer with no arms yet registered; arms are
// created lazily on first Select/Update for a previously unseen name.
func New(cfg Config) *Optimizer {
	if cfg.Lambda <= 0 {
		cfg.Lambda = 1.0
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = 1.0
	}
	if cfg.BaselineWindow < 1 {
		cfg.BaselineWindow = 100
	}
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 200
	}
	if cfg.UpdateFrequency < 1 {
		cfg.UpdateFrequency = 1
	}
	return &Optimizer{
		arms:               make(map[string]*Arm),
		constitutionalID:   cfg.ConstitutionalIdentifier,
		dim:                Dimension,
		lambda:             cfg.Lambda,
		alpha:              cfg.Alpha,
		safetyThreshold:    cfg.SafetyThreshold,
		minBaselineSamples: cfg.MinBaselineSamples,
		updateFrequency:    cfg.UpdateFrequency,
		baselineWindowSize: cfg.BaselineWindow,
		fallbackToBaseline: cfg.FallbackToBaseline,
		slidingWindow:      cfg.SlidingWindow,
		windowSize:         cfg.WindowSize,
		baselineWindow:     newWindow(cfg.BaselineWindow),
	}
}

func (o *Optimizer) armFor(name string) *Arm {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.arms[name]
	if !ok {
		a = newArm(name, o.dim, o.lambda, o.windowSize)
		o.arms[name] = a
	}
	return a
}

// Select implements spec.md §4.G's five-step selection algorithm: build
// the context vector, score every candidate arm, apply the conservative
// safety filter, and pick the argmax of (UCB + a small constitutional
// exploration bonus) among eligible arms.
func (o *Optimizer) Select(ctx Context, candidateArms []string) (string, Selection, error) {
	x := ctx.Vector()

	o.mu.Lock()
	baseline := o.baselinePerformance
	haveBaseline := o.baselineWindow.len() >= o.minBaselineSamples
	o.mu.Unlock()

	var best string
	var bestScore float64
	var bestSelection Selection
	found := false

	var fallbackName string
	var fallbackDistance = math.Inf(1)
	var fallbackSelection Selection

	for _, name := range candidateArms {
		a := o.armFor(name)
		a.mu.Lock()
		est := a.estimatedReward(x)
		cb := a.confidenceBound(x, o.alpha)
		lcb := est - cb
		ucb := est + cb
		pulls := a.pulls
		bonus := 0.05 * a.avgConstitutionalScore()
		if o.slidingWindow && a.changePointFlagged {
			bonus += changePointExplorationBonus
			a.changePointFlagged = false
		}
		a.mu.Unlock()

		eligible := pulls < o.minBaselineSamples || !haveBaseline || lcb >= baseline-o.safetyThreshold

		sel := Selection{Arm: name, EstimatedReward: est, LowerConfidenceBound: lcb, UpperConfidenceBound: ucb, Eligible: eligible}

		dist := math.Abs(est - baseline)
		if dist < fallbackDistance {
			fallbackDistance = dist
			fallbackName = name
			fallbackSelection = sel
		}

		if !eligible {
			continue
		}
		score := ucb + bonus
		if !found || score > bestScore {
			found = true
			bestScore = score
			best = name
			bestSelection = sel
		}
	}

	if found {
		metrics.BanditSelectionsTotal.WithLabelValues(best).Inc()
		return best, bestSelection, nil
	}

	metrics.BanditSafetyViolationsTotal.Inc()
	if o.fallbackToBaseline && fallbackName != "" {
		fallbackSelection.Fallback = true
		metrics.BanditSelectionsTotal.WithLabelValues(fallbackName).Inc()
		return fallbackName, fallbackSelection, nil
	}
	return "", Selection{}, ErrNoSafeArm
}

// Update performs LinUCB's online update for one arm, appends to its
// rolling windows, and refreshes the baseline every UpdateFrequency
// rounds — periodic cadence per spec.md §9's Open Question resolution
// (see DESIGN.md). A reward update that does not carry the configured
// constitutional identifier is rejected before touching any arm state
// (spec.md §4.G invariant).
func (o *Optimizer) Update(name string, reward, constitutionalScore, safetyScore float64, ctx Context, constitutionalID string) error {
	if constitutionalID != o.constitutionalID {
		return govterrors.Newf(govterrors.KindConstitutionalMismatch,
			"reward update for arm %q carries identifier %q, want %q", name, constitutionalID, o.constitutionalID)
	}

	a := o.armFor(name)
	x := ctx.Vector()

	a.mu.Lock()
	a.A.addOuterProduct(x)
	for i := range a.b {
		a.b[i] += reward * x[i]
	}
	a.pulls++
	a.rewardWindow.push(reward)
	a.constitutionalWindow.push(constitutionalScore)
	a.safetyWindow.push(safetyScore)

	if o.slidingWindow {
		detectChangePoint(a)
	}
	a.mu.Unlock()

	o.mu.Lock()
	o.baselineWindow.push(reward)
	o.updatesSinceRefresh++
	if o.updatesSinceRefresh >= o.updateFrequency {
		o.baselinePerformance = percentile(o.baselineWindow.values(), 25)
		o.updatesSinceRefresh = 0
	}
	o.mu.Unlock()
	return nil
}

// BaselinePerformance returns the current conservative baseline (spec.md
// §3 "Baseline (bandit)").
func (o *Optimizer) BaselinePerformance() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.baselinePerformance
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// percentile returns the p-th percentile (0-100) of values using
// nearest-rank interpolation.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := (p / 100) * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
