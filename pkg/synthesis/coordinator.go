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

package synthesis

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/consilium-ai/governor/internal/metrics"
	govterrors "github.com/consilium-ai/governor/internal/shared/errors"
)

// Coordinator is Component F: fans a request out across the configured
// model pool and reconciles partial answers under an ensemble strategy
// (spec.md §4.F).
type Coordinator struct {
	models                  []Model
	defaultStrategy         Strategy
	minModels               int
	modelTimeout            time.Duration
	constitutionalThreshold float64
	complianceTarget        float64
	biasThresholds          BiasVector
}

// NewCoordinator constructs a Coordinator over a fixed model pool. Three
// distinct strategies are assumed by spec.md §4.F (a primary reasoner, a
// constitutional-priority model, an adversarial checker); the pool may
// hold any number of models satisfying Model.
func NewCoordinator(models []Model, defaultStrategy Strategy, minModels int, modelTimeout time.Duration, constitutionalThreshold, complianceTarget float64, biasThresholds BiasVector) *Coordinator {
	return &Coordinator{
		models:                  models,
		defaultStrategy:         defaultStrategy,
		minModels:               minModels,
		modelTimeout:            modelTimeout,
		constitutionalThreshold: constitutionalThreshold,
		complianceTarget:        complianceTarget,
		biasThresholds:          biasThresholds,
	}
}

// Generate drafts content by fanning the prompt out to every model in
// the pool, with a per-call timeout. A timed-out or errored model is
// treated as non-responsive; the coordinator proceeds if at least two
// responded, else fails with EnsembleInsufficient (spec.md §4.F, §5).
func (c *Coordinator) Generate(ctx context.Context, prompt string, genCtx map[string]interface{}, strategy Strategy) (EnsembleResponse, error) {
	if strategy == "" {
		strategy = c.defaultStrategy
	}

	responses := c.fanOut(ctx, prompt, genCtx)

	var responded []ModelResponse
	for _, r := range responses {
		if r.Err == nil {
			responded = append(responded, r)
		}
	}

	minModels := c.minModels
	if minModels < 2 {
		minModels = 2
	}
	if len(responded) < minModels {
		return EnsembleResponse{PerModel: responses}, govterrors.Newf(govterrors.KindEnsembleInsufficient,
			"only %d of %d models responded, need >= %d", len(responded), len(responses), minModels)
	}

	weights := initialWeights(responded, strategy, c.constitutionalThreshold)

	biasBefore := aggregateBias(responded, weights)
	finalWeights := weights
	biasAfter := biasBefore
	if exceeded := biasBefore.Exceeds(c.biasThresholds); len(exceeded) > 0 {
		finalWeights, biasAfter = mitigate(responded, weights, c.biasThresholds)
		metrics.SynthesisBiasMitigationsTotal.Inc()
	}

	content := aggregateContent(responded, finalWeights, strategy)
	consensusConfidence := weightedAverage(responded, finalWeights, func(r ModelResponse) float64 { return r.Confidence })
	compliance := weightedAverage(responded, finalWeights, func(r ModelResponse) float64 { return r.ConstitutionalCompliance })
	reliability := reliabilityScore(responded, finalWeights, consensusConfidence, biasBefore, biasAfter)

	stillExceeded := biasAfter.Exceeds(c.biasThresholds)
	reviewRecommended := compliance < c.complianceTarget || len(stillExceeded) > 0

	return EnsembleResponse{
		Content:                  content,
		PerModel:                 responses,
		ConsensusConfidence:      consensusConfidence,
		ConstitutionalCompliance: compliance,
		ReliabilityScore:         reliability,
		BiasBeforeMitigation:     biasBefore,
		BiasAfterMitigation:      biasAfter,
		HumanReviewRecommended:   reviewRecommended,
		StrategyUsed:             strategy,
	}, nil
}

// fanOut calls every model concurrently with a shared per-call timeout,
// recording each one's outcome (including timeout/error) for audit.
func (c *Coordinator) fanOut(ctx context.Context, prompt string, genCtx map[string]interface{}) []ModelResponse {
	out := make([]ModelResponse, len(c.models))
	var wg sync.WaitGroup
	for i, m := range c.models {
		i, m := i, m
		wg.Add(1)
		go func() {
			defer wg.Done()
			mctx, cancel := context.WithTimeout(ctx, c.modelTimeout)
			defer cancel()

			start := time.Now()
			resp, err := m.Generate(mctx, prompt, genCtx)
			resp.ModelName = m.Name()
			resp.Latency = time.Since(start)
			resp.Err = err

			outcome := "success"
			if err != nil {
				outcome = "error"
				if mctx.Err() != nil {
					outcome = "timeout"
				}
			}
			metrics.SynthesisModelCallsTotal.WithLabelValues(m.Name(), outcome).Inc()

			out[i] = resp
		}()
	}
	wg.Wait()
	return out
}

// initialWeights assigns each responded model a starting weight per
// strategy. constitutional-priority gives the highest-compliance model
// full dominance once it clears threshold (the others get weight 0); if
// none clears it, all split evenly.
func initialWeights(responses []ModelResponse, strategy Strategy, constitutionalThreshold float64) map[string]float64 {
	weights := make(map[string]float64, len(responses))

	switch strategy {
	case StrategyMajorityVote:
		for _, r := range responses {
			weights[r.ModelName] = 1.0
		}
	case StrategyWeightedAverage:
		for _, r := range responses {
			weights[r.ModelName] = 1.0 / float64(len(responses))
		}
	case StrategyConfidenceWeighted:
		var total float64
		for _, r := range responses {
			total += r.Confidence
		}
		if total == 0 {
			total = 1
		}
		for _, r := range responses {
			weights[r.ModelName] = r.Confidence / total
		}
	case StrategyConstitutionalPriority:
		dominant := dominantByCompliance(responses, constitutionalThreshold)
		for _, r := range responses {
			if r.ModelName == dominant {
				weights[r.ModelName] = 1.0
			} else if dominant != "" {
				weights[r.ModelName] = 0.0
			} else {
				weights[r.ModelName] = 1.0 / float64(len(responses))
			}
		}
	default:
		for _, r := range responses {
			weights[r.ModelName] = 1.0 / float64(len(responses))
		}
	}
	return weights
}

func dominantByCompliance(responses []ModelResponse, threshold float64) string {
	var best string
	var bestScore float64 = -1
	for _, r := range responses {
		if r.ConstitutionalCompliance > bestScore {
			bestScore = r.ConstitutionalCompliance
			best = r.ModelName
		}
	}
	if bestScore >= threshold {
		return best
	}
	return ""
}

func aggregateContent(responses []ModelResponse, weights map[string]float64, strategy Strategy) string {
	if strategy == StrategyMajorityVote {
		counts := make(map[string]int)
		for _, r := range responses {
			counts[r.Content]++
		}
		var best string
		var bestCount int
		// deterministic tie-break: stable iteration over sorted content keys
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if counts[k] > bestCount {
				bestCount = counts[k]
				best = k
			}
		}
		return best
	}

	// Otherwise: the highest-weighted model's content wins.
	var best string
	var bestWeight float64 = -1
	for _, r := range responses {
		if w := weights[r.ModelName]; w > bestWeight {
			bestWeight = w
			best = r.Content
		}
	}
	return best
}

func weightedAverage(responses []ModelResponse, weights map[string]float64, extract func(ModelResponse) float64) float64 {
	var total, sum float64
	for _, r := range responses {
		w := weights[r.ModelName]
		sum += extract(r) * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

// reliabilityScore combines inter-model agreement, individual
// confidences, and bias-mitigation effectiveness (spec.md §4.F).
func reliabilityScore(responses []ModelResponse, weights map[string]float64, consensusConfidence float64, before, after BiasVector) float64 {
	agreement := contentAgreement(responses)
	mitigationGain := biasMagnitude(before) - biasMagnitude(after)
	if mitigationGain < 0 {
		mitigationGain = 0
	}
	score := 0.5*agreement + 0.4*consensusConfidence + 0.1*(1-math.Min(mitigationGain, 1))
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

func contentAgreement(responses []ModelResponse) float64 {
	if len(responses) == 0 {
		return 0
	}
	counts := make(map[string]int)
	for _, r := range responses {
		counts[r.Content]++
	}
	var maxCount int
	for _, n := range counts {
		if n > maxCount {
			maxCount = n
		}
	}
	return float64(maxCount) / float64(len(responses))
}

func biasMagnitude(b BiasVector) float64 {
	return (b.Demographic + b.Cultural + b.Linguistic + b.Temporal + b.Confirmation) / 5
}
