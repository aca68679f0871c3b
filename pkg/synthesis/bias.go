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

// aggregateBias averages the per-model bias vectors, weighted by each
// model's current weight, producing the ensemble's aggregate bias vector
// (spec.md §4.F).
func aggregateBias(responses []ModelResponse, weights map[string]float64) BiasVector {
	var total float64
	var sum BiasVector
	for _, r := range responses {
		w := weights[r.ModelName]
		sum.Demographic += r.Bias.Demographic * w
		sum.Cultural += r.Bias.Cultural * w
		sum.Linguistic += r.Bias.Linguistic * w
		sum.Temporal += r.Bias.Temporal * w
		sum.Confirmation += r.Bias.Confirmation * w
		total += w
	}
	if total == 0 {
		return BiasVector{}
	}
	return BiasVector{
		Demographic:  sum.Demographic / total,
		Cultural:     sum.Cultural / total,
		Linguistic:   sum.Linguistic / total,
		Temporal:     sum.Temporal / total,
		Confirmation: sum.Confirmation / total,
	}
}

// mitigate halves the weight of the model with the highest raw score on
// each exceeded dimension, then returns the re-aggregated bias vector. It
// makes a single mitigation pass (spec.md §4.F); a dimension still over
// threshold after that pass is not mitigated further, and Generate flags
// the response for human review.
func mitigate(responses []ModelResponse, weights map[string]float64, thresholds BiasVector) (map[string]float64, BiasVector) {
	before := aggregateBias(responses, weights)
	exceeded := before.Exceeds(thresholds)
	if len(exceeded) == 0 {
		return weights, before
	}

	penalised := make(map[string]float64, len(weights))
	for k, v := range weights {
		penalised[k] = v
	}

	for _, dim := range exceeded {
		offender := worstContributor(responses, dim)
		if offender == "" {
			continue
		}
		penalised[offender] *= 0.5
	}

	after := aggregateBias(responses, penalised)
	return penalised, after
}

func worstContributor(responses []ModelResponse, dimension string) string {
	var worstModel string
	var worstScore float64 = -1
	for _, r := range responses {
		var score float64
		switch dimension {
		case "demographic":
			score = r.Bias.Demographic
		case "cultural":
			score = r.Bias.Cultural
		case "linguistic":
			score = r.Bias.Linguistic
		case "temporal":
			score = r.Bias.Temporal
		case "confirmation":
			score = r.Bias.Confirmation
		}
		if score > worstScore {
			worstScore = score
			worstModel = r.ModelName
		}
	}
	return worstModel
}
