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
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/llms"
)

// AnthropicModel is the primary-reasoner ensemble member.
type AnthropicModel struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicModel constructs the primary-reasoner model over the
// Anthropic Messages API.
func NewAnthropicModel(apiKey string, model anthropic.Model) *AnthropicModel {
	return &AnthropicModel{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (m *AnthropicModel) Name() string { return "anthropic-primary-reasoner" }

func (m *AnthropicModel) Generate(ctx context.Context, prompt string, genCtx map[string]interface{}) (ModelResponse, error) {
	msg, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     m.model,
		MaxTokens: 2048,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(withContext(prompt, genCtx))),
		},
	})
	if err != nil {
		return ModelResponse{}, err
	}

	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return ModelResponse{
		Content:                  content,
		Confidence:               0.85,
		ConstitutionalCompliance: estimateCompliance(content),
		Bias:                     estimateBias(content),
	}, nil
}

// BedrockModel is the constitutional-priority ensemble member, invoked
// through Amazon Bedrock so weight management stays cloud-native.
type BedrockModel struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockModel constructs the constitutional-priority model from the
// default AWS credential chain.
func NewBedrockModel(ctx context.Context, modelID string) (*BedrockModel, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &BedrockModel{client: bedrockruntime.NewFromConfig(cfg), modelID: modelID}, nil
}

func (m *BedrockModel) Name() string { return "bedrock-constitutional-priority" }

func (m *BedrockModel) Generate(ctx context.Context, prompt string, genCtx map[string]interface{}) (ModelResponse, error) {
	body, err := json.Marshal(map[string]interface{}{
		"prompt":     withContext(prompt, genCtx),
		"max_tokens": 2048,
	})
	if err != nil {
		return ModelResponse{}, err
	}

	out, err := m.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(m.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return ModelResponse{}, err
	}

	var parsed struct {
		Completion string `json:"completion"`
	}
	_ = json.Unmarshal(out.Body, &parsed)

	return ModelResponse{
		Content:                  parsed.Completion,
		Confidence:               0.8,
		ConstitutionalCompliance: estimateCompliance(parsed.Completion),
		Bias:                     estimateBias(parsed.Completion),
	}, nil
}

// AdversarialModel is the adversarial-checker ensemble member, wrapping
// any langchaingo-compatible provider so the checker can be swapped
// independently of the other two fixed members.
type AdversarialModel struct {
	llm llms.Model
}

// NewAdversarialModel constructs the adversarial checker over a
// langchaingo llms.Model.
func NewAdversarialModel(llm llms.Model) *AdversarialModel {
	return &AdversarialModel{llm: llm}
}

func (m *AdversarialModel) Name() string { return "adversarial-checker" }

func (m *AdversarialModel) Generate(ctx context.Context, prompt string, genCtx map[string]interface{}) (ModelResponse, error) {
	adversarialPrompt := "Critique and attempt to find a constitutional violation in: " + withContext(prompt, genCtx)
	content, err := llms.GenerateFromSinglePrompt(ctx, m.llm, adversarialPrompt)
	if err != nil {
		return ModelResponse{}, err
	}

	return ModelResponse{
		Content:                  content,
		Confidence:               0.75,
		ConstitutionalCompliance: estimateCompliance(content),
		Bias:                     estimateBias(content),
	}, nil
}

// BreakerModel decorates any Model with a per-model circuit breaker so a
// failing provider degrades to fast failure instead of blocking the
// ensemble's per-call timeout budget.
type BreakerModel struct {
	inner   Model
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerModel wraps inner with a circuit breaker that opens once at
// least five requests have been counted and at least half of them failed.
func NewBreakerModel(inner Model) *BreakerModel {
	st := gobreaker.Settings{
		Name:    inner.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	}
	return &BreakerModel{inner: inner, breaker: gobreaker.NewCircuitBreaker(st)}
}

func (b *BreakerModel) Name() string { return b.inner.Name() }

func (b *BreakerModel) Generate(ctx context.Context, prompt string, genCtx map[string]interface{}) (ModelResponse, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Generate(ctx, prompt, genCtx)
	})
	if err != nil {
		return ModelResponse{}, err
	}
	return result.(ModelResponse), nil
}

func withContext(prompt string, genCtx map[string]interface{}) string {
	if len(genCtx) == 0 {
		return prompt
	}
	b, err := json.Marshal(genCtx)
	if err != nil {
		return prompt
	}
	return fmt.Sprintf("%s\n\ncontext: %s", prompt, string(b))
}

// estimateCompliance and estimateBias stand in for the fuller scoring
// models documented out of scope (spec.md §1 "the training/fine-tuning
// pipelines that produce the models"); they give every response a
// deterministic starting score the coordinator can aggregate: compliance
// 0.9 for non-empty content (0 for empty) and a zero bias vector.
func estimateCompliance(content string) float64 {
	if len(content) == 0 {
		return 0
	}
	return 0.9
}

func estimateBias(content string) BiasVector {
	return BiasVector{}
}
