// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/abcxyz/github-sentinel/pkg/incident"
)

const (
	defaultModel = "claude-3-5-haiku-20241022"

	llmMaxTokens = 450
	llmTimeout   = 20 * time.Second

	systemPrompt = "You are a security incident summarizer. Return ONLY JSON with keys " +
		"root_cause, impact, next_steps (arrays of 3-5 bullets), plus " +
		"why_this_fired (1 concise sentence, max 120 chars), " +
		"risk_trajectory (increasing|stable|recovering) and risk_trajectory_reason (1 sentence). " +
		"Do not include secrets or token values. Keep each bullet under 20 words."
)

// AnthropicLLM summarizes incidents with the Anthropic Messages API.
type AnthropicLLM struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicLLM creates a client. An empty model falls back to the
// default haiku model. Extra request options apply to every call.
func NewAnthropicLLM(apiKey, model string, opts ...option.RequestOption) *AnthropicLLM {
	if model == "" {
		model = defaultModel
	}
	clientOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicLLM{
		client: anthropic.NewClient(clientOpts...),
		model:  anthropic.Model(model),
	}
}

// Summarize implements LLM. The prompt carries the incident fields plus
// recent same-repo incidents as trend context. Evidence is redacted before
// it ever reaches an incident, so no secret values are sent.
func (l *AnthropicLLM) Summarize(ctx context.Context, inc *incident.Incident, recent []map[string]any) (map[string]any, error) {
	if recent == nil {
		recent = []map[string]any{}
	}
	prompt := map[string]any{
		"title":                 inc.Title,
		"kind":                  inc.Kind,
		"repo_full_name":        inc.RepoFullName,
		"workflow_name":         inc.WorkflowName,
		"status":                inc.Status,
		"conclusion":            inc.Conclusion,
		"tags":                  inc.Tags,
		"evidence":              inc.Evidence,
		"recent_repo_incidents": recent,
	}
	promptJSON, err := json.Marshal(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prompt: %w", err)
	}

	msg, err := l.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       l.model,
		MaxTokens:   llmMaxTokens,
		Temperature: anthropic.Float(0.2),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf("Summarize this incident:\n%s", promptJSON))),
		},
	}, option.WithRequestTimeout(llmTimeout))
	if err != nil {
		return nil, fmt.Errorf("messages request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text.String()), &payload); err != nil {
		return nil, fmt.Errorf("model did not return valid JSON: %w", err)
	}
	for _, key := range []string{"root_cause", "impact", "next_steps"} {
		if _, ok := payload[key]; !ok {
			return nil, fmt.Errorf("model response missing %q", key)
		}
	}

	trajectory, reason := validateTrajectory(payload)
	payload["risk_trajectory"] = trajectory
	payload["risk_trajectory_reason"] = reason
	payload["why_this_fired"] = validateWhy(payload)
	return payload, nil
}
