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
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

// EnvConfig holds the model settings for the summary worker. The API key is
// deliberately environment-only so it never appears on a command line or in
// a flag dump.
type EnvConfig struct {
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	AnthropicModel  string `env:"ANTHROPIC_MODEL,default=claude-3-5-haiku-20241022"`
}

// NewEnvConfig loads the worker settings from the process environment.
func NewEnvConfig(ctx context.Context) (*EnvConfig, error) {
	return newEnvConfig(ctx, envconfig.OsLookuper())
}

func newEnvConfig(ctx context.Context, lookuper envconfig.Lookuper) (*EnvConfig, error) {
	var cfg EnvConfig
	if err := envconfig.ProcessWith(ctx, &cfg, lookuper); err != nil {
		return nil, fmt.Errorf("failed to parse summary worker config: %w", err)
	}
	return &cfg, nil
}

// NewLLM builds the Anthropic client from the config, or nil when no API
// key is configured. A nil LLM makes the worker use the deterministic
// template for every summary.
func (cfg *EnvConfig) NewLLM() LLM {
	if cfg.AnthropicAPIKey == "" {
		return nil
	}
	return NewAnthropicLLM(cfg.AnthropicAPIKey, cfg.AnthropicModel)
}
