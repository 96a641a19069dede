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

package cli

import (
	"context"
	"fmt"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/github-sentinel/pkg/engine"
	"github.com/abcxyz/github-sentinel/pkg/version"
)

var _ cli.Command = (*ReplayCommand)(nil)

// ReplayCommand drives the bundled fixtures through the detection pipeline
// once and exits. It shares the server's configuration, so the fixture
// incidents land in the same database a later server run reads.
type ReplayCommand struct {
	cli.BaseCommand

	cfg *engine.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *ReplayCommand) Desc() string {
	return `Replay the bundled incident fixtures`
}

func (c *ReplayCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Replay the bundled incident fixtures through the detection pipeline.
`
}

func (c *ReplayCommand) Flags() *cli.FlagSet {
	c.cfg = &engine.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ReplayCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "running job",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	eng, err := engine.New(ctx, c.cfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close engine", "error", err)
		}
	}()

	emitted, err := eng.Replay().Run(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error replaying fixtures", "error", err)
		return fmt.Errorf("job execution failed: %w", err)
	}
	logger.InfoContext(ctx, "replayed fixtures", "ecosystem_incidents", emitted)

	return nil
}
