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
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/abcxyz/pkg/serving"

	"github.com/abcxyz/github-sentinel/pkg/engine"
	"github.com/abcxyz/github-sentinel/pkg/server"
	"github.com/abcxyz/github-sentinel/pkg/version"
)

var _ cli.Command = (*ServerCommand)(nil)

// ServerCommand runs the detection engine and its HTTP surface in a single
// process.
type ServerCommand struct {
	cli.BaseCommand

	cfg *engine.Config

	// eng is retained after RunUnstarted so Run can supervise the
	// background tasks and close the engine on exit.
	eng *engine.Engine

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *ServerCommand) Desc() string {
	return `Start the sentinel server`
}

func (c *ServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Start the sentinel detection engine and its HTTP API.
`
}

func (c *ServerCommand) Flags() *cli.FlagSet {
	c.cfg = &engine.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ServerCommand) Run(ctx context.Context, args []string) error {
	srv, mux, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.eng.Close(); err != nil {
			logging.FromContext(ctx).ErrorContext(ctx, "failed to close engine", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.eng.Run(gctx)
	})
	g.Go(func() error {
		return srv.StartHTTPHandler(gctx, mux) //nolint:wrapcheck // Want passthrough
	})
	return g.Wait() //nolint:wrapcheck // Want passthrough
}

func (c *ServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	h, err := renderer.New(ctx, nil,
		renderer.WithOnError(func(err error) {
			logger.ErrorContext(ctx, "failed to render", "error", err)
		}))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	if err := c.cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	eng, err := engine.New(ctx, c.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create engine: %w", err)
	}
	c.eng = eng

	sentinelServer, err := server.NewServer(ctx, h, &server.Config{
		Store:     eng.Store(),
		Emitter:   eng.Pipeline(),
		Checker:   eng.Checker(),
		Replayer:  eng.Replay(),
		Forge:     eng.Forge(),
		Stream:    eng.Broadcaster(),
		Recent:    eng.Recent(),
		Scheduler: eng.Scheduler(),
		Registry:  eng.Registry(),
		Metrics:   eng.Metrics(),
		DevMode:   c.cfg.DevMode,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create server: %w", err)
	}

	mux := sentinelServer.Routes(ctx)

	srv, err := serving.New(c.cfg.Port)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}

	return srv, mux, nil
}
