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

package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/abcxyz/pkg/logging"
)

func testConfig(t *testing.T) *Config {
	t.Helper()

	cfg := validConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "app.db")
	return cfg
}

func TestNew(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))

	eng, err := New(ctx, testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
	}()

	if eng.Store() == nil {
		t.Error("Store() = nil")
	}
	if eng.Forge() == nil {
		t.Error("Forge() = nil")
	}
	if eng.Pipeline() == nil {
		t.Error("Pipeline() = nil")
	}
	if eng.Broadcaster() == nil {
		t.Error("Broadcaster() = nil")
	}
	if eng.Checker() == nil {
		t.Error("Checker() = nil")
	}
	if eng.Replay() == nil {
		t.Error("Replay() = nil")
	}
	if eng.Recent() == nil {
		t.Error("Recent() = nil")
	}
	if eng.Scheduler() == nil {
		t.Error("Scheduler() = nil")
	}
	if eng.Metrics() == nil {
		t.Error("Metrics() = nil")
	}
	if eng.Registry() == nil {
		t.Error("Registry() = nil")
	}
}

func TestNew_BadRedisURL(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))

	cfg := testConfig(t)
	// Passes Validate's scheme check but fails URL parsing.
	cfg.RedisURL = "redis://localhost:6379/notanumber"

	if _, err := New(ctx, cfg); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestEngine_Run_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))

	eng, err := New(ctx, testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
	}()

	runCtx, done := context.WithCancel(ctx)
	done()

	// Every task must treat cancellation as a clean stop.
	if err := eng.Run(runCtx); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}
