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
	"testing"
	"time"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/sethvargo/go-envconfig"
)

// validConfig returns a config that passes Validate; tests break one field
// at a time.
func validConfig() *Config {
	return &Config{
		Port:                       "8080",
		DatabasePath:               "data/app.db",
		PollEventsSeconds:          10,
		CheckRunsSeconds:           10,
		MaxReposPerCycle:           8,
		RunsPerRepo:                25,
		MinRepoIntervalSeconds:     120,
		MaxWorkflowFetchesPerCycle: 5,
		GhostActionScoreThreshold:  60,
		WindowMinutes:              60,
		MinRepos:                   5,
		MinOwners:                  3,
		CooldownMinutes:            30,
		LogFetchPerMinute:          20,
		SingleFailurePerRepo:       true,
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(cfg *Config) {},
		},
		{
			name: "missing_db_path",
			mutate: func(cfg *Config) {
				cfg.DatabasePath = ""
			},
			wantErr: "DB_PATH is required",
		},
		{
			name: "bad_redis_url_scheme",
			mutate: func(cfg *Config) {
				cfg.RedisURL = "http://localhost:6379"
			},
			wantErr: "REDIS_URL must start with redis:// or rediss://",
		},
		{
			name: "redis_url_tls_scheme_ok",
			mutate: func(cfg *Config) {
				cfg.RedisURL = "rediss://localhost:6380/0"
			},
		},
		{
			name: "zero_poll_interval",
			mutate: func(cfg *Config) {
				cfg.PollEventsSeconds = 0
			},
			wantErr: "POLL_EVENTS_SECONDS must be positive",
		},
		{
			name: "zero_check_interval",
			mutate: func(cfg *Config) {
				cfg.CheckRunsSeconds = 0
			},
			wantErr: "CHECK_RUNS_SECONDS must be positive",
		},
		{
			name: "zero_batch",
			mutate: func(cfg *Config) {
				cfg.MaxReposPerCycle = 0
			},
			wantErr: "MAX_REPOS_PER_CYCLE must be positive",
		},
		{
			name: "runs_per_repo_over_page_cap",
			mutate: func(cfg *Config) {
				cfg.RunsPerRepo = 101
			},
			wantErr: "RUNS_PER_REPO must be between 1 and 100",
		},
		{
			name: "zero_min_repo_interval",
			mutate: func(cfg *Config) {
				cfg.MinRepoIntervalSeconds = 0
			},
			wantErr: "MIN_REPO_INTERVAL_SECONDS must be positive",
		},
		{
			name: "zero_fetch_budget",
			mutate: func(cfg *Config) {
				cfg.MaxWorkflowFetchesPerCycle = 0
			},
			wantErr: "MAX_WORKFLOW_FETCHES_PER_CYCLE must be positive",
		},
		{
			name: "zero_score_threshold",
			mutate: func(cfg *Config) {
				cfg.GhostActionScoreThreshold = 0
			},
			wantErr: "GHOSTACTION_SCORE_THRESHOLD must be positive",
		},
		{
			name: "zero_window",
			mutate: func(cfg *Config) {
				cfg.WindowMinutes = 0
			},
			wantErr: "WINDOW_MINUTES must be positive",
		},
		{
			name: "zero_min_repos",
			mutate: func(cfg *Config) {
				cfg.MinRepos = 0
			},
			wantErr: "MIN_REPOS must be positive",
		},
		{
			name: "zero_min_owners",
			mutate: func(cfg *Config) {
				cfg.MinOwners = 0
			},
			wantErr: "MIN_OWNERS must be positive",
		},
		{
			name: "zero_cooldown",
			mutate: func(cfg *Config) {
				cfg.CooldownMinutes = 0
			},
			wantErr: "COOLDOWN_MINUTES must be positive",
		},
		{
			name: "zero_log_fetch_rate",
			mutate: func(cfg *Config) {
				cfg.LogFetchPerMinute = 0
			},
			wantErr: "LOG_FETCH_PER_MIN must be positive",
		},
		{
			name: "everything_wrong_accumulates",
			mutate: func(cfg *Config) {
				cfg.DatabasePath = ""
				cfg.PollEventsSeconds = 0
			},
			wantErr: "DB_PATH is required\nPOLL_EVENTS_SECONDS must be positive",
		},
	}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tc.mutate(cfg)

			err := cfg.Validate()
			if diff := testutil.DiffErrString(err, tc.wantErr); diff != "" {
				t.Errorf("Validate(%s) got unexpected err: %s", tc.name, diff)
			}
		})
	}
}

func TestConfig_ToFlags_Defaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	set := cfg.ToFlags(cli.NewFlagSet(cli.WithLookupEnv(
		envconfig.MapLookuper(map[string]string{}).Lookup)))
	if err := set.Parse(nil); err != nil {
		t.Fatal(err)
	}

	want := Config{
		Port:                       "8080",
		DatabasePath:               "data/app.db",
		PollEventsSeconds:          10,
		CheckRunsSeconds:           10,
		MaxReposPerCycle:           8,
		RunsPerRepo:                25,
		MinRepoIntervalSeconds:     120,
		MaxWorkflowFetchesPerCycle: 5,
		GhostActionScoreThreshold:  60,
		WindowMinutes:              60,
		MinRepos:                   5,
		MinOwners:                  3,
		CooldownMinutes:            30,
		LogFetchPerMinute:          20,
		SingleFailurePerRepo:       true,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("defaults (-want, +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config failed validation: %v", err)
	}
}

func TestConfig_ToFlags_Env(t *testing.T) {
	t.Parallel()

	var cfg Config
	set := cfg.ToFlags(cli.NewFlagSet(cli.WithLookupEnv(envconfig.MapLookuper(map[string]string{
		"PORT":               "9090",
		"DB_PATH":            "/tmp/sentinel.db",
		"HIGH_TRAFFIC_REPOS": "golang/go,kubernetes/kubernetes",
		"DEV_MODE":           "true",
		"WINDOW_MINUTES":     "15",
		"REPLAY_ALWAYS":      "true",
	}).Lookup)))
	if err := set.Parse(nil); err != nil {
		t.Fatal(err)
	}

	if got, want := cfg.Port, "9090"; got != want {
		t.Errorf("Port = %q, want %q", got, want)
	}
	if got, want := cfg.DatabasePath, "/tmp/sentinel.db"; got != want {
		t.Errorf("DatabasePath = %q, want %q", got, want)
	}
	if diff := cmp.Diff([]string{"golang/go", "kubernetes/kubernetes"}, cfg.HighTrafficRepos); diff != "" {
		t.Errorf("HighTrafficRepos (-want, +got):\n%s", diff)
	}
	if !cfg.DevMode {
		t.Error("DevMode = false, want true")
	}
	if !cfg.ReplayAlways {
		t.Error("ReplayAlways = false, want true")
	}
	if got, want := cfg.CorrelationWindow(), 15*time.Minute; got != want {
		t.Errorf("CorrelationWindow = %v, want %v", got, want)
	}
}
