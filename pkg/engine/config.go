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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abcxyz/pkg/cli"
)

// Config defines the set of environment variables required for running the
// sentinel engine and its HTTP surface.
type Config struct {
	Port         string
	DatabasePath string
	GitHubToken  string
	RedisURL     string
	DevMode      bool

	PollEventsSeconds          int
	CheckRunsSeconds           int
	MaxReposPerCycle           int
	RunsPerRepo                int
	HighTrafficRepos           []string
	MinRepoIntervalSeconds     int
	MaxWorkflowFetchesPerCycle int
	GhostActionScoreThreshold  int

	WindowMinutes   int
	MinRepos        int
	MinOwners       int
	CooldownMinutes int

	LogFetchPerMinute    int
	SingleFailurePerRepo bool

	ReplayFixtures bool
	ReplayAlways   bool
}

// Validate validates the engine config after load.
func (cfg *Config) Validate() error {
	var merr error

	if cfg.DatabasePath == "" {
		merr = errors.Join(merr, fmt.Errorf("DB_PATH is required"))
	}

	if cfg.RedisURL != "" &&
		!strings.HasPrefix(cfg.RedisURL, "redis://") &&
		!strings.HasPrefix(cfg.RedisURL, "rediss://") {
		merr = errors.Join(merr, fmt.Errorf("REDIS_URL must start with redis:// or rediss://"))
	}

	if cfg.PollEventsSeconds <= 0 {
		merr = errors.Join(merr, fmt.Errorf("POLL_EVENTS_SECONDS must be positive"))
	}

	if cfg.CheckRunsSeconds <= 0 {
		merr = errors.Join(merr, fmt.Errorf("CHECK_RUNS_SECONDS must be positive"))
	}

	if cfg.MaxReposPerCycle <= 0 {
		merr = errors.Join(merr, fmt.Errorf("MAX_REPOS_PER_CYCLE must be positive"))
	}

	if cfg.RunsPerRepo <= 0 || cfg.RunsPerRepo > 100 {
		merr = errors.Join(merr, fmt.Errorf("RUNS_PER_REPO must be between 1 and 100"))
	}

	if cfg.MinRepoIntervalSeconds <= 0 {
		merr = errors.Join(merr, fmt.Errorf("MIN_REPO_INTERVAL_SECONDS must be positive"))
	}

	if cfg.MaxWorkflowFetchesPerCycle <= 0 {
		merr = errors.Join(merr, fmt.Errorf("MAX_WORKFLOW_FETCHES_PER_CYCLE must be positive"))
	}

	if cfg.GhostActionScoreThreshold <= 0 {
		merr = errors.Join(merr, fmt.Errorf("GHOSTACTION_SCORE_THRESHOLD must be positive"))
	}

	if cfg.WindowMinutes <= 0 {
		merr = errors.Join(merr, fmt.Errorf("WINDOW_MINUTES must be positive"))
	}

	if cfg.MinRepos <= 0 {
		merr = errors.Join(merr, fmt.Errorf("MIN_REPOS must be positive"))
	}

	if cfg.MinOwners <= 0 {
		merr = errors.Join(merr, fmt.Errorf("MIN_OWNERS must be positive"))
	}

	if cfg.CooldownMinutes <= 0 {
		merr = errors.Join(merr, fmt.Errorf("COOLDOWN_MINUTES must be positive"))
	}

	if cfg.LogFetchPerMinute <= 0 {
		merr = errors.Join(merr, fmt.Errorf("LOG_FETCH_PER_MIN must be positive"))
	}

	return merr
}

// PollInterval is the event poller cadence.
func (cfg *Config) PollInterval() time.Duration {
	return time.Duration(cfg.PollEventsSeconds) * time.Second
}

// CheckInterval is the run checker cadence.
func (cfg *Config) CheckInterval() time.Duration {
	return time.Duration(cfg.CheckRunsSeconds) * time.Second
}

// MinRepoInterval is how long the scheduler leaves a repo alone after a
// check.
func (cfg *Config) MinRepoInterval() time.Duration {
	return time.Duration(cfg.MinRepoIntervalSeconds) * time.Second
}

// CorrelationWindow is the sliding window the correlator keeps per
// signature.
func (cfg *Config) CorrelationWindow() time.Duration {
	return time.Duration(cfg.WindowMinutes) * time.Minute
}

// CorrelationCooldown is the per-signature suppression interval after an
// ecosystem incident fires.
func (cfg *Config) CorrelationCooldown() time.Duration {
	return time.Duration(cfg.CooldownMinutes) * time.Minute
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("COMMON OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "PORT",
		Default: "8080",
		Usage:   `The port the sentinel server listens to.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "db-path",
		Target:  &cfg.DatabasePath,
		EnvVar:  "DB_PATH",
		Default: "data/app.db",
		Usage:   `Path to the SQLite database file.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-token",
		Target: &cfg.GitHubToken,
		EnvVar: "GITHUB_TOKEN",
		Usage:  `GitHub API token. Empty means anonymous rate limits.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "redis-url",
		Target: &cfg.RedisURL,
		EnvVar: "REDIS_URL",
		Usage:  `Redis URL for the work queues. Empty means in-process queues.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:   "dev-mode",
		Target: &cfg.DevMode,
		EnvVar: "DEV_MODE",
		Usage:  `Enable the /api/dev endpoints.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "poll-events-seconds",
		Target:  &cfg.PollEventsSeconds,
		EnvVar:  "POLL_EVENTS_SECONDS",
		Default: 10,
		Usage:   `Seconds between polls of the global event feed.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "check-runs-seconds",
		Target:  &cfg.CheckRunsSeconds,
		EnvVar:  "CHECK_RUNS_SECONDS",
		Default: 10,
		Usage:   `Seconds between workflow-run check cycles.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-repos-per-cycle",
		Target:  &cfg.MaxReposPerCycle,
		EnvVar:  "MAX_REPOS_PER_CYCLE",
		Default: 8,
		Usage:   `Maximum repositories checked per cycle.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "runs-per-repo",
		Target:  &cfg.RunsPerRepo,
		EnvVar:  "RUNS_PER_REPO",
		Default: 25,
		Usage:   `Workflow runs listed per repository.`,
	})

	f.StringSliceVar(&cli.StringSliceVar{
		Name:   "high-traffic-repos",
		Target: &cfg.HighTrafficRepos,
		EnvVar: "HIGH_TRAFFIC_REPOS",
		Usage:  `Comma-separated owner/name repos checked ahead of the recent feed.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "min-repo-interval-seconds",
		Target:  &cfg.MinRepoIntervalSeconds,
		EnvVar:  "MIN_REPO_INTERVAL_SECONDS",
		Default: 120,
		Usage:   `Seconds a repo is left alone after a check.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-workflow-fetches-per-cycle",
		Target:  &cfg.MaxWorkflowFetchesPerCycle,
		EnvVar:  "MAX_WORKFLOW_FETCHES_PER_CYCLE",
		Default: 5,
		Usage:   `Extra Forge calls the exfiltration detectors may spend per poll cycle.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "ghostaction-score-threshold",
		Target:  &cfg.GhostActionScoreThreshold,
		EnvVar:  "GHOSTACTION_SCORE_THRESHOLD",
		Default: 60,
		Usage:   `Minimum risk score before a GhostAction incident is emitted.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "window-minutes",
		Target:  &cfg.WindowMinutes,
		EnvVar:  "WINDOW_MINUTES",
		Default: 60,
		Usage:   `Minutes of matches the correlator keeps per signature.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "min-repos",
		Target:  &cfg.MinRepos,
		EnvVar:  "MIN_REPOS",
		Default: 5,
		Usage:   `Distinct repositories required before an ecosystem incident fires.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "min-owners",
		Target:  &cfg.MinOwners,
		EnvVar:  "MIN_OWNERS",
		Default: 3,
		Usage:   `Distinct owners required before an ecosystem incident fires.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "cooldown-minutes",
		Target:  &cfg.CooldownMinutes,
		EnvVar:  "COOLDOWN_MINUTES",
		Default: 30,
		Usage:   `Minutes a signature is suppressed after an ecosystem incident.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "log-fetch-per-min",
		Target:  &cfg.LogFetchPerMinute,
		EnvVar:  "LOG_FETCH_PER_MIN",
		Default: 20,
		Usage:   `Run-log downloads allowed per sliding minute.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:    "single-failure-per-repo",
		Target:  &cfg.SingleFailurePerRepo,
		EnvVar:  "SINGLE_FAILURE_PER_REPO",
		Default: true,
		Usage:   `Stop after the first failing run found in a repo per cycle.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:   "replay-fixtures",
		Target: &cfg.ReplayFixtures,
		EnvVar: "REPLAY_FIXTURES",
		Usage:  `Replay the built-in fixtures once at startup.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:   "replay-always",
		Target: &cfg.ReplayAlways,
		EnvVar: "REPLAY_ALWAYS",
		Usage:  `Replay the built-in fixtures every ten minutes.`,
	})

	return set
}
