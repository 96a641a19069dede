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

package checker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-github/v56/github"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/github-sentinel/pkg/incident"
	"github.com/abcxyz/github-sentinel/pkg/runlogs"
	"github.com/abcxyz/github-sentinel/pkg/scheduler"
	"github.com/abcxyz/github-sentinel/pkg/signal"
)

type fakeForge struct {
	runs  []*github.WorkflowRun
	err   error
	calls []string
}

func (f *fakeForge) ListWorkflowRuns(ctx context.Context, owner, repo string, perPage int) ([]*github.WorkflowRun, error) {
	f.calls = append(f.calls, owner+"/"+repo)
	return f.runs, f.err
}

type fakeLogs struct {
	logs        []*runlogs.JobLog
	err         error
	rateLimited bool
	calls       []int64
}

func (f *fakeLogs) FetchRunLogs(ctx context.Context, owner, repo string, runID int64) ([]*runlogs.JobLog, error) {
	f.calls = append(f.calls, runID)
	if f.err != nil {
		return nil, f.err
	}
	if f.rateLimited {
		return nil, nil
	}
	return f.logs, nil
}

type fakePipeline struct {
	duplicate bool
	emitErr   error
	emitted   []*incident.Incident
	processed []*signal.RunContext
	sources   []string
}

func (p *fakePipeline) EmitIncident(ctx context.Context, inc *incident.Incident) (bool, error) {
	if p.emitErr != nil {
		return false, p.emitErr
	}
	if p.duplicate {
		return false, nil
	}
	p.emitted = append(p.emitted, inc)
	return true, nil
}

func (p *fakePipeline) ProcessRunLogs(ctx context.Context, runCtx *signal.RunContext, logs []*runlogs.JobLog, source string) int {
	p.processed = append(p.processed, runCtx)
	p.sources = append(p.sources, source)
	return 0
}

func testContext(tb testing.TB) context.Context {
	tb.Helper()
	return logging.WithLogger(tb.Context(), logging.TestLogger(tb))
}

func workflowRun(id int64, name, status, conclusion string) *github.WorkflowRun {
	return &github.WorkflowRun{
		ID:         github.Int64(id),
		Name:       github.String(name),
		RunNumber:  github.Int(7),
		Status:     github.String(status),
		Conclusion: github.String(conclusion),
		HTMLURL:    github.String(fmt.Sprintf("https://github.com/org/repo/actions/runs/%d", id)),
		CreatedAt:  &github.Timestamp{Time: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		UpdatedAt:  &github.Timestamp{Time: time.Date(2024, 1, 2, 3, 9, 5, 0, time.UTC)},
	}
}

func newTestChecker(fg Forge, logs LogFetcher, p Pipeline, single bool) *Checker {
	return New(&Config{
		Forge:                fg,
		Logs:                 logs,
		Pipeline:             p,
		Scheduler:            scheduler.New(nil, time.Minute),
		Recent:               scheduler.NewRecentBuffer(),
		SingleFailurePerRepo: single,
	}, WithNowFunc(func() time.Time {
		return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	}))
}

func TestCheckRepo_EmitsFirstFailure(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	fg := &fakeForge{runs: []*github.WorkflowRun{
		workflowRun(1000, "CI", "completed", "success"),
		workflowRun(1001, "CI", "completed", "failure"),
		workflowRun(1002, "Deploy", "completed", "timed_out"),
	}}
	logs := &fakeLogs{logs: []*runlogs.JobLog{{JobName: "build", LogText: "npm ERR! code E401"}}}
	p := &fakePipeline{}

	c := newTestChecker(fg, logs, p, true)
	n, err := c.CheckRepo(ctx, "org/repo")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, 1; got != want {
		t.Fatalf("expected %d emitted to be %d", got, want)
	}

	if len(p.emitted) != 1 {
		t.Fatalf("expected %d incidents to be 1", len(p.emitted))
	}
	inc := p.emitted[0]
	if got, want := inc.Kind, incident.KindWorkflowFailure; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := inc.RunID, int64(1001); got != want {
		t.Errorf("expected %d to be %d", got, want)
	}
	if got, want := inc.RunNumber, int64(7); got != want {
		t.Errorf("expected %d to be %d", got, want)
	}
	if got, want := inc.Title, "CI failed in org/repo"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := inc.CreatedAt, "2024-01-02T03:04:05Z"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	wantTags := []string{"workflow", "failure", "conclusion:failure", "status:completed"}
	if diff := cmp.Diff(wantTags, inc.Tags); diff != "" {
		t.Errorf("tags (-want, +got):\n%s", diff)
	}
	if got, want := inc.Evidence.String("repo"), "org/repo"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := inc.Evidence.String("source"), "actions_runs"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := inc.Evidence.String("detected_at"), "2024-03-01T12:00:00Z"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if inc.Evidence["run"] == nil {
		t.Error("expected run evidence to be present")
	}

	// Logs are fetched for the failing run only and routed onward.
	if diff := cmp.Diff([]int64{1001}, logs.calls); diff != "" {
		t.Errorf("log fetches (-want, +got):\n%s", diff)
	}
	if len(p.processed) != 1 {
		t.Fatalf("expected %d pipeline calls to be 1", len(p.processed))
	}
	runCtx := p.processed[0]
	if got, want := runCtx.RepoFullName, "org/repo"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := runCtx.Owner, "org"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := runCtx.RunID, int64(1001); got != want {
		t.Errorf("expected %d to be %d", got, want)
	}
	if got, want := runCtx.UpdatedAt, "2024-01-02T03:09:05Z"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := p.sources[0], "actions_runs"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
}

func TestCheckRepo_AllFailuresWhenToggleOff(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	fg := &fakeForge{runs: []*github.WorkflowRun{
		workflowRun(1001, "CI", "completed", "failure"),
		workflowRun(1002, "Deploy", "completed", "timed_out"),
		workflowRun(1003, "Docs", "completed", "success"),
	}}
	p := &fakePipeline{}

	c := newTestChecker(fg, &fakeLogs{}, p, false)
	n, err := c.CheckRepo(ctx, "org/repo")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, 2; got != want {
		t.Errorf("expected %d emitted to be %d", got, want)
	}
	if len(p.emitted) != 2 {
		t.Fatalf("expected %d incidents to be 2", len(p.emitted))
	}
	if got, want := p.emitted[1].Conclusion, "timed_out"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
}

func TestCheckRepo_DuplicateSkipsLogFetch(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	fg := &fakeForge{runs: []*github.WorkflowRun{
		workflowRun(1001, "CI", "completed", "failure"),
		workflowRun(1002, "CI", "completed", "failure"),
	}}
	logs := &fakeLogs{}
	p := &fakePipeline{duplicate: true}

	c := newTestChecker(fg, logs, p, true)
	n, err := c.CheckRepo(ctx, "org/repo")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, 0; got != want {
		t.Errorf("expected %d emitted to be %d", got, want)
	}
	if len(logs.calls) != 0 {
		t.Errorf("expected no log fetches, got %v", logs.calls)
	}
}

func TestCheckRepo_RateLimitedLogsSkipProcessing(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	fg := &fakeForge{runs: []*github.WorkflowRun{
		workflowRun(1001, "CI", "completed", "failure"),
	}}
	p := &fakePipeline{}

	c := newTestChecker(fg, &fakeLogs{rateLimited: true}, p, true)
	n, err := c.CheckRepo(ctx, "org/repo")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, 1; got != want {
		t.Errorf("expected %d emitted to be %d", got, want)
	}
	if len(p.processed) != 0 {
		t.Errorf("expected no pipeline calls, got %d", len(p.processed))
	}
}

func TestCheckRepo_MalformedName(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	c := newTestChecker(&fakeForge{}, &fakeLogs{}, &fakePipeline{}, true)
	if _, err := c.CheckRepo(ctx, "not-a-repo"); err == nil {
		t.Fatal("expected error")
	}
}

func TestCheckRepo_ForgeError(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	fg := &fakeForge{err: fmt.Errorf("boom")}
	c := newTestChecker(fg, &fakeLogs{}, &fakePipeline{}, true)
	if _, err := c.CheckRepo(ctx, "org/repo"); err == nil {
		t.Fatal("expected error")
	}
}

func TestCheckOnce_SeedsSchedulerFromRecent(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	fg := &fakeForge{runs: []*github.WorkflowRun{
		workflowRun(1001, "CI", "completed", "failure"),
	}}
	p := &fakePipeline{}

	recent := scheduler.NewRecentBuffer()
	recent.Add("org/repo")

	c := New(&Config{
		Forge:                fg,
		Logs:                 &fakeLogs{},
		Pipeline:             p,
		Scheduler:            scheduler.New(nil, time.Minute),
		Recent:               recent,
		SingleFailurePerRepo: true,
	})

	if got, want := c.CheckOnce(ctx), 1; got != want {
		t.Errorf("expected %d emitted to be %d", got, want)
	}
	if diff := cmp.Diff([]string{"org/repo"}, fg.calls); diff != "" {
		t.Errorf("forge calls (-want, +got):\n%s", diff)
	}

	// A second cycle within the min interval skips the repo entirely.
	if got, want := c.CheckOnce(ctx), 0; got != want {
		t.Errorf("expected %d emitted to be %d", got, want)
	}
	if got, want := len(fg.calls), 1; got != want {
		t.Errorf("expected %d forge calls to be %d", got, want)
	}
}

func TestCheckOnce_ContinuesPastRepoErrors(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	fg := &fakeForge{err: fmt.Errorf("boom")}
	p := &fakePipeline{}

	recent := scheduler.NewRecentBuffer()
	recent.Add("org/one")
	recent.Add("org/two")

	c := New(&Config{
		Forge:                fg,
		Logs:                 &fakeLogs{},
		Pipeline:             p,
		Scheduler:            scheduler.New(nil, time.Minute),
		Recent:               recent,
		SingleFailurePerRepo: true,
	})

	if got, want := c.CheckOnce(ctx), 0; got != want {
		t.Errorf("expected %d emitted to be %d", got, want)
	}
	if got, want := len(fg.calls), 2; got != want {
		t.Errorf("expected %d forge calls to be %d", got, want)
	}
}

func TestRun_StopsWhenContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(testContext(t))
	cancel()

	c := newTestChecker(&fakeForge{}, &fakeLogs{}, &fakePipeline{}, true)
	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
