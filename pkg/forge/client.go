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

// Package forge wraps the Forge (GitHub) REST API behind a client with
// retry, rate-limit handling, and job-log archive expansion. All detector
// API spending goes through a per-event Budget.
package forge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v56/github"
	"github.com/sethvargo/go-retry"

	"github.com/abcxyz/github-sentinel/pkg/metrics"
)

const (
	requestTimeout = 15 * time.Second

	// maxLogBytes caps a single job-log download to keep memory bounded.
	maxLogBytes = 32 * 1024 * 1024
)

var (
	// can be overriden for testing
	retryBaseDelay         = 1 * time.Second
	retryMaxRetries uint64 = 7
	retryJitterPct  uint64 = 25
)

// User is the subset of a Forge account record used for actor context.
type User struct {
	Login       string
	Type        string
	CreatedAt   string
	Followers   int
	PublicRepos int
	SiteAdmin   bool
}

// Client is a Forge API client. It is safe for concurrent use.
type Client struct {
	gh       *github.Client
	download *http.Client
	metrics  *metrics.Metrics
}

// Option customizes a Client.
type Option func(*Client)

// WithMetrics wires the retry counter and call-duration histogram.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithBaseURL points the client at an alternate API endpoint, for testing.
func WithBaseURL(u *url.URL) Option {
	return func(c *Client) {
		base := *u
		if !strings.HasSuffix(base.Path, "/") {
			base.Path += "/"
		}
		c.gh.BaseURL = &base
	}
}

// NewClient creates a Client. An empty token means unauthenticated access
// at the Forge's anonymous rate limits.
func NewClient(token string, opts ...Option) *Client {
	gh := github.NewClient(&http.Client{Timeout: requestTimeout})
	if token != "" {
		gh = gh.WithAuthToken(token)
	}

	c := &Client{
		gh:       gh,
		download: &http.Client{Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListGlobalEvents returns one page of the public events feed.
func (c *Client) ListGlobalEvents(ctx context.Context) ([]*github.Event, error) {
	var events []*github.Event
	if err := c.withRetry(ctx, "list_events", func(ctx context.Context) error {
		got, _, err := c.gh.Activity.ListEvents(ctx, nil)
		if err != nil {
			return err
		}
		events = got
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to list global events: %w", err)
	}
	return events, nil
}

// ListWorkflowRuns returns the most recent workflow runs for a repository.
func (c *Client) ListWorkflowRuns(ctx context.Context, owner, repo string, perPage int) ([]*github.WorkflowRun, error) {
	var runs []*github.WorkflowRun
	if err := c.withRetry(ctx, "list_workflow_runs", func(ctx context.Context) error {
		got, _, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, owner, repo, &github.ListWorkflowRunsOptions{
			ListOptions: github.ListOptions{PerPage: perPage},
		})
		if err != nil {
			return err
		}
		runs = got.WorkflowRuns
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to list workflow runs for %s/%s: %w", owner, repo, err)
	}
	return runs, nil
}

// CommitFiles returns the file paths touched by a commit.
func (c *Client) CommitFiles(ctx context.Context, owner, repo, sha string) ([]string, error) {
	var files []string
	if err := c.withRetry(ctx, "get_commit", func(ctx context.Context) error {
		commit, _, err := c.gh.Repositories.GetCommit(ctx, owner, repo, sha, nil)
		if err != nil {
			return err
		}
		files = files[:0]
		for _, f := range commit.Files {
			if name := f.GetFilename(); name != "" {
				files = append(files, name)
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to get commit %s/%s@%s: %w", owner, repo, sha, err)
	}
	return files, nil
}

// FileContent returns the decoded content of a file at ref. Directories and
// undecodable contents yield an empty string without error.
func (c *Client) FileContent(ctx context.Context, owner, repo, path, ref string) (string, error) {
	var content string
	if err := c.withRetry(ctx, "get_contents", func(ctx context.Context) error {
		file, _, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
		if err != nil {
			return err
		}
		if file == nil {
			return nil
		}
		decoded, err := file.GetContent()
		if err != nil {
			return nil
		}
		content = decoded
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to get contents %s/%s:%s@%s: %w", owner, repo, path, ref, err)
	}
	return content, nil
}

// DirectoryFiles returns the paths of the plain files directly under dir at
// ref. A path that is not a directory yields an empty list.
func (c *Client) DirectoryFiles(ctx context.Context, owner, repo, dir, ref string) ([]string, error) {
	var files []string
	if err := c.withRetry(ctx, "get_contents", func(ctx context.Context) error {
		_, entries, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, dir, &github.RepositoryContentGetOptions{Ref: ref})
		if err != nil {
			return err
		}
		files = files[:0]
		for _, entry := range entries {
			if entry.GetType() != "file" {
				continue
			}
			if path := entry.GetPath(); path != "" {
				files = append(files, path)
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to list %s/%s:%s@%s: %w", owner, repo, dir, ref, err)
	}
	return files, nil
}

// ListJobs returns the jobs of a workflow run.
func (c *Client) ListJobs(ctx context.Context, owner, repo string, runID int64) ([]*github.WorkflowJob, error) {
	var jobs []*github.WorkflowJob
	if err := c.withRetry(ctx, "list_jobs", func(ctx context.Context) error {
		got, _, err := c.gh.Actions.ListWorkflowJobs(ctx, owner, repo, runID, nil)
		if err != nil {
			return err
		}
		jobs = got.Jobs
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to list jobs for run %d: %w", runID, err)
	}
	return jobs, nil
}

// JobLogs downloads and expands the log text of a single job. Zip archives
// are flattened to one newline-joined text.
func (c *Client) JobLogs(ctx context.Context, owner, repo string, jobID int64) (string, error) {
	var text string
	if err := c.withRetry(ctx, "job_logs", func(ctx context.Context) error {
		logsURL, _, err := c.gh.Actions.GetWorkflowJobLogs(ctx, owner, repo, jobID, 1)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, logsURL.String(), nil)
		if err != nil {
			return err
		}
		resp, err := c.download.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("log download returned status %d", resp.StatusCode)
		}

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxLogBytes))
		if err != nil {
			return err
		}
		text = expandLogArchive(raw)
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to get logs for job %d: %w", jobID, err)
	}
	return text, nil
}

// GetUser returns the account record for a login.
func (c *Client) GetUser(ctx context.Context, login string) (*User, error) {
	var user *User
	if err := c.withRetry(ctx, "get_user", func(ctx context.Context) error {
		got, _, err := c.gh.Users.Get(ctx, login)
		if err != nil {
			return err
		}
		user = &User{
			Login:       login,
			Type:        got.GetType(),
			Followers:   got.GetFollowers(),
			PublicRepos: got.GetPublicRepos(),
			SiteAdmin:   got.GetSiteAdmin(),
		}
		if created := got.GetCreatedAt(); !created.IsZero() {
			user.CreatedAt = created.Format(time.RFC3339)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", login, err)
	}
	return user, nil
}

// CollaboratorPermission returns a user's permission level on a repository.
func (c *Client) CollaboratorPermission(ctx context.Context, owner, repo, login string) (string, error) {
	var permission string
	if err := c.withRetry(ctx, "get_permission", func(ctx context.Context) error {
		got, _, err := c.gh.Repositories.GetPermissionLevel(ctx, owner, repo, login)
		if err != nil {
			return err
		}
		permission = got.GetPermission()
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to get permission for %s on %s/%s: %w", login, owner, repo, err)
	}
	return permission, nil
}

// withRetry runs fn with exponential backoff on rate-limit and transient
// errors, honoring the Forge's reset and retry-after hints when present.
func (c *Client) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := retry.NewExponential(retryBaseDelay)
	backoff = retry.WithJitterPercent(retryJitterPct, backoff)
	backoff = retry.WithMaxRetries(retryMaxRetries, backoff)

	start := time.Now()
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callErr := fn(ctx)
		if callErr == nil {
			return nil
		}
		retryable, wait := classifyError(callErr)
		if !retryable {
			return callErr
		}
		if c.metrics != nil {
			c.metrics.ForgeRetries.Inc()
		}
		if wait > 0 {
			if err := sleepFor(ctx, wait); err != nil {
				return err
			}
		}
		return retry.RetryableError(callErr)
	})
	if c.metrics != nil {
		c.metrics.ForgeCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return err
}

// classifyError reports whether an error is worth retrying and, for
// rate-limit errors, how long to wait before the next attempt.
func classifyError(err error) (bool, time.Duration) {
	var rateLimitErr *github.RateLimitError
	if errors.As(err, &rateLimitErr) {
		wait := time.Until(rateLimitErr.Rate.Reset.Time)
		if wait < 0 {
			wait = 0
		}
		return true, wait
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		var wait time.Duration
		if abuseErr.RetryAfter != nil {
			wait = *abuseErr.RetryAfter
		}
		return true, wait
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		return code == http.StatusForbidden ||
			code == http.StatusTooManyRequests ||
			code >= http.StatusInternalServerError, 0
	}

	return false, 0
}

func sleepFor(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // Want passthrough
	case <-t.C:
		return nil
	}
}
