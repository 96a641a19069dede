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

// Package runlogs fetches workflow run logs behind a sliding-window rate
// limit and a bounded LRU cache, so the same run is never downloaded twice
// and the Forge logs API is never hammered.
package runlogs

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-github/v56/github"

	"github.com/abcxyz/pkg/logging"
)

const (
	defaultPerMinute = 20
	defaultCacheSize = 200

	rateWindow = time.Minute
)

// JobLog is the expanded log text of one job in a run.
type JobLog struct {
	JobName string
	LogText string
}

// Forge is the subset of the Forge client the fetcher needs.
type Forge interface {
	ListJobs(ctx context.Context, owner, repo string, runID int64) ([]*github.WorkflowJob, error)
	JobLogs(ctx context.Context, owner, repo string, jobID int64) (string, error)
}

// Fetcher downloads run logs. Each jobs listing and each job-log download
// costs one token from a sliding one-minute window. It is safe for
// concurrent use.
type Fetcher struct {
	forge     Forge
	perMinute int
	cacheSize int

	mu     sync.Mutex
	stamps []time.Time
	cache  map[int64][]*JobLog
	order  *list.List
	elems  map[int64]*list.Element
	now    func() time.Time
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithNowFunc overrides the clock, for testing.
func WithNowFunc(fn func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = fn
	}
}

// NewFetcher creates a Fetcher. Non-positive perMinute and cacheSize fall
// back to the defaults.
func NewFetcher(fg Forge, perMinute, cacheSize int, opts ...Option) *Fetcher {
	f := &Fetcher{
		forge:     fg,
		perMinute: perMinute,
		cacheSize: cacheSize,
		cache:     make(map[int64][]*JobLog),
		order:     list.New(),
		elems:     make(map[int64]*list.Element),
		now:       time.Now,
	}
	if f.perMinute <= 0 {
		f.perMinute = defaultPerMinute
	}
	if f.cacheSize <= 0 {
		f.cacheSize = defaultCacheSize
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchRunLogs returns the job logs for a run. Cached results are returned
// without spending tokens. A nil slice with a nil error means the rate
// limit denied the fetch; callers should try again on a later cycle. A run
// whose token budget runs out mid-fetch is cached with the jobs collected
// so far.
func (f *Fetcher) FetchRunLogs(ctx context.Context, owner, repo string, runID int64) ([]*JobLog, error) {
	if logs, ok := f.cached(runID); ok {
		return logs, nil
	}
	if !f.allow() {
		return nil, nil
	}

	logger := logging.FromContext(ctx)

	jobs, err := f.forge.ListJobs(ctx, owner, repo, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	results := make([]*JobLog, 0, len(jobs))
	for _, job := range jobs {
		jobID := job.GetID()
		if jobID == 0 {
			continue
		}
		if !f.allow() {
			break
		}
		text, err := f.forge.JobLogs(ctx, owner, repo, jobID)
		if err != nil {
			logger.DebugContext(ctx, "job log fetch failed",
				"repo", fmt.Sprintf("%s/%s", owner, repo),
				"job_id", jobID,
				"error", err)
			continue
		}
		if text != "" {
			results = append(results, &JobLog{JobName: job.GetName(), LogText: text})
		}
	}

	f.cachePut(runID, results)
	return results, nil
}

func (f *Fetcher) cached(runID int64) ([]*JobLog, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	logs, ok := f.cache[runID]
	return logs, ok
}

func (f *Fetcher) cachePut(runID int64, logs []*JobLog) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cache[runID] = logs
	if elem, ok := f.elems[runID]; ok {
		f.order.MoveToBack(elem)
	} else {
		f.elems[runID] = f.order.PushBack(runID)
	}
	for len(f.cache) > f.cacheSize {
		oldest := f.order.Front()
		if oldest == nil {
			break
		}
		id := oldest.Value.(int64)
		f.order.Remove(oldest)
		delete(f.elems, id)
		delete(f.cache, id)
	}
}

// allow consumes one rate token, pruning stamps that slid out of the
// window. It reports false when the window is full.
func (f *Fetcher) allow() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	cut := 0
	for cut < len(f.stamps) && now.Sub(f.stamps[cut]) > rateWindow {
		cut++
	}
	f.stamps = f.stamps[cut:]

	if len(f.stamps) >= f.perMinute {
		return false
	}
	f.stamps = append(f.stamps, now)
	return true
}
