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

// Package scheduler decides which repositories the run checker polls next.
// High-traffic repositories are always considered first, then repositories
// recently seen on the global event feed, each no more often than a
// configured minimum interval.
package scheduler

import (
	"strings"
	"sync"
	"time"
)

const defaultMinInterval = 120 * time.Second

// Option is a configuration option for a Scheduler.
type Option func(*Scheduler)

// WithNowFunc overrides the clock.
//
// This should only be used for testing.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler prioritizes repositories to check. Safe for concurrent use.
type Scheduler struct {
	mu          sync.Mutex
	highTraffic []string
	queue       []string
	lastChecked map[string]time.Time
	minInterval time.Duration
	now         func() time.Time
}

// New creates a Scheduler. High-traffic entries without an owner/name
// separator are dropped. A non-positive minInterval falls back to the
// default.
func New(highTraffic []string, minInterval time.Duration, opts ...Option) *Scheduler {
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}

	filtered := make([]string, 0, len(highTraffic))
	for _, r := range highTraffic {
		if strings.Contains(r, "/") {
			filtered = append(filtered, r)
		}
	}

	s := &Scheduler{
		highTraffic: filtered,
		lastChecked: make(map[string]time.Time),
		minInterval: minInterval,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddRecent appends a repository to the recent FIFO. Names without an
// owner/name separator are ignored.
func (s *Scheduler) AddRecent(repoFullName string) {
	if repoFullName == "" || !strings.Contains(repoFullName, "/") {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, repoFullName)
}

// NextBatch picks up to maxRepos repositories, high-traffic first, then
// draining the recent FIFO. Repositories checked within the minimum
// interval are skipped, and picked repositories are stamped immediately so
// concurrent callers never double-pick.
func (s *Scheduler) NextBatch(maxRepos int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var picked []string
	seen := make(map[string]struct{})

	for _, r := range s.highTraffic {
		if len(picked) >= maxRepos {
			break
		}
		if _, ok := seen[r]; ok {
			continue
		}
		if now.Sub(s.lastChecked[r]) >= s.minInterval {
			picked = append(picked, r)
			seen[r] = struct{}{}
			s.lastChecked[r] = now
		}
	}

	for len(picked) < maxRepos && len(s.queue) > 0 {
		r := s.queue[0]
		s.queue = s.queue[1:]
		if _, ok := seen[r]; ok {
			continue
		}
		if now.Sub(s.lastChecked[r]) < s.minInterval {
			continue
		}
		picked = append(picked, r)
		seen[r] = struct{}{}
		s.lastChecked[r] = now
	}

	if len(s.queue) == 0 {
		s.queue = nil
	}
	return picked
}

// Stats reports the high-traffic list length and the pending recent queue
// length.
func (s *Scheduler) Stats() (highTraffic, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.highTraffic), len(s.queue)
}
