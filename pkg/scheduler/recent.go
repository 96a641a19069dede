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

package scheduler

import (
	"strings"
	"sync"
)

// recentBufferCap bounds the recent-repo buffer. When exceeded, the oldest
// half is discarded.
const recentBufferCap = 500

// RecentBuffer holds repositories recently seen on the global event feed.
// The event poller appends, the run checker snapshots. Safe for concurrent
// use.
type RecentBuffer struct {
	mu    sync.Mutex
	repos []string
}

// NewRecentBuffer creates an empty buffer.
func NewRecentBuffer() *RecentBuffer {
	return &RecentBuffer{}
}

// Add appends a repository. Names without an owner/name separator are
// ignored.
func (b *RecentBuffer) Add(repoFullName string) {
	if repoFullName == "" || !strings.Contains(repoFullName, "/") {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.repos = append(b.repos, repoFullName)
	if len(b.repos) > recentBufferCap {
		b.repos = append([]string(nil), b.repos[recentBufferCap/2:]...)
	}
}

// Snapshot returns a copy of the newest n entries, oldest first. A
// non-positive n returns everything.
func (b *RecentBuffer) Snapshot(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > len(b.repos) {
		n = len(b.repos)
	}
	out := make([]string, n)
	copy(out, b.repos[len(b.repos)-n:])
	return out
}

// Len returns the number of buffered entries.
func (b *RecentBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.repos)
}
