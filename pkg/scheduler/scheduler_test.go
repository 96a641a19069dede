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
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestScheduler_HighTrafficFirst(t *testing.T) {
	t.Parallel()

	s := New([]string{"org/hot", "org/warm"}, time.Minute)
	s.AddRecent("org/recent")

	got := s.NextBatch(3)
	want := []string{"org/hot", "org/warm", "org/recent"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("batch (-want, +got):\n%s", diff)
	}
}

func TestScheduler_MinIntervalSkips(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New([]string{"org/hot"}, 2*time.Minute, WithNowFunc(func() time.Time { return now }))

	if got, want := len(s.NextBatch(5)), 1; got != want {
		t.Errorf("expected %d picks to be %d", got, want)
	}
	if got, want := len(s.NextBatch(5)), 0; got != want {
		t.Errorf("expected %d picks to be %d", got, want)
	}

	now = now.Add(2*time.Minute + time.Second)
	if got, want := len(s.NextBatch(5)), 1; got != want {
		t.Errorf("expected %d picks to be %d", got, want)
	}
}

func TestScheduler_RecentIntervalSkips(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(nil, 2*time.Minute, WithNowFunc(func() time.Time { return now }))

	s.AddRecent("org/repo")
	if got, want := len(s.NextBatch(5)), 1; got != want {
		t.Errorf("expected %d picks to be %d", got, want)
	}

	// Re-queued within the interval: dropped from the FIFO without a pick.
	s.AddRecent("org/repo")
	if got, want := len(s.NextBatch(5)), 0; got != want {
		t.Errorf("expected %d picks to be %d", got, want)
	}
}

func TestScheduler_DedupesWithinBatch(t *testing.T) {
	t.Parallel()

	s := New(nil, time.Minute)
	s.AddRecent("org/repo")
	s.AddRecent("org/repo")
	s.AddRecent("org/other")

	got := s.NextBatch(5)
	want := []string{"org/repo", "org/other"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("batch (-want, +got):\n%s", diff)
	}
}

func TestScheduler_MaxRepos(t *testing.T) {
	t.Parallel()

	s := New([]string{"org/a", "org/b"}, time.Minute)
	s.AddRecent("org/c")

	got := s.NextBatch(1)
	want := []string{"org/a"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("batch (-want, +got):\n%s", diff)
	}
}

func TestScheduler_RejectsBadNames(t *testing.T) {
	t.Parallel()

	s := New([]string{"not-a-repo"}, time.Minute)
	s.AddRecent("also-not-a-repo")
	s.AddRecent("")

	if got := s.NextBatch(5); got != nil {
		t.Errorf("expected no picks, got %v", got)
	}
}

func TestRecentBuffer_HalvesAtCap(t *testing.T) {
	t.Parallel()

	b := NewRecentBuffer()
	for i := 0; i < recentBufferCap+1; i++ {
		b.Add(fmt.Sprintf("org/repo-%d", i))
	}

	if got, want := b.Len(), recentBufferCap/2+1; got != want {
		t.Errorf("expected %d entries to be %d", got, want)
	}
	all := b.Snapshot(0)
	if got, want := all[0], fmt.Sprintf("org/repo-%d", recentBufferCap/2); got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := all[len(all)-1], fmt.Sprintf("org/repo-%d", recentBufferCap); got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
}

func TestRecentBuffer_Snapshot(t *testing.T) {
	t.Parallel()

	b := NewRecentBuffer()
	b.Add("org/a")
	b.Add("org/b")
	b.Add("org/c")
	b.Add("no-separator")

	got := b.Snapshot(2)
	want := []string{"org/b", "org/c"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot (-want, +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"org/a", "org/b", "org/c"}, b.Snapshot(0)); diff != "" {
		t.Errorf("snapshot (-want, +got):\n%s", diff)
	}
}
