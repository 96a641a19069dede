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

package correlator

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/abcxyz/github-sentinel/pkg/incident"
	"github.com/abcxyz/github-sentinel/pkg/signal"
)

func testMatch() *signal.Match {
	return &signal.Match{
		Signature:  "npm_auth_token_expired",
		Confidence: 0.9,
		Evidence: map[string]any{
			"matched_line": "npm ERR! code E401",
			"run_id":       int64(1),
		},
	}
}

func TestCorrelator_ThresholdTriggers(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(&Config{
		Window:    60 * time.Minute,
		MinRepos:  5,
		MinOwners: 3,
		Cooldown:  30 * time.Minute,
	}, WithNowFunc(func() time.Time { return now }))

	repos := []struct{ repo, owner string }{
		{"org-a/repo1", "org-a"},
		{"org-b/repo2", "org-b"},
		{"org-c/repo3", "org-c"},
		{"org-a/repo4", "org-a"},
		{"org-b/repo5", "org-b"},
	}

	var bundle *Bundle
	for i, r := range repos {
		bundle = c.Ingest(testMatch(), r.repo, r.owner, now.Format(time.RFC3339), map[string]any{"run_id": int64(1)}, "live")
		if i < len(repos)-1 && bundle != nil {
			t.Fatalf("expected no bundle after %d repos", i+1)
		}
	}
	if bundle == nil {
		t.Fatal("expected a bundle after the fifth repo")
	}

	inc := bundle.Incident
	if got, want := inc.Kind, incident.KindEcosystemIncident; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := inc.RepoFullName, "ecosystem"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := inc.Title, "Ecosystem incident: npm_auth_token_expired"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := inc.Evidence["affected_repos_count"], 5; got != want {
		t.Errorf("expected %v to be %v", got, want)
	}
	if got, want := inc.Evidence["unique_owners_count"], 3; got != want {
		t.Errorf("expected %v to be %v", got, want)
	}
	if got, want := inc.Evidence["confidence"], 0.9; got != want {
		t.Errorf("expected %v to be %v", got, want)
	}

	wantRepos := []string{"org-a/repo1", "org-a/repo4", "org-b/repo2", "org-b/repo5", "org-c/repo3"}
	if diff := cmp.Diff(wantRepos, inc.Evidence["sample_repos"]); diff != "" {
		t.Errorf("sample_repos mismatch (-want, +got):\n%s", diff)
	}

	samples, ok := inc.Evidence["evidence_samples"].([]map[string]any)
	if !ok {
		t.Fatalf("expected evidence_samples to be a slice, got %T", inc.Evidence["evidence_samples"])
	}
	if got, want := len(samples), 5; got != want {
		t.Errorf("expected %d samples, got %d", want, got)
	}
	if got, want := samples[0]["repo"], "org-a/repo1"; got != want {
		t.Errorf("expected %v to be %v", got, want)
	}

	if bundle.Summary == nil {
		t.Fatal("expected a prebuilt summary")
	}
	if got, ok := bundle.Summary["next_steps"].([]string); !ok || len(got) != 3 {
		t.Errorf("expected 3 next steps, got %v", bundle.Summary["next_steps"])
	}
}

func TestCorrelator_CooldownBlocksRepeat(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(&Config{
		Window:    60 * time.Minute,
		MinRepos:  2,
		MinOwners: 2,
		Cooldown:  30 * time.Minute,
	}, WithNowFunc(func() time.Time { return now }))

	ingest := func(repo, owner string, id int64) *Bundle {
		return c.Ingest(testMatch(), repo, owner, now.Format(time.RFC3339), map[string]any{"run_id": id}, "live")
	}

	if bundle := ingest("org-a/repo1", "org-a", 1); bundle != nil {
		t.Fatal("expected no bundle below threshold")
	}
	if bundle := ingest("org-b/repo2", "org-b", 2); bundle == nil {
		t.Fatal("expected a bundle at threshold")
	}

	now = now.Add(10 * time.Minute)
	if bundle := ingest("org-c/repo3", "org-c", 3); bundle != nil {
		t.Fatal("expected the cooldown to block a repeat emit")
	}

	now = now.Add(31 * time.Minute)
	if bundle := ingest("org-d/repo4", "org-d", 4); bundle == nil {
		t.Fatal("expected a bundle after the cooldown expired")
	}
}

func TestCorrelator_WindowPrunesOldEntries(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(&Config{
		Window:    60 * time.Minute,
		MinRepos:  3,
		MinOwners: 2,
		Cooldown:  30 * time.Minute,
	}, WithNowFunc(func() time.Time { return now }))

	ingest := func(repo, owner string) *Bundle {
		return c.Ingest(testMatch(), repo, owner, now.Format(time.RFC3339), nil, "live")
	}

	if bundle := ingest("org-a/repo1", "org-a"); bundle != nil {
		t.Fatal("expected no bundle below threshold")
	}
	if bundle := ingest("org-b/repo2", "org-b"); bundle != nil {
		t.Fatal("expected no bundle below threshold")
	}

	// The first two entries age out of the window before the third arrives.
	now = now.Add(2 * time.Hour)
	if bundle := ingest("org-c/repo3", "org-c"); bundle != nil {
		t.Fatal("expected no bundle after pruning stale entries")
	}
	if got, want := c.WindowSizes()["npm_auth_token_expired"], 1; got != want {
		t.Errorf("expected window size %d to be %d", got, want)
	}
}

func TestCorrelator_ParseTimeFallsBackToNow(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(&Config{}, WithNowFunc(func() time.Time { return now }))

	cases := []struct {
		name string
		in   string
		want time.Time
	}{
		{
			name: "empty",
			in:   "",
			want: now,
		},
		{
			name: "garbage",
			in:   "not-a-time",
			want: now,
		},
		{
			name: "rfc3339",
			in:   "2024-01-01T10:30:00Z",
			want: time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC),
		},
		{
			name: "offset",
			in:   "2024-01-01T10:30:00+02:00",
			want: time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got, want := c.parseTime(tc.in), tc.want; !got.Equal(want) {
				t.Errorf("expected %v to be %v", got, want)
			}
		})
	}
}
