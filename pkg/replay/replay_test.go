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

package replay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/github-sentinel/pkg/correlator"
	"github.com/abcxyz/github-sentinel/pkg/incident"
	"github.com/abcxyz/github-sentinel/pkg/pipeline"
	"github.com/abcxyz/github-sentinel/pkg/queue"
	"github.com/abcxyz/github-sentinel/pkg/store"
)

type fakeBroadcaster struct {
	cards []*incident.Card
}

func (b *fakeBroadcaster) Publish(card *incident.Card) {
	b.cards = append(b.cards, card)
}

func testContext(tb testing.TB) context.Context {
	tb.Helper()
	return logging.WithLogger(tb.Context(), logging.TestLogger(tb))
}

func TestRun_EmitsSingleEcosystemIncident(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "sentinel.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})

	corr := correlator.New(&correlator.Config{
		Window:    60 * time.Minute,
		MinRepos:  5,
		MinOwners: 3,
		Cooldown:  30 * time.Minute,
	})
	summaryQueue := queue.NewMemory(10, nil)
	enrichmentQueue := queue.NewMemory(10, nil)
	b := &fakeBroadcaster{}

	p := pipeline.New(&pipeline.Config{
		Store:           st,
		Broadcaster:     b,
		SummaryQueue:    summaryQueue,
		EnrichmentQueue: enrichmentQueue,
		Correlator:      corr,
	})
	h := New(p, WithDelay(0))

	emitted, err := h.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := emitted, 1; got != want {
		t.Errorf("expected %d emitted to be %d", got, want)
	}

	ecosystem, err := st.CountIncidentsByKind(ctx, incident.KindEcosystemIncident)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ecosystem, int64(1); got != want {
		t.Errorf("expected %d ecosystem incidents to be %d", got, want)
	}
	seeded, err := st.CountIncidentsByKind(ctx, incident.KindPersonalizedExfil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := seeded, int64(1); got != want {
		t.Errorf("expected %d seeded incidents to be %d", got, want)
	}

	if len(b.cards) != 2 {
		t.Fatalf("expected %d cards to be 2", len(b.cards))
	}
	if got, want := b.cards[0].Kind, incident.KindPersonalizedExfil; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := b.cards[1].Kind, incident.KindEcosystemIncident; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}

	// Both incidents queue a summary job; only the ecosystem one is
	// relevant for vulnerability enrichment.
	for i := 0; i < 2; i++ {
		if id, err := summaryQueue.Dequeue(ctx); err != nil || id == "" {
			t.Errorf("expected summary job %d, got %q (%v)", i, id, err)
		}
	}
	if id, err := enrichmentQueue.Dequeue(ctx); err != nil || id != b.cards[1].IncidentID {
		t.Errorf("expected enrichment job for %q, got %q (%v)", b.cards[1].IncidentID, id, err)
	}
}

func TestRun_RepeatWithinCooldownAddsNothing(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "sentinel.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})

	p := pipeline.New(&pipeline.Config{
		Store:           st,
		Broadcaster:     &fakeBroadcaster{},
		SummaryQueue:    queue.NewMemory(10, nil),
		EnrichmentQueue: queue.NewMemory(10, nil),
		Correlator:      correlator.New(&correlator.Config{}),
	})
	h := New(p, WithDelay(0))

	if _, err := h.Run(ctx); err != nil {
		t.Fatal(err)
	}
	emitted, err := h.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := emitted, 0; got != want {
		t.Errorf("expected %d emitted to be %d", got, want)
	}

	ecosystem, err := st.CountIncidentsByKind(ctx, incident.KindEcosystemIncident)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ecosystem, int64(1); got != want {
		t.Errorf("expected %d ecosystem incidents to be %d", got, want)
	}
	seeded, err := st.CountIncidentsByKind(ctx, incident.KindPersonalizedExfil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := seeded, int64(1); got != want {
		t.Errorf("expected %d seeded incidents to be %d", got, want)
	}
}

func TestFixtures_CoverThreeOwners(t *testing.T) {
	t.Parallel()

	h := New(nil, WithNowFunc(func() time.Time {
		return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	}))
	fixtures := h.fixtures()
	if len(fixtures) != 5 {
		t.Fatalf("expected %d fixtures to be 5", len(fixtures))
	}

	var repos, owners []string
	for i, f := range fixtures {
		repos = append(repos, f.runCtx.RepoFullName)
		owners = append(owners, f.runCtx.Owner)
		if got, want := f.runCtx.RunID, int64(1001+i); got != want {
			t.Errorf("expected run id %d to be %d", got, want)
		}
		if got, want := f.runCtx.Conclusion, "failure"; got != want {
			t.Errorf("expected %q to be %q", got, want)
		}
		if len(f.logs) != 1 || f.logs[0].JobName != "build" {
			t.Errorf("unexpected logs %v", f.logs)
		}
	}
	wantRepos := []string{"org-a/repo-one", "org-b/repo-two", "org-c/repo-three", "org-a/repo-four", "org-b/repo-five"}
	if diff := cmp.Diff(wantRepos, repos); diff != "" {
		t.Errorf("repos (-want, +got):\n%s", diff)
	}
	wantOwners := []string{"org-a", "org-b", "org-c", "org-a", "org-b"}
	if diff := cmp.Diff(wantOwners, owners); diff != "" {
		t.Errorf("owners (-want, +got):\n%s", diff)
	}
	if got, want := fixtures[0].runCtx.UpdatedAt, "2024-03-01T12:00:01Z"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
}
