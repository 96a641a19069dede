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

package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/testutil"
	"github.com/sethvargo/go-envconfig"

	"github.com/abcxyz/github-sentinel/pkg/incident"
	"github.com/abcxyz/github-sentinel/pkg/store"
)

func TestReplayCommand(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))

	t.Run("too_many_args", func(t *testing.T) {
		t.Parallel()

		var cmd ReplayCommand
		cmd.testFlagSetOpts = []cli.Option{cli.WithLookupEnv(envconfig.MapLookuper(nil).Lookup)}
		_, _, _ = cmd.Pipe()

		err := cmd.Run(ctx, []string{"foo"})
		if diff := testutil.DiffErrString(err, `unexpected arguments: ["foo"]`); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("replays_into_store", func(t *testing.T) {
		t.Parallel()

		dbPath := filepath.Join(t.TempDir(), "app.db")

		var cmd ReplayCommand
		cmd.testFlagSetOpts = []cli.Option{cli.WithLookupEnv(envconfig.MapLookuper(map[string]string{
			"DB_PATH": dbPath,
		}).Lookup)}
		_, _, _ = cmd.Pipe()

		if err := cmd.Run(ctx, nil); err != nil {
			t.Fatal(err)
		}

		// The fixtures span five repos across three owners, so the run
		// leaves the seeded exfiltration incident plus one correlated
		// ecosystem incident behind.
		st, err := store.Open(ctx, dbPath)
		if err != nil {
			t.Fatal(err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				t.Error(err)
			}
		}()

		cards, err := st.ListCards(ctx, "", 50)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := len(cards), 2; got != want {
			t.Fatalf("expected %d cards to be %d", got, want)
		}

		kinds := make(map[incident.Kind]bool, len(cards))
		for _, c := range cards {
			kinds[c.Kind] = true
		}
		for _, want := range []incident.Kind{incident.KindPersonalizedExfil, incident.KindEcosystemIncident} {
			if !kinds[want] {
				t.Errorf("expected a %q card, got kinds %v", want, kinds)
			}
		}
	})
}
