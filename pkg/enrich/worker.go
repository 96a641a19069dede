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

package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/workerpool"

	"github.com/abcxyz/github-sentinel/pkg/incident"
	"github.com/abcxyz/github-sentinel/pkg/store"
)

const (
	// osvConcurrency bounds parallel OSV queries per incident.
	osvConcurrency = 5

	// maxPackagesPerIncident bounds lookups for one incident.
	maxPackagesPerIncident = 10
)

// Store is the incident persistence the worker needs.
type Store interface {
	GetIncident(ctx context.Context, id string) (*incident.Incident, error)
	SetEnrichment(ctx context.Context, id string, enrichment map[string]any) error
}

// Forge fetches repository files for the package manifest fallback.
type Forge interface {
	FileContent(ctx context.Context, owner, repo, path, ref string) (string, error)
}

// Queue supplies incident ids to enrich.
type Queue interface {
	Dequeue(ctx context.Context) (string, error)
}

// Broadcaster receives follow-up cards after enrichment lands.
type Broadcaster interface {
	Publish(card *incident.Card)
}

// WorkerOption is a configuration option for a Worker.
type WorkerOption func(*Worker)

// WithWorkerNowFunc overrides the clock used for the queried_at stamp.
//
// This should only be used for testing.
func WithWorkerNowFunc(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		w.now = now
	}
}

// Worker consumes incident ids from the enrichment queue, queries OSV, and
// writes the result back to the store.
type Worker struct {
	store       Store
	queue       Queue
	forge       Forge
	osv         *OSVClient
	broadcaster Broadcaster
	now         func() time.Time
}

// NewWorker creates a Worker. The forge may be nil; the package manifest
// fallback is then skipped.
func NewWorker(st Store, q Queue, fg Forge, osv *OSVClient, b Broadcaster, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:       st,
		queue:       q,
		forge:       fg,
		osv:         osv,
		broadcaster: b,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes the queue until the context is done. Failures on one
// incident are logged and do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	for {
		id, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err() //nolint:wrapcheck // Want passthrough
			}
			logger.WarnContext(ctx, "enrichment dequeue failed", "error", err)
			continue
		}
		if id == "" {
			continue
		}
		if err := w.EnrichIncident(ctx, id); err != nil {
			logger.ErrorContext(ctx, "enrichment failed",
				"incident_id", id,
				"error", err)
		}
	}
}

// EnrichIncident runs one enrichment pass for the given incident id.
func (w *Worker) EnrichIncident(ctx context.Context, id string) error {
	logger := logging.FromContext(ctx)

	inc, err := w.store.GetIncident(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to fetch incident: %w", err)
	}

	if !Relevant(inc) {
		if err := w.store.SetEnrichment(ctx, id, NotApplicable()); err != nil {
			return fmt.Errorf("failed to record enrichment: %w", err)
		}
		return nil
	}

	packages := PackagesFromIncident(inc)
	status := "ok"
	if len(packages) == 0 {
		repoFullName := inc.Evidence.String("repo_full_name")
		if repoFullName == "" {
			repoFullName = inc.RepoFullName
		}
		sha := inc.Evidence.String("sha")
		if inc.Kind == incident.KindEcosystemIncident && sha != "" && strings.Contains(repoFullName, "/") {
			packages = w.manifestPackages(ctx, repoFullName, sha)
		} else {
			status = "skipped_no_package_context"
		}
	}
	if len(packages) > maxPackagesPerIncident {
		packages = packages[:maxPackagesPerIncident]
	}

	type queryResult struct {
		pkg   string
		vulns []map[string]any
	}
	pool := workerpool.New[*queryResult](&workerpool.Config{
		Concurrency: osvConcurrency,
		StopOnError: false,
	})
	for _, pv := range packages {
		pv := pv
		if err := pool.Do(ctx, func() (*queryResult, error) {
			vulns, err := w.osv.Query(ctx, pv.Name, pv.Version)
			if err != nil {
				return nil, fmt.Errorf("failed to query %s@%s: %w", pv.Name, pv.Version, err)
			}
			return &queryResult{pkg: pv.Name + "@" + pv.Version, vulns: vulns}, nil
		}); err != nil {
			return fmt.Errorf("failed to submit job to worker pool: %w", err)
		}
	}
	results, err := pool.Done(ctx)
	if err != nil {
		return fmt.Errorf("failed to run osv queries: %w", err)
	}

	packagesQueried := make([]string, 0, len(results))
	topVulns := make([]map[string]any, 0, len(results))
	for _, r := range results {
		if r.Error != nil || r.Value == nil {
			logger.DebugContext(ctx, "osv query failed", "error", r.Error)
			continue
		}
		packagesQueried = append(packagesQueried, r.Value.pkg)
		topVulns = append(topVulns, r.Value.vulns...)
	}

	top := topVulns
	if len(top) > 5 {
		top = top[:5]
	}
	enrichment := map[string]any{
		"osv": map[string]any{
			"status":           status,
			"queried_at":       w.now().UTC().Format("2006-01-02T15:04:05Z"),
			"packages_queried": packagesQueried,
			"vuln_count_total": len(topVulns),
			"top_vulns":        top,
		},
	}

	if err := w.store.SetEnrichment(ctx, id, enrichment); err != nil {
		return fmt.Errorf("failed to record enrichment: %w", err)
	}
	if w.broadcaster != nil {
		w.broadcaster.Publish(incident.EnrichedCard(id, enrichment))
	}
	return nil
}

// manifestPackages reads the repository's package.json at sha and returns
// its exactly-pinned dependencies, sorted by name, capped at ten. Any
// failure degrades to no packages.
func (w *Worker) manifestPackages(ctx context.Context, repoFullName, sha string) []*PackageVersion {
	if w.forge == nil {
		return nil
	}
	owner, name, _ := strings.Cut(repoFullName, "/")

	text, err := w.forge.FileContent(ctx, owner, name, "package.json", sha)
	if err != nil || text == "" {
		logging.FromContext(ctx).DebugContext(ctx, "package manifest fetch failed",
			"repo", repoFullName,
			"sha", sha,
			"error", err)
		return nil
	}

	var manifest struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal([]byte(text), &manifest); err != nil {
		return nil
	}

	combined := make(map[string]string, len(manifest.Dependencies)+len(manifest.DevDependencies))
	for name, version := range manifest.Dependencies {
		combined[name] = version
	}
	for name, version := range manifest.DevDependencies {
		combined[name] = version
	}

	names := make([]string, 0, len(combined))
	for name := range combined {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > maxPackagesPerIncident {
		names = names[:maxPackagesPerIncident]
	}

	var packages []*PackageVersion
	for _, name := range names {
		if version := combined[name]; isExactVersion(version) {
			packages = append(packages, &PackageVersion{Name: name, Version: version})
		}
	}
	return packages
}
