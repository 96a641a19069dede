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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	defaultOSVEndpoint = "https://api.osv.dev/v1/query"
	osvCacheTTL        = 24 * time.Hour
	osvQueryTimeout    = 15 * time.Second
)

// OSVOption is a configuration option for an OSVClient.
type OSVOption func(*OSVClient)

// WithOSVEndpoint overrides the query endpoint.
//
// This should only be used for testing.
func WithOSVEndpoint(endpoint string) OSVOption {
	return func(c *OSVClient) {
		c.endpoint = endpoint
	}
}

// WithOSVNowFunc overrides the cache clock.
//
// This should only be used for testing.
func WithOSVNowFunc(now func() time.Time) OSVOption {
	return func(c *OSVClient) {
		c.now = now
	}
}

type osvCacheEntry struct {
	at    time.Time
	vulns []map[string]any
}

// OSVClient queries the OSV vulnerability database for npm packages, with a
// 24h per-package cache. Safe for concurrent use.
type OSVClient struct {
	endpoint string
	client   *http.Client
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]*osvCacheEntry
}

// NewOSVClient creates an OSVClient.
func NewOSVClient(opts ...OSVOption) *OSVClient {
	c := &OSVClient{
		endpoint: defaultOSVEndpoint,
		client:   &http.Client{Timeout: osvQueryTimeout},
		now:      time.Now,
		cache:    make(map[string]*osvCacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type osvResponse struct {
	Vulns []*osvVuln `json:"vulns"`
}

type osvVuln struct {
	ID         string         `json:"id"`
	Summary    string         `json:"summary"`
	Severity   []*osvSeverity `json:"severity"`
	Affected   []*osvAffected `json:"affected"`
	References []*osvRef      `json:"references"`
}

type osvSeverity struct {
	Type  string `json:"type"`
	Score string `json:"score"`
}

type osvAffected struct {
	Package struct {
		Name string `json:"name"`
	} `json:"package"`
	Ranges []*osvRange `json:"ranges"`
}

type osvRange struct {
	Events []map[string]any `json:"events"`
}

type osvRef struct {
	URL string `json:"url"`
}

// Query returns the normalized top vulnerabilities for one npm
// package@version, served from cache when fresh.
func (c *OSVClient) Query(ctx context.Context, name, version string) ([]map[string]any, error) {
	key := fmt.Sprintf("osv:npm:%s@%s", name, version)
	if vulns, ok := c.cached(key); ok {
		return vulns, nil
	}

	payload := map[string]any{
		"package": map[string]any{"name": name, "ecosystem": "npm"},
		"version": version,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal osv query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create osv request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query osv: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("osv query returned status %d", resp.StatusCode)
	}

	var data osvResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode osv response: %w", err)
	}

	vulns := normalizeVulns(name, version, &data)
	c.store(key, vulns)
	return vulns, nil
}

func (c *OSVClient) cached(key string) ([]map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.at) > osvCacheTTL {
		delete(c.cache, key)
		return nil, false
	}
	return entry.vulns, true
}

func (c *OSVClient) store(key string, vulns []map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = &osvCacheEntry{at: c.now(), vulns: vulns}
}

// normalizeVulns flattens an OSV response to at most five compact records,
// keeping only ranges for the queried package name.
func normalizeVulns(name, version string, data *osvResponse) []map[string]any {
	vulns := data.Vulns
	if len(vulns) > 5 {
		vulns = vulns[:5]
	}

	out := make([]map[string]any, 0, len(vulns))
	for _, v := range vulns {
		var ranges [][]map[string]any
		for _, aff := range v.Affected {
			if aff.Package.Name != name {
				continue
			}
			for _, r := range aff.Ranges {
				events := r.Events
				if events == nil {
					events = []map[string]any{}
				}
				ranges = append(ranges, events)
			}
		}
		if len(ranges) > 3 {
			ranges = ranges[:3]
		}

		var references []string
		for _, ref := range v.References {
			if ref.URL != "" {
				references = append(references, ref.URL)
			}
		}
		if len(references) > 3 {
			references = references[:3]
		}

		severity := "UNKNOWN"
		if len(v.Severity) > 0 {
			if s := v.Severity[0]; s.Score != "" {
				severity = s.Score
			} else if s.Type != "" {
				severity = s.Type
			}
		}

		out = append(out, map[string]any{
			"package":         name,
			"version":         version,
			"osv_id":          v.ID,
			"summary":         v.Summary,
			"severity":        severity,
			"affected_ranges": ranges,
			"references":      references,
		})
	}
	return out
}
