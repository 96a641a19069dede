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

// Package enrich annotates incidents with known-vulnerability data from the
// OSV database. Only incidents that plausibly involve package dependencies
// are queried; everything else is marked not applicable up front.
package enrich

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/abcxyz/github-sentinel/pkg/incident"
)

// packageVersionRE extracts name@version mentions, scoped paths and
// prerelease suffixes included, from free-form evidence text.
var packageVersionRE = regexp.MustCompile(`(@?[\w.-]+(?:/[\w.-]+)?)@([0-9]+\.[0-9]+\.[0-9]+[\w.-]*)`)

// PackageVersion names one exact package release to query.
type PackageVersion struct {
	Name    string
	Version string
}

// Relevant reports whether a vulnerability lookup could tell us anything
// about this incident.
func Relevant(inc *incident.Incident) bool {
	tagBlob := strings.ToLower(strings.Join(inc.Tags, " "))
	signature := strings.ToLower(inc.Evidence.String("signature"))
	if inc.Kind == incident.KindEcosystemIncident && strings.Contains(signature+tagBlob, "npm") {
		return true
	}
	return strings.Contains(tagBlob, "npm") ||
		strings.Contains(tagBlob, "dependency") ||
		strings.Contains(tagBlob, "supply")
}

// NotApplicable is the enrichment recorded for incidents that cannot
// benefit from a lookup.
func NotApplicable() map[string]any {
	return map[string]any{
		"osv": map[string]any{"status": "not_applicable"},
	}
}

// PackagesFromIncident mines the incident's evidence and summary for exact
// package@version mentions, in order of appearance, deduplicated.
func PackagesFromIncident(inc *incident.Incident) []*PackageVersion {
	var texts []string
	texts = append(texts, stringList(inc.Evidence["evidence_lines"])...)
	texts = append(texts, stringList(inc.Evidence["snippets"])...)
	for _, sample := range mapList(inc.Evidence["evidence_samples"]) {
		if line, ok := sample["matched_line"].(string); ok && line != "" {
			texts = append(texts, line)
		}
	}
	for _, section := range []string{"root_cause", "impact", "next_steps"} {
		texts = append(texts, stringList(inc.Summary[section])...)
	}

	var candidates []*PackageVersion
	for _, text := range texts {
		for _, m := range packageVersionRE.FindAllStringSubmatch(text, -1) {
			candidates = append(candidates, &PackageVersion{Name: m[1], Version: m[2]})
		}
	}
	if name := inc.Evidence.String("package"); name != "" {
		candidates = append(candidates, &PackageVersion{
			Name:    name,
			Version: inc.Evidence.String("package_version"),
		})
	}
	for _, pkg := range mapList(inc.Evidence["affected_packages"]) {
		name, _ := pkg["name"].(string)
		version, _ := pkg["version"].(string)
		candidates = append(candidates, &PackageVersion{Name: name, Version: version})
	}

	seen := make(map[string]struct{}, len(candidates))
	var exact []*PackageVersion
	for _, c := range candidates {
		if c.Name == "" || c.Version == "" || !isExactVersion(c.Version) {
			continue
		}
		key := c.Name + "@" + c.Version
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		exact = append(exact, c)
	}
	return exact
}

// isExactVersion reports whether version pins a single release rather than
// a range or wildcard.
func isExactVersion(version string) bool {
	return !strings.ContainsAny(version, "^~<>*x")
}

// stringList coerces evidence values that may be []string in memory or
// []any after a JSON round-trip.
func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return nil
	}
}

// mapList coerces evidence values that may be []map[string]any in memory or
// []any after a JSON round-trip.
func mapList(v any) []map[string]any {
	switch t := v.(type) {
	case []map[string]any:
		return t
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}
