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

package workflowrisk

import (
	"context"
	"fmt"
	"strings"

	"github.com/abcxyz/pkg/logging"

	"github.com/abcxyz/github-sentinel/pkg/forge"
	"github.com/abcxyz/github-sentinel/pkg/incident"
)

// defaultScoreThreshold is the minimum risk score that emits a GhostAction
// incident when no secret references are present.
const defaultScoreThreshold = 60

// maxKnownSecretFiles caps how many base-ref workflow files are read when
// building the known-secret set for the personalized detector.
const maxKnownSecretFiles = 10

// Forge is the subset of the Forge client the detectors need.
type Forge interface {
	CommitFiles(ctx context.Context, owner, repo, sha string) ([]string, error)
	FileContent(ctx context.Context, owner, repo, path, ref string) (string, error)
	DirectoryFiles(ctx context.Context, owner, repo, dir, ref string) ([]string, error)
	GetUser(ctx context.Context, login string) (*forge.User, error)
	CollaboratorPermission(ctx context.Context, owner, repo, login string) (string, error)
}

// PushCommit is one commit in a push event.
type PushCommit struct {
	SHA      string
	Added    []string
	Modified []string
	Removed  []string
}

// PushEvent is the view of a Forge push event the detectors consume.
type PushEvent struct {
	RepoFullName string
	ActorLogin   string
	CreatedAt    string
	HeadSHA      string
	BeforeSHA    string
	AfterSHA     string
	Commits      []*PushCommit
}

// Detector inspects pushed workflow changes for exfiltration patterns. All
// Forge reads are gated by a per-cycle fetch budget so a burst of pushes
// cannot starve the event poller of API quota.
type Detector struct {
	forge          Forge
	scoreThreshold int
}

// NewDetector creates a Detector. A non-positive scoreThreshold falls back
// to the default.
func NewDetector(fg Forge, scoreThreshold int) *Detector {
	if scoreThreshold <= 0 {
		scoreThreshold = defaultScoreThreshold
	}
	return &Detector{
		forge:          fg,
		scoreThreshold: scoreThreshold,
	}
}

type shaPath struct {
	sha  string
	path string
}

// GhostAction flags pushes that rewrite workflows to enumerate secrets and
// ship them to external domains. It emits at most one incident per push,
// keyed by the push head SHA.
func (d *Detector) GhostAction(ctx context.Context, ev *PushEvent, budget *forge.Budget) []*incident.Incident {
	repoFullName := ev.RepoFullName
	if !strings.Contains(repoFullName, "/") {
		return nil
	}
	owner, name, _ := strings.Cut(repoFullName, "/")
	headSHA := ev.HeadSHA

	var paths []shaPath
	for _, c := range ev.Commits {
		sha := c.SHA
		if sha == "" {
			sha = headSHA
		}
		if sha == "" {
			continue
		}
		for _, group := range [][]string{c.Added, c.Modified, c.Removed} {
			for _, p := range group {
				if IsWorkflowPath(p) {
					paths = append(paths, shaPath{sha: sha, path: p})
				}
			}
		}
	}
	if len(paths) == 0 && headSHA != "" {
		for _, p := range d.commitFiles(ctx, owner, name, headSHA, budget) {
			if IsWorkflowPath(p) {
				paths = append(paths, shaPath{sha: headSHA, path: p})
			}
		}
	}
	if len(paths) == 0 {
		return nil
	}

	var (
		secretRefCount int
		maxScore       int
		domains        []string
		indicators     []string
		snippets       []string
	)
	for _, sp := range paths {
		text := d.workflowText(ctx, owner, name, sp.path, sp.sha, budget)
		if text == "" {
			continue
		}
		analysis := AnalyzeWorkflowText(text)
		secretRefCount += analysis.SecretRefCount
		domains = append(domains, analysis.ExternalDomains...)
		indicators = append(indicators, analysis.MatchedIndicators...)
		snippets = append(snippets, analysis.Snippets...)
		if analysis.Score > maxScore {
			maxScore = analysis.Score
		}
	}
	if len(indicators) == 0 {
		return nil
	}
	if secretRefCount == 0 && maxScore < d.scoreThreshold {
		return nil
	}

	severity := "high"
	if maxScore >= 80 {
		severity = "critical"
	}
	actorKind := "user"
	if strings.HasSuffix(strings.ToLower(ev.ActorLogin), "[bot]") {
		actorKind = "bot"
	}

	uniqueIndicators := sortedUnique(indicators)
	uniquePaths := make([]string, 0, len(paths))
	for _, sp := range paths {
		uniquePaths = append(uniquePaths, sp.path)
	}
	if len(snippets) > 3 {
		snippets = snippets[:3]
	}

	var actorCtx map[string]any
	if ev.ActorLogin != "" {
		actorCtx = d.actorContext(ctx, owner, name, ev.ActorLogin, budget)
	}

	dedupeKey := fmt.Sprintf("ghostaction:%s:%s", repoFullName, headSHA)
	inc := &incident.Incident{
		ID:           incident.ID(dedupeKey),
		Kind:         incident.KindGhostActionRisk,
		RunID:        incident.StableRunID(dedupeKey),
		DedupeKey:    dedupeKey,
		RepoFullName: repoFullName,
		WorkflowName: "workflow_change",
		Status:       "detected",
		Conclusion:   severity,
		HTMLURL:      fmt.Sprintf("https://github.com/%s/commit/%s", repoFullName, headSHA),
		CreatedAt:    ev.CreatedAt,
		UpdatedAt:    ev.CreatedAt,
		Title:        fmt.Sprintf("GhostAction-style workflow risk detected in %s", repoFullName),
		Tags: []string{
			"security",
			"ghostaction",
			"risk:" + severity,
			"signals:" + strings.Join(uniqueIndicators, ","),
			"actor:" + actorKind,
			fmt.Sprintf("score:%d", maxScore),
		},
		Evidence: incident.Evidence{
			"repo_full_name":     repoFullName,
			"sha":                headSHA,
			"actor":              ev.ActorLogin,
			"workflow_paths":     sortedUnique(uniquePaths),
			"secret_ref_count":   secretRefCount,
			"external_domains":   sortedUnique(domains),
			"matched_indicators": uniqueIndicators,
			"snippets":           snippets,
			"actor_context":      actorCtx,
			"detected_at":        ev.CreatedAt,
			"source":             "global_events",
		},
	}
	return []*incident.Incident{inc}
}

// PersonalizedExfil flags workflows rewritten to post a repository's own
// secrets to an attacker URL. Unlike GhostAction it compares the head
// revision against the base to find which known secret names the change
// started referencing, and emits one incident per touched workflow path.
func (d *Detector) PersonalizedExfil(ctx context.Context, ev *PushEvent, budget *forge.Budget) []*incident.Incident {
	repoFullName := ev.RepoFullName
	if !strings.Contains(repoFullName, "/") {
		return nil
	}
	owner, name, _ := strings.Cut(repoFullName, "/")
	baseSHA := ev.BeforeSHA
	headSHA := ev.AfterSHA

	var paths []string
	for _, c := range ev.Commits {
		for _, group := range [][]string{c.Added, c.Modified, c.Removed} {
			for _, p := range group {
				if IsWorkflowPath(p) {
					paths = append(paths, p)
				}
			}
		}
	}
	if len(paths) == 0 && headSHA != "" {
		for _, p := range d.commitFiles(ctx, owner, name, headSHA, budget) {
			if IsWorkflowPath(p) {
				paths = append(paths, p)
			}
		}
	}
	if len(paths) == 0 || headSHA == "" || baseSHA == "" {
		return nil
	}

	knownSecrets := d.knownSecrets(ctx, owner, name, baseSHA, budget)
	knownSet := make(map[string]struct{}, len(knownSecrets))
	for _, s := range knownSecrets {
		knownSet[s] = struct{}{}
	}

	var incidents []*incident.Incident
	for _, path := range sortedUnique(paths) {
		text := d.workflowText(ctx, owner, name, path, headSHA, budget)
		if text == "" {
			continue
		}

		var newSecrets []string
		for _, m := range secretExprRE.FindAllStringSubmatch(text, -1) {
			newSecrets = append(newSecrets, m[1])
		}
		newSecrets = sortedUnique(newSecrets)

		var overlap []string
		for _, s := range newSecrets {
			if _, ok := knownSet[s]; ok {
				overlap = append(overlap, s)
			}
		}

		hasExfil := exfilToolRE.MatchString(text)
		hasPost := postFlagRE.MatchString(text)
		hasToJSON := toJSONSecretsRE.MatchString(text)
		urls := urlRE.FindAllString(text, -1)
		if !hasExfil || !hasPost || len(urls) == 0 {
			continue
		}
		if !secretRE.MatchString(text) && !hasToJSON {
			continue
		}

		extDomains := externalDomains(urls)
		var iocs []string
		for _, dom := range extDomains {
			if isIOCDomain(dom) {
				iocs = append(iocs, dom)
			}
		}
		hasIOCName := strings.Contains(text, iocWorkflowName)

		confidence := "low"
		if len(overlap) > 0 {
			confidence = "medium"
		}
		if (base64RE.MatchString(text) || hasToJSON) && confidence == "low" {
			confidence = "medium"
		}
		if len(iocs) > 0 || hasIOCName {
			confidence = "high"
		}

		overlapHashes := make([]string, 0, len(overlap))
		for _, s := range overlap {
			overlapHashes = append(overlapHashes, incident.HashSecretName(s))
		}
		var exfilDomain any
		if len(iocs) > 0 {
			exfilDomain = iocs[0]
		} else if len(extDomains) > 0 {
			exfilDomain = extDomains[0]
		}

		dedupeKey := fmt.Sprintf("personalized_exfil:%s:%s:%s", repoFullName, headSHA, path)
		incidents = append(incidents, &incident.Incident{
			ID:           incident.ID(dedupeKey),
			Kind:         incident.KindPersonalizedExfil,
			RunID:        incident.StableRunID(dedupeKey),
			DedupeKey:    dedupeKey,
			RepoFullName: repoFullName,
			WorkflowName: path,
			Status:       "detected",
			Conclusion:   confidence,
			HTMLURL:      fmt.Sprintf("https://github.com/%s/commit/%s", repoFullName, headSHA),
			CreatedAt:    ev.CreatedAt,
			UpdatedAt:    ev.CreatedAt,
			Title:        fmt.Sprintf("Personalized secret exfiltration risk in %s", repoFullName),
			Tags: []string{
				"security",
				"workflow_injection",
				"secret_enumeration",
				"confidence:" + confidence,
				fmt.Sprintf("overlap:%d", len(overlap)),
			},
			Evidence: incident.Evidence{
				"repo_full_name":  repoFullName,
				"sha":             headSHA,
				"actor":           ev.ActorLogin,
				"workflow_path":   path,
				"overlap_secrets": overlapHashes,
				"overlap_count":   len(overlap),
				"exfil_domain":    exfilDomain,
				"confidence":      confidence,
				"evidence_lines":  extractEvidenceLines(text, 8),
				"source":          "global_events",
			},
		})
	}
	return incidents
}

// commitFiles lists the files touched by a commit, spending one budget
// token. Failures are logged and treated as no files.
func (d *Detector) commitFiles(ctx context.Context, owner, repo, sha string, budget *forge.Budget) []string {
	if !budget.Take() {
		return nil
	}
	files, err := d.forge.CommitFiles(ctx, owner, repo, sha)
	if err != nil {
		logging.FromContext(ctx).DebugContext(ctx, "commit file listing failed",
			"repo", owner+"/"+repo,
			"sha", sha,
			"error", err)
		return nil
	}
	return files
}

// workflowText fetches one workflow file at ref, spending one budget token.
// Failures are logged and treated as empty content.
func (d *Detector) workflowText(ctx context.Context, owner, repo, path, ref string, budget *forge.Budget) string {
	if !budget.Take() {
		return ""
	}
	text, err := d.forge.FileContent(ctx, owner, repo, path, ref)
	if err != nil {
		logging.FromContext(ctx).DebugContext(ctx, "workflow content fetch failed",
			"repo", owner+"/"+repo,
			"path", path,
			"ref", ref,
			"error", err)
		return ""
	}
	return text
}

// knownSecrets collects the secret names referenced by the workflows at the
// base ref, the set an attacker-personalized workflow would target.
func (d *Detector) knownSecrets(ctx context.Context, owner, repo, ref string, budget *forge.Budget) []string {
	if !budget.Take() {
		return nil
	}
	entries, err := d.forge.DirectoryFiles(ctx, owner, repo, strings.TrimSuffix(workflowDir, "/"), ref)
	if err != nil {
		logging.FromContext(ctx).DebugContext(ctx, "workflow directory listing failed",
			"repo", owner+"/"+repo,
			"ref", ref,
			"error", err)
		return nil
	}

	var files []string
	for _, p := range entries {
		if IsWorkflowPath(p) {
			files = append(files, p)
		}
	}
	if len(files) > maxKnownSecretFiles {
		files = files[:maxKnownSecretFiles]
	}

	var secrets []string
	for _, p := range files {
		text := d.workflowText(ctx, owner, repo, p, ref, budget)
		if text == "" {
			continue
		}
		for _, m := range secretExprRE.FindAllStringSubmatch(text, -1) {
			secrets = append(secrets, m[1])
		}
	}
	return sortedUnique(secrets)
}

// actorContext fetches profile context for the pushing actor, plus their
// repository permission when budget allows. Either lookup failing degrades
// to less context rather than an error.
func (d *Detector) actorContext(ctx context.Context, owner, repo, login string, budget *forge.Budget) map[string]any {
	if !budget.Take() {
		return nil
	}
	user, err := d.forge.GetUser(ctx, login)
	if err != nil {
		logging.FromContext(ctx).DebugContext(ctx, "actor lookup failed",
			"login", login,
			"error", err)
		return nil
	}
	actorCtx := map[string]any{
		"login":        login,
		"type":         user.Type,
		"created_at":   user.CreatedAt,
		"followers":    user.Followers,
		"public_repos": user.PublicRepos,
		"site_admin":   user.SiteAdmin,
	}
	if budget.Take() {
		if perm, err := d.forge.CollaboratorPermission(ctx, owner, repo, login); err == nil && perm != "" {
			actorCtx["permission"] = perm
		}
	}
	return actorCtx
}
