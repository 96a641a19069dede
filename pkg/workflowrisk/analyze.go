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

// Package workflowrisk detects malicious workflow changes in push events:
// GhostAction-style bulk secret exfiltration and personalized secret
// exfiltration tailored to a repository's own secrets.
package workflowrisk

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// workflowDir is where the Forge keeps workflow definitions.
const workflowDir = ".github/workflows/"

// iocWorkflowName is the workflow name used by the known GhostAction
// campaign.
const iocWorkflowName = "Github Actions Security"

var safeDomains = map[string]struct{}{
	"github.com":                    {},
	"api.github.com":                {},
	"objects.githubusercontent.com": {},
}

// iocDomains are sinks observed receiving exfiltrated secrets.
var iocDomains = map[string]struct{}{
	"bold-dhawan.45-139-104-115.plesk.page": {},
	"493networking.cc":                      {},
}

var suspiciousSteps = []string{"security", "audit", "scanner"}

var (
	secretRE           = regexp.MustCompile(`secrets\.([A-Z0-9_]+)`)
	secretExprRE       = regexp.MustCompile(`\$\{\{\s*secrets\.([A-Z0-9_]+)\s*\}\}`)
	toJSONSecretsRE    = regexp.MustCompile(`(?i)toJSON\(\s*secrets\s*\)`)
	urlRE              = regexp.MustCompile(`https?://[^\s)"']+`)
	exfilToolRE        = regexp.MustCompile(`(?i)\b(curl|wget|Invoke-WebRequest|nc)\b`)
	postFlagRE         = regexp.MustCompile(`(?i)(-X\s*POST|--data|-d\s)`)
	base64RE           = regexp.MustCompile(`(?i)\bbase64\b`)
	triggerRE          = regexp.MustCompile(`\b(pull_request_target|workflow_run|workflow_call)\b`)
	permissionsWriteRE = regexp.MustCompile(`(?i)\b(contents|id-token|pull-requests)\s*:\s*write\b`)
	selfHostedRE       = regexp.MustCompile(`(?i)\bself-hosted\b`)
	usesRE             = regexp.MustCompile(`(?i)uses:\s*([^\s@]+)@([^\s]+)`)
	versionTagRE       = regexp.MustCompile(`^v\d+$`)
	commitSHARE        = regexp.MustCompile(`(?i)^[0-9a-f]{40}$`)
)

// Analysis is the static risk assessment of a single workflow file.
type Analysis struct {
	SecretRefCount    int
	ExternalDomains   []string
	IOCDomains        []string
	MatchedIndicators []string
	Score             int
	Snippets          []string
}

// IsWorkflowPath reports whether path is a workflow definition.
func IsWorkflowPath(path string) bool {
	if path == "" || !strings.HasPrefix(path, workflowDir) {
		return false
	}
	return strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml")
}

// AnalyzeWorkflowText scores a workflow definition for exfiltration
// indicators. The score saturates secret references at five so one huge
// secret dump cannot crowd out the structural indicators.
func AnalyzeWorkflowText(text string) *Analysis {
	secretRefCount := len(secretRE.FindAllString(text, -1))
	externalDomains := externalDomains(urlRE.FindAllString(text, -1))

	hasExfilTool := exfilToolRE.MatchString(text)
	hasPost := postFlagRE.MatchString(text)
	hasSuspiciousTrigger := triggerRE.MatchString(text)
	hasPermissionsWrite := permissionsWriteRE.MatchString(text)
	hasSelfHosted := selfHostedRE.MatchString(text)
	hasUnpinnedAction := usesUnpinnedAction(text)
	hasSuspiciousStep := containsSuspiciousStep(text)

	var iocs []string
	for _, d := range externalDomains {
		if isIOCDomain(d) {
			iocs = append(iocs, d)
		}
	}

	var indicators []string
	if secretRefCount > 0 {
		indicators = append(indicators, "secrets_reference")
	}
	if hasSuspiciousTrigger {
		indicators = append(indicators, "suspicious_trigger")
	}
	if hasPermissionsWrite {
		indicators = append(indicators, "permissions_write")
	}
	if hasSelfHosted {
		indicators = append(indicators, "self_hosted_runner")
	}
	if hasUnpinnedAction {
		indicators = append(indicators, "unpinned_action_ref")
	}
	if hasSuspiciousStep {
		indicators = append(indicators, "suspicious_step_name")
	}
	if hasExfilTool && len(externalDomains) > 0 {
		indicators = append(indicators, "exfil_tool_with_external_url")
	}
	if hasPost {
		indicators = append(indicators, "post_body_exfil")
	}
	if len(iocs) > 0 {
		indicators = append(indicators, "known_ioc_domain")
	}

	score := 0
	if n := secretRefCount; n > 0 {
		if n > 5 {
			n = 5
		}
		score += n * 8
	}
	if hasSuspiciousTrigger {
		score += 12
	}
	if hasPermissionsWrite {
		score += 12
	}
	if hasSelfHosted {
		score += 10
	}
	if hasUnpinnedAction {
		score += 10
	}
	if hasSuspiciousStep {
		score += 6
	}
	if hasExfilTool && len(externalDomains) > 0 {
		score += 20
	}
	if hasPost {
		score += 10
	}
	if len(iocs) > 0 {
		score += 25
	}

	return &Analysis{
		SecretRefCount:    secretRefCount,
		ExternalDomains:   externalDomains,
		IOCDomains:        iocs,
		MatchedIndicators: indicators,
		Score:             score,
		Snippets:          extractSnippets(text, 3),
	}
}

// redactSecrets rewrites secret references so evidence never carries a
// secret name. Full expressions are redacted before bare references so the
// expression form survives as a recognizable shape.
func redactSecrets(line string) string {
	line = secretExprRE.ReplaceAllString(line, "${{ secrets.REDACTED }}")
	return secretRE.ReplaceAllString(line, "secrets.REDACTED")
}

// extractSnippets returns up to maxLines redacted lines that carry risk
// indicators, for human review.
func extractSnippets(text string, maxLines int) []string {
	var matches []string
	for _, line := range strings.Split(text, "\n") {
		if len(matches) >= maxLines {
			break
		}
		if secretRE.MatchString(line) || exfilToolRE.MatchString(line) ||
			urlRE.MatchString(line) || triggerRE.MatchString(line) ||
			permissionsWriteRE.MatchString(line) {
			matches = append(matches, strings.TrimSpace(redactSecrets(line)))
		}
	}
	return matches
}

// extractEvidenceLines returns up to maxLines redacted lines matching the
// exfiltration shape.
func extractEvidenceLines(text string, maxLines int) []string {
	var matches []string
	for _, line := range strings.Split(text, "\n") {
		if len(matches) >= maxLines {
			break
		}
		if secretRE.MatchString(line) || exfilToolRE.MatchString(line) ||
			postFlagRE.MatchString(line) || base64RE.MatchString(line) ||
			urlRE.MatchString(line) || strings.Contains(line, iocWorkflowName) {
			matches = append(matches, strings.TrimSpace(redactSecrets(line)))
		}
	}
	return matches
}

// externalDomains extracts the hosts from urls, dropping the Forge's own
// domains, and returns them sorted and deduplicated.
func externalDomains(urls []string) []string {
	var domains []string
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		host := strings.ToLower(u.Host)
		if _, ok := safeDomains[host]; ok {
			continue
		}
		if strings.HasSuffix(host, ".github.com") {
			continue
		}
		domains = append(domains, host)
	}
	return sortedUnique(domains)
}

func isIOCDomain(domain string) bool {
	if _, ok := iocDomains[domain]; ok {
		return true
	}
	return strings.HasSuffix(domain, ".plesk.page")
}

// usesUnpinnedAction reports whether any action reference is not pinned to
// a full commit SHA.
func usesUnpinnedAction(text string) bool {
	for _, m := range usesRE.FindAllStringSubmatch(text, -1) {
		ref := m[2]
		if ref == "main" || ref == "master" || ref == "v1" {
			return true
		}
		if versionTagRE.MatchString(ref) {
			return true
		}
		if !commitSHARE.MatchString(ref) {
			return true
		}
	}
	return false
}

func containsSuspiciousStep(text string) bool {
	lower := strings.ToLower(text)
	for _, s := range suspiciousSteps {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func sortedUnique(values []string) []string {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
