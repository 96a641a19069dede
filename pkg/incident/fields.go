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

package incident

import "strings"

// DeriveScope classifies the blast radius from the incident kind.
func DeriveScope(kind Kind) Scope {
	if kind == KindEcosystemIncident {
		return ScopeEcosystem
	}
	return ScopeRepo
}

// DeriveSurface classifies the affected surface from the kind and tags.
func DeriveSurface(kind Kind, tags []string) Surface {
	tagBlob := strings.ToLower(strings.Join(tags, " "))
	switch {
	case kind == KindGhostActionRisk || kind == KindPersonalizedExfil:
		return SurfaceCredentials
	case kind == KindEcosystemIncident ||
		strings.Contains(tagBlob, "npm") ||
		strings.Contains(tagBlob, "dependency"):
		return SurfaceDependencies
	case kind == KindWorkflowFailure:
		return SurfaceOps
	default:
		return SurfaceAutomation
	}
}

// DeriveActor classifies the account behind the incident from its evidence.
// A trailing "[bot]" login or an explicit bot type forces IsBot.
func DeriveActor(evidence Evidence) *Actor {
	login := evidence.String("actor")
	if login == "" {
		login = evidence.String("actor_login")
	}

	var actorType ActorType
	if ctx, ok := evidence["actor_context"].(map[string]any); ok {
		if t, ok := ctx["type"].(string); ok {
			actorType = ActorType(strings.ToLower(t))
		}
	}

	isBot := strings.HasSuffix(strings.ToLower(login), "[bot]")
	if actorType == ActorBot {
		isBot = true
	}
	switch actorType {
	case ActorUser, ActorBot, ActorOrg:
	default:
		actorType = ActorUnknown
	}
	if login == "" {
		login = "unknown"
	}

	return &Actor{Login: login, Type: actorType, IsBot: isBot}
}

// ApplyDerivedFields fills scope, surface, and actor when they are unset.
// Already-set fields are left untouched so the derivation stays idempotent.
func ApplyDerivedFields(inc *Incident) {
	if inc.Scope == "" {
		inc.Scope = DeriveScope(inc.Kind)
	}
	if inc.Surface == "" {
		inc.Surface = DeriveSurface(inc.Kind, inc.Tags)
	}
	if inc.Actor == nil {
		inc.Actor = DeriveActor(inc.Evidence)
	}
}
