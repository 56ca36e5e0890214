// Copyright 2025 The Guidepost Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package migration

import (
	"sort"

	"github.com/guidepost-ai/guidepost/pkg/model"
)

// CompositeMapper folds a chain of deployed plans into single-hop
// policies, so a session several versions behind reconciles in one move
// instead of replaying each upgrade.
type CompositeMapper struct {
	scenarioID string
	chain      []*model.MigrationPlan
}

// NewCompositeMapper builds the chain of deployed plans for scenarioID
// starting at fromVersion. The chain follows contiguous FromVersion ->
// ToVersion links and stops at the first gap or after maxHops plans
// (0 means unbounded).
func NewCompositeMapper(plans []*model.MigrationPlan, scenarioID string, fromVersion, maxHops int) *CompositeMapper {
	byFrom := map[int]*model.MigrationPlan{}
	for _, p := range plans {
		if p.ScenarioID != scenarioID || p.Status != model.PlanDeployed {
			continue
		}
		// With several deployed plans from the same version, prefer the
		// one reaching furthest.
		if cur, ok := byFrom[p.FromVersion]; !ok || p.ToVersion > cur.ToVersion {
			byFrom[p.FromVersion] = p
		}
	}

	m := &CompositeMapper{scenarioID: scenarioID}
	v := fromVersion
	for {
		p, ok := byFrom[v]
		if !ok {
			break
		}
		m.chain = append(m.chain, p)
		v = p.ToVersion
		if maxHops > 0 && len(m.chain) >= maxHops {
			break
		}
	}
	return m
}

// Len returns the number of chained plans.
func (m *CompositeMapper) Len() int { return len(m.chain) }

// ToVersion returns the version the chain ends at, or fromVersion when
// the chain is empty.
func (m *CompositeMapper) ToVersion(fromVersion int) int {
	if len(m.chain) == 0 {
		return fromVersion
	}
	return m.chain[len(m.chain)-1].ToVersion
}

// Map composes the per-plan policies for a v1 anchor into one policy
// spanning the chain, plus the version the composed policy lands on. Hops
// after the first are followed by step id, since the intermediate
// versions' hashes are unknown to the session. A hop without a policy for
// the carried step ends the composition early, so the landing version may
// fall short of the chain's end.
func (m *CompositeMapper) Map(anchorHash string) (model.AnchorPolicy, int, bool) {
	if len(m.chain) == 0 {
		return model.AnchorPolicy{}, 0, false
	}

	first, ok := m.chain[0].Policy(anchorHash)
	if !ok {
		return model.AnchorPolicy{}, 0, false
	}
	landedVersion := m.chain[0].ToVersion

	out := model.AnchorPolicy{
		AnchorHash: anchorHash,
		V1StepID:   first.V1StepID,
		V2StepID:   first.V2StepID,
		Kind:       first.Kind,
	}
	missing := map[string]bool{}
	for _, f := range first.MissingFields {
		missing[f] = true
	}
	out.RerouteStepID = first.RerouteStepID
	out.Warnings = append(out.Warnings, first.Warnings...)

	for _, plan := range m.chain[1:] {
		next, ok := policyByStepID(plan, out.V2StepID)
		if !ok {
			// The landing step has no policy in the next hop; the chain
			// ends here and the session settles at the intermediate
			// version's step carried forward.
			break
		}
		landedVersion = plan.ToVersion
		out.V2StepID = next.V2StepID
		out.Kind = strongerKind(out.Kind, next.Kind)
		for _, f := range next.MissingFields {
			missing[f] = true
		}
		if next.Kind == model.MigrationReRoute {
			out.RerouteStepID = next.RerouteStepID
		}
		out.Warnings = append(out.Warnings, next.Warnings...)
	}

	for f := range missing {
		out.MissingFields = append(out.MissingFields, f)
	}
	sort.Strings(out.MissingFields)
	return out, landedVersion, true
}

func policyByStepID(plan *model.MigrationPlan, stepID string) (model.AnchorPolicy, bool) {
	for _, p := range plan.Policies {
		if p.V1StepID == stepID {
			return p, true
		}
	}
	return model.AnchorPolicy{}, false
}

// strongerKind ranks remediation strength: gap fill outranks re-route
// outranks clean graft.
func strongerKind(a, b model.MigrationKind) model.MigrationKind {
	rank := func(k model.MigrationKind) int {
		switch k {
		case model.MigrationGapFill:
			return 2
		case model.MigrationReRoute:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
