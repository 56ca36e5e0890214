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

// Package migration moves live sessions between scenario versions. A
// planner diffs two versions into per-anchor policies, a deployer stamps
// the affected sessions, and a just-in-time executor reconciles each
// session on its next turn.
package migration

import (
	"context"
	"fmt"
	"sort"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/model"
	"github.com/guidepost-ai/guidepost/pkg/scenario"
	"github.com/guidepost-ai/guidepost/pkg/stores"
)

// Planner diffs scenario versions into migration plans.
type Planner struct {
	cfg   config.MigrationConfig
	plans stores.MigrationStore
}

// NewPlanner creates a planner. A nil store makes BuildPlan dry-run only.
func NewPlanner(cfg config.MigrationConfig, plans stores.MigrationStore) *Planner {
	cfg.SetDefaults()
	return &Planner{cfg: cfg, plans: plans}
}

// BuildPlan diffs v1 against v2 and produces a PENDING plan with one
// policy per v1 step. The plan is saved for review when a store is
// configured.
func (p *Planner) BuildPlan(ctx context.Context, v1, v2 *model.Scenario) (*model.MigrationPlan, error) {
	if v1.ID != v2.ID {
		return nil, model.NewError(model.ErrValidation, "cannot plan across different scenarios")
	}
	if v2.Version <= v1.Version {
		return nil, model.NewError(model.ErrValidation,
			"target version %d is not newer than %d", v2.Version, v1.Version)
	}

	plan := &model.MigrationPlan{
		AgentHeader: model.NewAgentHeader(v1.TenantID, v1.AgentID),
		ID:          model.NewID(),
		ScenarioID:  v1.ID,
		FromVersion: v1.Version,
		ToVersion:   v2.Version,
		Policies:    make(map[string]model.AnchorPolicy, len(v1.Steps)),
		Status:      model.PlanPending,
	}

	v1Hashes := scenario.HashSteps(v1)
	counts := map[model.MigrationKind]int{}

	for _, step := range v1.Steps {
		pol := p.policyFor(step, v1, v2)
		pol.AnchorHash = v1Hashes[step.ID]
		plan.Policies[pol.AnchorHash] = pol
		plan.Warnings = append(plan.Warnings, pol.Warnings...)
		counts[pol.Kind]++
	}

	plan.Summary = fmt.Sprintf("%s v%d -> v%d: %d clean grafts, %d gap fills, %d re-routes",
		v1.ID, v1.Version, v2.Version,
		counts[model.MigrationCleanGraft], counts[model.MigrationGapFill], counts[model.MigrationReRoute])

	if p.plans != nil {
		if err := p.plans.SavePlan(ctx, plan); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// policyFor classifies one v1 step. Data collection outranks routing:
// when the upstream both gained required fields and changed a fork, the
// anchor gap-fills and carries the fork as a warning.
func (p *Planner) policyFor(step *model.ScenarioStep, v1, v2 *model.Scenario) model.AnchorPolicy {
	pol := model.AnchorPolicy{V1StepID: step.ID, Kind: model.MigrationCleanGraft}

	v2Step := v2.Step(step.ID)
	if v2Step == nil {
		// The step no longer exists; land the session at the nearest
		// surviving upstream step, falling back to the entry step.
		pol.V2StepID = nearestSurvivor(step.ID, v1, v2)
		pol.Warnings = append(pol.Warnings,
			fmt.Sprintf("step %q removed in v%d, sessions restart from %q", step.ID, v2.Version, pol.V2StepID))
		if p.reroutingEnabled() {
			pol.Kind = model.MigrationReRoute
			pol.RerouteStepID = pol.V2StepID
		}
		return pol
	}
	pol.V2StepID = v2Step.ID

	missing := newUpstreamFields(step.ID, v1, v2)
	fork := changedUpstreamFork(step.ID, v1, v2)

	switch {
	case len(missing) > 0:
		pol.Kind = model.MigrationGapFill
		pol.MissingFields = missing
		if fork != "" {
			pol.Warnings = append(pol.Warnings,
				fmt.Sprintf("upstream fork %q also changed; route not re-evaluated for %q", fork, step.ID))
		}
	case fork != "":
		if p.reroutingEnabled() {
			pol.Kind = model.MigrationReRoute
			pol.RerouteStepID = fork
		} else {
			pol.Warnings = append(pol.Warnings,
				fmt.Sprintf("upstream fork %q changed but re-routing is disabled; %q grafts in place", fork, step.ID))
		}
	}
	return pol
}

func (p *Planner) reroutingEnabled() bool {
	return p.cfg.ReRoutingEnabled != nil && *p.cfg.ReRoutingEnabled
}

// ancestors returns the step ids from which stepID is reachable,
// excluding stepID itself.
func ancestors(sc *model.Scenario, stepID string) map[string]bool {
	// reverse adjacency
	rev := map[string][]string{}
	for _, s := range sc.Steps {
		for _, tr := range s.Transitions {
			rev[tr.TargetStepID] = append(rev[tr.TargetStepID], s.ID)
		}
	}
	out := map[string]bool{}
	queue := []string{stepID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, from := range rev[cur] {
			if from == stepID || out[from] {
				continue
			}
			out[from] = true
			queue = append(queue, from)
		}
	}
	return out
}

// upstreamFields collects the required fields of every ancestor of
// stepID, i.e. the fields a session has gathered by the time it arrives.
func upstreamFields(sc *model.Scenario, stepID string) map[string]bool {
	out := map[string]bool{}
	anc := ancestors(sc, stepID)
	for _, s := range sc.Steps {
		if !anc[s.ID] {
			continue
		}
		for _, f := range s.RequiredFields {
			out[f] = true
		}
	}
	return out
}

// newUpstreamFields returns the fields required upstream of the anchor
// in v2 that v1 never collected upstream, sorted for determinism.
func newUpstreamFields(stepID string, v1, v2 *model.Scenario) []string {
	old := upstreamFields(v1, stepID)
	var out []string
	for f := range upstreamFields(v2, stepID) {
		if !old[f] {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// changedUpstreamFork returns the id of an ancestor branching step whose
// transitions differ between versions, or "". When several changed, the
// lexically smallest id is reported.
func changedUpstreamFork(stepID string, v1, v2 *model.Scenario) string {
	anc := ancestors(v2, stepID)
	var forks []string
	for _, s2 := range v2.Steps {
		if !anc[s2.ID] || len(s2.Transitions) < 2 {
			continue
		}
		s1 := v1.Step(s2.ID)
		if s1 == nil {
			continue
		}
		if !sameTransitions(s1.Transitions, s2.Transitions) {
			forks = append(forks, s2.ID)
		}
	}
	if len(forks) == 0 {
		return ""
	}
	sort.Strings(forks)
	return forks[0]
}

func sameTransitions(a, b []model.StepTransition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].TargetStepID != b[i].TargetStepID ||
			a[i].Condition != b[i].Condition ||
			a[i].Intent != b[i].Intent {
			return false
		}
	}
	return true
}

// nearestSurvivor walks v1 ancestors of a removed step looking for the
// closest one that still exists in v2; the v2 entry step is the fallback.
func nearestSurvivor(stepID string, v1, v2 *model.Scenario) string {
	rev := map[string][]string{}
	for _, s := range v1.Steps {
		for _, tr := range s.Transitions {
			rev[tr.TargetStepID] = append(rev[tr.TargetStepID], s.ID)
		}
	}

	visited := map[string]bool{stepID: true}
	queue := append([]string(nil), rev[stepID]...)
	sort.Strings(queue)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if v2.Step(cur) != nil {
			return cur
		}
		next := append([]string(nil), rev[cur]...)
		sort.Strings(next)
		queue = append(queue, next...)
	}
	return v2.EntryStepID
}
