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
	"context"
	"log/slog"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/expr"
	"github.com/guidepost-ai/guidepost/pkg/llms"
	"github.com/guidepost-ai/guidepost/pkg/model"
	"github.com/guidepost-ai/guidepost/pkg/scenario"
	"github.com/guidepost-ai/guidepost/pkg/stores"
)

// Result reports what a just-in-time reconciliation did to a session.
type Result struct {
	Applied bool
	Kind    model.MigrationKind

	FromStepID string
	ToStepID   string
	ToVersion  int

	// AskFields are gap-fill fields that could not be resolved; the
	// caller should collect them from the user before proceeding.
	AskFields []string

	// ConfirmFields were filled from the conversation below the silent
	// threshold and should be confirmed with the user.
	ConfirmFields map[string]model.Value

	// RouteChanged is set when re-evaluating a changed fork landed the
	// session somewhere other than its old position's graft target.
	RouteChanged bool
}

// Executor reconciles pending migrations on a session's next turn.
type Executor struct {
	cfg      config.MigrationConfig
	plans    stores.MigrationStore
	configs  stores.ConfigStore
	profiles stores.ProfileStore
	gapfill  *GapFill
}

// NewExecutor creates a just-in-time executor. profiles receives gap-fill
// values extracted with high confidence and may be nil. llm powers
// gap-fill conversation extraction and may be nil.
func NewExecutor(cfg config.MigrationConfig, plans stores.MigrationStore, configs stores.ConfigStore, profiles stores.ProfileStore, llm llms.Provider) *Executor {
	cfg.SetDefaults()
	return &Executor{
		cfg:      cfg,
		plans:    plans,
		configs:  configs,
		profiles: profiles,
		gapfill:  NewGapFill(cfg.GapFill, llm),
	}
}

// Reconcile applies the session's pending migration, if any, mutating the
// session in place. A nil result means nothing was pending. The session
// is left untouched when the policy cannot be applied.
func (e *Executor) Reconcile(ctx context.Context, session *model.Session, profile *model.CustomerProfile, history []llms.Message, env map[string]model.Value) (*Result, error) {
	pm := session.PendingMigration
	if pm == nil {
		return nil, nil
	}

	plan, err := e.plans.GetPlan(ctx, session.TenantID, pm.PlanID)
	if err != nil {
		if model.IsKind(err, model.ErrNotFound) || model.IsKind(err, model.ErrMigrationPlanNotFound) {
			// The plan was deleted from under the marker; clear it and
			// carry on at the old version.
			slog.Warn("pending migration references missing plan",
				"tenant", session.TenantID, "session", session.ID, "plan", pm.PlanID)
			session.PendingMigration = nil
			return nil, nil
		}
		return nil, err
	}

	policy, ok := plan.Policy(pm.AnchorHash)
	if !ok {
		slog.Warn("no policy for session anchor, clearing marker",
			"tenant", session.TenantID, "session", session.ID, "anchor", pm.AnchorHash)
		session.PendingMigration = nil
		return nil, nil
	}
	toVersion := plan.ToVersion

	// Later deployments may have stacked up while the session sat idle;
	// fold the whole chain into one hop.
	if all, lerr := e.plans.ListPlans(ctx, session.TenantID, session.AgentID); lerr == nil {
		m := NewCompositeMapper(all, plan.ScenarioID, plan.FromVersion, e.cfg.RetainVersions)
		if composed, landed, ok := m.Map(pm.AnchorHash); ok && m.Len() > 1 {
			// landed may fall short of the chain's end when a hop had no
			// policy for the carried step; the step and version must agree.
			policy = composed
			toVersion = landed
		}
	}

	target, err := e.configs.GetScenario(ctx, session.TenantID, session.AgentID, plan.ScenarioID, toVersion)
	if err != nil {
		return nil, err
	}

	var checkpoint *model.Session
	if e.cfg.CheckpointEnabled != nil && *e.cfg.CheckpointEnabled {
		checkpoint = session.Clone()
	}

	res, err := e.apply(ctx, session, profile, history, env, policy, target, toVersion)
	if err != nil {
		if checkpoint != nil {
			*session = *checkpoint
		}
		return nil, err
	}

	if e.cfg.LogDecisions == nil || *e.cfg.LogDecisions {
		slog.Info("session migrated",
			"tenant", session.TenantID, "session", session.ID,
			"plan", plan.ID, "kind", policy.Kind,
			"from_step", res.FromStepID, "to_step", res.ToStepID,
			"from_version", plan.FromVersion, "to_version", toVersion)
	}
	return res, nil
}

// ReconcileDrift catches sessions pinned behind the scenario's published
// version without a migration marker: deploys scoped past them, or a
// deploy racing their turn. It synthesizes the marker from the deployed
// plan leaving the session's version and reconciles. A nil result means
// no migration path exists and the session stays pinned.
func (e *Executor) ReconcileDrift(ctx context.Context, session *model.Session, currentVersion int, profile *model.CustomerProfile, history []llms.Message, env map[string]model.Value) (*Result, error) {
	if session.PendingMigration != nil || session.ActiveScenarioID == "" {
		return nil, nil
	}
	if session.ActiveScenarioVersion == currentVersion {
		return nil, nil
	}

	all, err := e.plans.ListPlans(ctx, session.TenantID, session.AgentID)
	if err != nil {
		return nil, err
	}
	var plan *model.MigrationPlan
	for _, p := range all {
		if p.ScenarioID != session.ActiveScenarioID || p.Status != model.PlanDeployed {
			continue
		}
		if p.FromVersion != session.ActiveScenarioVersion {
			continue
		}
		if plan == nil || p.ToVersion > plan.ToVersion {
			plan = p
		}
	}
	if plan == nil {
		return nil, nil
	}

	session.PendingMigration = &model.PendingMigration{
		PlanID:      plan.ID,
		AnchorHash:  session.ActiveStepHash,
		FromVersion: session.ActiveScenarioVersion,
	}
	return e.Reconcile(ctx, session, profile, history, env)
}

func (e *Executor) apply(ctx context.Context, session *model.Session, profile *model.CustomerProfile, history []llms.Message, env map[string]model.Value, policy model.AnchorPolicy, target *model.Scenario, toVersion int) (*Result, error) {
	res := &Result{
		Applied:    true,
		Kind:       policy.Kind,
		FromStepID: session.ActiveStepID,
		ToVersion:  toVersion,
	}

	landing := policy.V2StepID
	inferred := map[string]Resolution{}

	switch policy.Kind {
	case model.MigrationGapFill:
		// Fields dropped again by a later version are never asked for.
		missing := pruneToRequired(policy.MissingFields, target)
		resolved, err := e.gapfill.Resolve(ctx, missing, profile, session, history)
		if err != nil {
			return nil, err
		}
		for _, field := range missing {
			r, ok := resolved[field]
			if !ok {
				res.AskFields = append(res.AskFields, field)
				continue
			}
			session.SetVariable(field, r.Value)
			if e.gapfill.NeedsConfirmation(r) {
				if res.ConfirmFields == nil {
					res.ConfirmFields = map[string]model.Value{}
				}
				res.ConfirmFields[field] = r.Value
			} else if r.Source == SourceConversation {
				inferred[field] = r
			}
		}

	case model.MigrationReRoute:
		landing = e.reroute(policy, target, env)
		res.RouteChanged = landing != policy.V2StepID
	}

	step := target.Step(landing)
	if step == nil {
		return nil, model.NewError(model.ErrValidation,
			"migration landing step missing from target version")
	}

	session.ActiveScenarioVersion = toVersion
	session.ActiveStepID = step.ID
	session.ActiveStepHash = scenario.StepHash(step)
	session.PendingMigration = nil

	// Values extracted above the silent threshold outlive the session.
	if profile != nil && len(inferred) > 0 {
		for field, r := range inferred {
			profile.SetField(field, r.Value, r.Confidence, model.FieldSourceInference)
		}
		if e.profiles != nil {
			if err := e.profiles.Save(ctx, profile); err != nil {
				slog.Warn("profile save after gap fill failed",
					"tenant", session.TenantID, "profile", profile.ID, "error", err)
			}
		}
	}

	res.ToStepID = step.ID
	return res, nil
}

// pruneToRequired keeps only fields some step of the target version still
// requires.
func pruneToRequired(fields []string, target *model.Scenario) []string {
	required := map[string]bool{}
	for _, s := range target.Steps {
		for _, f := range s.RequiredFields {
			required[f] = true
		}
	}
	var out []string
	for _, f := range fields {
		if required[f] {
			out = append(out, f)
		}
	}
	return out
}

// reroute re-evaluates the changed fork's conditions against the current
// environment. The first satisfied condition decides; otherwise the
// session grafts onto its original target.
func (e *Executor) reroute(policy model.AnchorPolicy, target *model.Scenario, env map[string]model.Value) string {
	fork := target.Step(policy.RerouteStepID)
	if fork == nil {
		return policy.V2StepID
	}
	for _, tr := range fork.Transitions {
		if tr.Condition == "" {
			continue
		}
		ok, err := expr.EvalBool(tr.Condition, env)
		if err != nil {
			slog.Warn("reroute condition failed to evaluate",
				"step", fork.ID, "condition", tr.Condition, "error", err)
			continue
		}
		if ok {
			return tr.TargetStepID
		}
	}
	return policy.V2StepID
}
