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

	"github.com/guidepost-ai/guidepost/pkg/model"
	"github.com/guidepost-ai/guidepost/pkg/stores"
)

// Deployer marks approved plans live and stamps the affected sessions.
// Deployment only writes PendingMigration markers; the actual state
// change happens just in time, on each session's next turn.
type Deployer struct {
	plans    stores.MigrationStore
	sessions stores.SessionStore
}

// NewDeployer creates a deployer.
func NewDeployer(plans stores.MigrationStore, sessions stores.SessionStore) *Deployer {
	return &Deployer{plans: plans, sessions: sessions}
}

// Approve moves a pending plan to APPROVED.
func (d *Deployer) Approve(ctx context.Context, tenantID, planID string) error {
	return d.plans.UpdatePlanStatus(ctx, tenantID, planID, model.PlanApproved)
}

// Reject moves a pending plan to REJECTED.
func (d *Deployer) Reject(ctx context.Context, tenantID, planID string) error {
	return d.plans.UpdatePlanStatus(ctx, tenantID, planID, model.PlanRejected)
}

// Deploy stamps every session parked on one of the plan's anchors with a
// PendingMigration marker, then transitions the plan to DEPLOYED. It
// returns the number of sessions stamped.
func (d *Deployer) Deploy(ctx context.Context, tenantID, planID string) (int, error) {
	plan, err := d.plans.GetPlan(ctx, tenantID, planID)
	if err != nil {
		return 0, err
	}
	if plan.Status != model.PlanApproved {
		return 0, model.NewError(model.ErrMigrationInvalidTransition,
			"only approved plans can be deployed")
	}

	hashes := make([]string, 0, len(plan.Policies))
	for h := range plan.Policies {
		hashes = append(hashes, h)
	}

	sessions, err := d.sessions.FindByStepHash(ctx, tenantID, plan.ScenarioID, plan.FromVersion, hashes)
	if err != nil {
		return 0, err
	}

	stamped := 0
	for _, s := range sessions {
		if !inScope(plan.ScopeFilter, s) {
			continue
		}
		// A session already pending under another plan keeps its first
		// marker; chained plans are composed at reconcile time instead.
		if s.PendingMigration != nil {
			continue
		}
		s.PendingMigration = &model.PendingMigration{
			PlanID:      plan.ID,
			AnchorHash:  s.ActiveStepHash,
			FromVersion: plan.FromVersion,
		}
		if err := d.sessions.Save(ctx, s, s.UpdatedAt); err != nil {
			// A concurrent turn moved the session; it will be picked up
			// by reconciliation against the deployed plan anyway.
			slog.Warn("skipped session during deploy",
				"tenant", tenantID, "plan", planID, "session", s.ID, "error", err)
			continue
		}
		stamped++
	}

	if err := d.plans.UpdatePlanStatus(ctx, tenantID, planID, model.PlanDeployed); err != nil {
		return stamped, err
	}
	return stamped, nil
}

func inScope(filter map[string]string, s *model.Session) bool {
	for k, want := range filter {
		switch k {
		case "channel":
			if s.Channel != want {
				return false
			}
		case "agent_id":
			if s.AgentID != want {
				return false
			}
		}
	}
	return true
}
