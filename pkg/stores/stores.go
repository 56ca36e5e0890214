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

// Package stores defines the persistence boundary of the engine: the
// config, session, audit, profile, memory and migration stores, with
// in-memory and SQL implementations.
//
// Every operation is tenant-scoped. Soft-deleted entities never
// surface from listings or searches. Session saves use UpdatedAt as an
// optimistic concurrency token.
package stores

import (
	"context"
	"time"

	"github.com/guidepost-ai/guidepost/pkg/model"
)

// ConfigStore persists the operator-authored entities: agents, rules,
// versioned scenarios, templates, variables and tool activations.
type ConfigStore interface {
	SaveAgent(ctx context.Context, agent *model.Agent) error
	GetAgent(ctx context.Context, tenantID, agentID string) (*model.Agent, error)
	ListAgents(ctx context.Context, tenantID string) ([]*model.Agent, error)
	DeleteAgent(ctx context.Context, tenantID, agentID string) error

	SaveRule(ctx context.Context, rule *model.Rule) error
	GetRule(ctx context.Context, tenantID, agentID, ruleID string) (*model.Rule, error)
	ListRules(ctx context.Context, tenantID, agentID string) ([]*model.Rule, error)
	DeleteRule(ctx context.Context, tenantID, agentID, ruleID string) error

	// SaveScenario stores one immutable scenario version.
	SaveScenario(ctx context.Context, sc *model.Scenario) error
	GetScenario(ctx context.Context, tenantID, agentID, scenarioID string, version int) (*model.Scenario, error)
	// GetActiveScenario returns the currently published version.
	GetActiveScenario(ctx context.Context, tenantID, agentID, scenarioID string) (*model.Scenario, error)
	// ListActiveScenarios returns the published version of every scenario.
	ListActiveScenarios(ctx context.Context, tenantID, agentID string) ([]*model.Scenario, error)
	SetActiveScenarioVersion(ctx context.Context, tenantID, agentID, scenarioID string, version int) error
	DeleteScenario(ctx context.Context, tenantID, agentID, scenarioID string) error

	SaveTemplate(ctx context.Context, tpl *model.Template) error
	GetTemplate(ctx context.Context, tenantID, agentID, templateID string) (*model.Template, error)

	SaveVariable(ctx context.Context, v *model.Variable) error
	GetVariableByName(ctx context.Context, tenantID, agentID, name string) (*model.Variable, error)
	ListVariables(ctx context.Context, tenantID, agentID string) ([]*model.Variable, error)

	SaveToolActivation(ctx context.Context, ta *model.ToolActivation) error
	ListToolActivations(ctx context.Context, tenantID, agentID string) ([]*model.ToolActivation, error)
}

// SessionStore persists conversation sessions.
type SessionStore interface {
	// Save persists the session. When the stored UpdatedAt is newer than
	// expectedUpdatedAt the save fails with a CONFLICT error; a zero
	// expectedUpdatedAt skips the check (fresh sessions).
	Save(ctx context.Context, session *model.Session, expectedUpdatedAt time.Time) error

	Get(ctx context.Context, tenantID, sessionID string) (*model.Session, error)

	// GetByChannel finds the live session bound to a channel identity.
	GetByChannel(ctx context.Context, tenantID, agentID, channel, userChannelID string) (*model.Session, error)

	// FindByStepHash returns sessions of a scenario version parked on one
	// of the given anchor hashes. Used by migration deployment.
	FindByStepHash(ctx context.Context, tenantID, scenarioID string, version int, stepHashes []string) ([]*model.Session, error)

	Delete(ctx context.Context, tenantID, sessionID string) error
}

// TimeRange bounds a tenant-wide audit query. Zero ends are open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// AuditStore is the append-only turn archive.
type AuditStore interface {
	// SaveTurn appends an immutable turn record. Saving a duplicate
	// (tenant, turn_id) fails with a CONFLICT error.
	SaveTurn(ctx context.Context, turn *model.TurnRecord) error
	GetTurn(ctx context.Context, tenantID, turnID string) (*model.TurnRecord, error)
	// ListTurnsBySession pages turns newest-first.
	ListTurnsBySession(ctx context.Context, tenantID, sessionID string, limit, offset int) ([]*model.TurnRecord, error)
	ListTurnsByTenant(ctx context.Context, tenantID string, window TimeRange) ([]*model.TurnRecord, error)
}

// ProfileStore persists customer profiles.
type ProfileStore interface {
	Save(ctx context.Context, profile *model.CustomerProfile) error
	Get(ctx context.Context, tenantID, profileID string) (*model.CustomerProfile, error)
	GetByChannel(ctx context.Context, tenantID, agentID, channel, userChannelID string) (*model.CustomerProfile, error)
	// GetOrCreate resolves the channel identity, creating and linking a
	// fresh profile when none exists.
	GetOrCreate(ctx context.Context, tenantID, agentID, channel, userChannelID string) (*model.CustomerProfile, error)
	// Merge folds source into target (fields absent from target, all
	// identities) and soft-deletes source.
	Merge(ctx context.Context, tenantID, targetID, sourceID string) (*model.CustomerProfile, error)
}

// Episode is one remembered conversational fragment.
type Episode struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	GroupID   string                 `json:"group_id"` // usually the session id
	Content   string                 `json:"content"`
	Metadata  map[string]model.Value `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// EpisodeHit is a scored search result.
type EpisodeHit struct {
	Episode Episode
	Score   float64
}

// MemoryStore is the long-term conversational memory backed by the
// vector database.
type MemoryStore interface {
	AddEpisode(ctx context.Context, ep Episode) error
	GetEpisode(ctx context.Context, tenantID, id string) (*Episode, error)
	// Search runs a semantic query scoped to a tenant and optional group.
	Search(ctx context.Context, tenantID, groupID, query string, topK int) ([]EpisodeHit, error)
	// DeleteByGroup forgets every episode of a group.
	DeleteByGroup(ctx context.Context, tenantID, groupID string) error
	Close() error
}

// MigrationStore persists migration plans.
type MigrationStore interface {
	SavePlan(ctx context.Context, plan *model.MigrationPlan) error
	GetPlan(ctx context.Context, tenantID, planID string) (*model.MigrationPlan, error)
	ListPlans(ctx context.Context, tenantID, agentID string) ([]*model.MigrationPlan, error)
	// UpdatePlanStatus enforces the PENDING -> APPROVED/REJECTED ->
	// DEPLOYED lifecycle.
	UpdatePlanStatus(ctx context.Context, tenantID, planID string, status model.PlanStatus) error
}

// Stores aggregates the persistence surface handed to the pipeline.
type Stores struct {
	Config    ConfigStore
	Sessions  SessionStore
	Audit     AuditStore
	Profiles  ProfileStore
	Memory    MemoryStore
	Migration MigrationStore
}
