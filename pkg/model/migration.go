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

package model

// PlanStatus is the review lifecycle of a migration plan.
type PlanStatus string

const (
	PlanPending  PlanStatus = "PENDING"
	PlanApproved PlanStatus = "APPROVED"
	PlanRejected PlanStatus = "REJECTED"
	PlanDeployed PlanStatus = "DEPLOYED"
)

// MigrationKind classifies the remediation applied at an anchor.
type MigrationKind string

const (
	// MigrationCleanGraft teleports the session silently; nothing
	// upstream of the anchor changed data collection.
	MigrationCleanGraft MigrationKind = "CLEAN_GRAFT"

	// MigrationGapFill collects newly required fields before teleporting.
	MigrationGapFill MigrationKind = "GAP_FILL"

	// MigrationReRoute re-evaluates changed upstream branching and asks
	// the customer to confirm when the route would differ.
	MigrationReRoute MigrationKind = "RE_ROUTE"
)

// AnchorPolicy describes how sessions parked at one anchor migrate. The
// policy is self-contained: a fresh executor applies it without recomputing
// the diff.
type AnchorPolicy struct {
	AnchorHash string        `json:"anchor_hash"`
	V1StepID   string        `json:"v1_step_id"`
	V2StepID   string        `json:"v2_step_id"`
	Kind       MigrationKind `json:"kind"`

	// MissingFields are the required fields introduced upstream of the
	// anchor (GAP_FILL only).
	MissingFields []string `json:"missing_fields,omitempty"`

	// RerouteStepID is the changed fork to re-evaluate (RE_ROUTE only).
	RerouteStepID string `json:"reroute_step_id,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
}

// MigrationPlan moves sessions of one scenario from FromVersion to
// ToVersion. Policies is keyed by anchor content hash.
type MigrationPlan struct {
	AgentHeader `yaml:",inline"`

	ID          string `json:"id"`
	ScenarioID  string `json:"scenario_id"`
	FromVersion int    `json:"from_version"`
	ToVersion   int    `json:"to_version"`

	Policies map[string]AnchorPolicy `json:"policies"`

	// ScopeFilter optionally narrows deployment to a subset of sessions
	// (e.g. a channel). Empty means all.
	ScopeFilter map[string]string `json:"scope_filter,omitempty"`

	Warnings []string   `json:"warnings,omitempty"`
	Summary  string     `json:"summary,omitempty"`
	Status   PlanStatus `json:"status"`
}

// Policy returns the policy for an anchor hash.
func (p *MigrationPlan) Policy(anchorHash string) (AnchorPolicy, bool) {
	pol, ok := p.Policies[anchorHash]
	return pol, ok
}
