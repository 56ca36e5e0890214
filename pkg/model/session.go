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

import "time"

// MaxStepHistory bounds the step history kept on a session.
const MaxStepHistory = 100

// StepVisit records one entry into a scenario step.
type StepVisit struct {
	StepID     string    `json:"step_id"`
	EnteredAt  time.Time `json:"entered_at"`
	TurnNumber int       `json:"turn_number"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
}

// PendingMigration marks a session for just-in-time reconciliation. The
// anchor hash freezes the V1 identity of the step the session sat on when
// the plan was deployed.
type PendingMigration struct {
	PlanID      string `json:"plan_id"`
	AnchorHash  string `json:"anchor_hash"`
	FromVersion int    `json:"from_version"`
}

// Session is the per-conversation mutable state. It is persisted after every
// turn; UpdatedAt doubles as the optimistic concurrency token.
type Session struct {
	Header `yaml:",inline"`

	ID                string `json:"id"`
	AgentID           string `json:"agent_id"`
	CustomerProfileID string `json:"customer_profile_id"`
	Channel           string `json:"channel"`
	UserChannelID     string `json:"user_channel_id"`

	ActiveScenarioID      string `json:"active_scenario_id,omitempty"`
	ActiveStepID          string `json:"active_step_id,omitempty"`
	ActiveScenarioVersion int    `json:"active_scenario_version,omitempty"`

	// ActiveStepHash is the content hash of the active step, kept
	// queryable so migration deployment can find sessions parked on a
	// given anchor.
	ActiveStepHash string `json:"active_step_hash,omitempty"`

	Variables        map[string]Value `json:"variables,omitempty"`
	RuleFires        map[string]int   `json:"rule_fires,omitempty"`
	RuleLastFireTurn map[string]int   `json:"rule_last_fire_turn,omitempty"`

	StepHistory         []StepVisit `json:"step_history,omitempty"`
	RelocalizationCount int         `json:"relocalization_count"`

	TurnCount      int       `json:"turn_count"`
	LastActivityAt time.Time `json:"last_activity_at"`

	PendingMigration *PendingMigration `json:"pending_migration,omitempty"`
}

// NewSession creates a session bound to a channel identity.
func NewSession(tenantID, agentID, profileID, channel, userChannelID string) *Session {
	return &Session{
		Header:            NewHeader(tenantID),
		ID:                NewID(),
		AgentID:           agentID,
		CustomerProfileID: profileID,
		Channel:           channel,
		UserChannelID:     userChannelID,
		Variables:         make(map[string]Value),
		RuleFires:         make(map[string]int),
		RuleLastFireTurn:  make(map[string]int),
		LastActivityAt:    Now(),
	}
}

// SetVariable stores a session variable.
func (s *Session) SetVariable(name string, v Value) {
	if s.Variables == nil {
		s.Variables = make(map[string]Value)
	}
	s.Variables[name] = v
}

// RecordRuleFire bumps the fire ledger for a matched rule.
func (s *Session) RecordRuleFire(ruleID string, turn int) {
	if s.RuleFires == nil {
		s.RuleFires = make(map[string]int)
	}
	if s.RuleLastFireTurn == nil {
		s.RuleLastFireTurn = make(map[string]int)
	}
	s.RuleFires[ruleID]++
	s.RuleLastFireTurn[ruleID] = turn
}

// VisitStep appends a step visit and trims history to MaxStepHistory.
func (s *Session) VisitStep(v StepVisit) {
	s.StepHistory = append(s.StepHistory, v)
	if n := len(s.StepHistory); n > MaxStepHistory {
		s.StepHistory = s.StepHistory[n-MaxStepHistory:]
	}
}

// VisitCount counts visits to a step within the trailing window of the
// history. A window of 0 scans the whole retained history.
func (s *Session) VisitCount(stepID string, window int) int {
	hist := s.StepHistory
	if window > 0 && len(hist) > window {
		hist = hist[len(hist)-window:]
	}
	n := 0
	for _, v := range hist {
		if v.StepID == stepID {
			n++
		}
	}
	return n
}

// EnterScenario applies a START navigation action.
func (s *Session) EnterScenario(scenarioID, stepID string, version int) {
	s.ActiveScenarioID = scenarioID
	s.ActiveStepID = stepID
	s.ActiveScenarioVersion = version
	s.RelocalizationCount = 0
}

// ExitScenario clears the active scenario state.
func (s *Session) ExitScenario() {
	s.ActiveScenarioID = ""
	s.ActiveStepID = ""
	s.ActiveStepHash = ""
	s.ActiveScenarioVersion = 0
}

// Clone returns a deep copy. The orchestrator mutates a clone and persists
// it only when the whole turn commits.
func (s *Session) Clone() *Session {
	c := *s
	c.Variables = make(map[string]Value, len(s.Variables))
	for k, v := range s.Variables {
		c.Variables[k] = v
	}
	c.RuleFires = make(map[string]int, len(s.RuleFires))
	for k, v := range s.RuleFires {
		c.RuleFires[k] = v
	}
	c.RuleLastFireTurn = make(map[string]int, len(s.RuleLastFireTurn))
	for k, v := range s.RuleLastFireTurn {
		c.RuleLastFireTurn[k] = v
	}
	c.StepHistory = append([]StepVisit(nil), s.StepHistory...)
	if s.PendingMigration != nil {
		pm := *s.PendingMigration
		c.PendingMigration = &pm
	}
	return &c
}
