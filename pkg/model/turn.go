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

// ScenarioRef pins a scenario position for the audit trail.
type ScenarioRef struct {
	ScenarioID string `json:"scenario_id,omitempty"`
	StepID     string `json:"step_id,omitempty"`
	Version    int    `json:"version,omitempty"`
}

// ToolCallRecord is the audit copy of one tool invocation.
type ToolCallRecord struct {
	ToolID  string           `json:"tool_id"`
	Inputs  map[string]Value `json:"inputs,omitempty"`
	Outputs map[string]Value `json:"outputs,omitempty"`
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
}

// TurnRecord is the immutable audit copy of one turn. It is written exactly
// once, together with the session update.
type TurnRecord struct {
	Header `yaml:",inline"`

	AgentID    string `json:"agent_id"`
	SessionID  string `json:"session_id"`
	TurnID     string `json:"turn_id"`
	TurnNumber int    `json:"turn_number"`

	UserMessage   string `json:"user_message"`
	AgentResponse string `json:"agent_response"`

	MatchedRuleIDs []string         `json:"matched_rule_ids,omitempty"`
	ToolCalls      []ToolCallRecord `json:"tool_calls,omitempty"`

	ScenarioBefore ScenarioRef `json:"scenario_before"`
	ScenarioAfter  ScenarioRef `json:"scenario_after"`

	LatencyMS  int64     `json:"latency_ms"`
	TokensUsed int       `json:"tokens_used"`
	Timestamp  time.Time `json:"timestamp"`
}

// ScenarioSignal is the coarse navigation hint extracted from a message.
type ScenarioSignal string

const (
	SignalStart    ScenarioSignal = "START"
	SignalContinue ScenarioSignal = "CONTINUE"
	SignalExit     ScenarioSignal = "EXIT"
	SignalUnknown  ScenarioSignal = "UNKNOWN"
)

// Context is the enriched structured understanding of a user message. Every
// Context carries an embedding of the configured dimension, whatever the
// extraction mode.
type Context struct {
	Message         string           `json:"message"`
	IntentLabel     string           `json:"intent_label,omitempty"`
	Confidence      float64          `json:"confidence"`
	Entities        map[string]Value `json:"entities,omitempty"`
	Sentiment       string           `json:"sentiment,omitempty"`
	Urgency         string           `json:"urgency,omitempty"`
	Signal          ScenarioSignal   `json:"scenario_signal,omitempty"`
	IsAmbiguous     bool             `json:"is_ambiguous,omitempty"`
	AmbiguityReason string           `json:"ambiguity_reason,omitempty"`
	Embedding       []float32        `json:"-"`
}

// MatchedRule is a rule the filter judged applicable to the current turn.
type MatchedRule struct {
	RuleID     string  `json:"rule_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}
