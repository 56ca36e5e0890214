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

// RuleScope narrows where a rule is retrievable.
type RuleScope string

const (
	RuleScopeGlobal   RuleScope = "GLOBAL"
	RuleScopeScenario RuleScope = "SCENARIO"
	RuleScopeStep     RuleScope = "STEP"
)

// Rule is an operator-authored behavioral policy. ConditionText is embedded
// for retrieval; ActionText is injected into generation prompts. Hard
// constraints are re-checked by the enforcer after generation.
type Rule struct {
	AgentHeader `yaml:",inline"`

	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name,omitempty" yaml:"name,omitempty"`
	ConditionText string    `json:"condition_text" yaml:"condition_text"`
	ActionText    string    `json:"action_text" yaml:"action_text"`
	Scope         RuleScope `json:"scope" yaml:"scope"`
	ScopeID       string    `json:"scope_id,omitempty" yaml:"scope_id,omitempty"`

	IsHardConstraint bool `json:"is_hard_constraint" yaml:"is_hard_constraint"`

	// EnforcementExpression is an optional formal predicate evaluated by
	// the deterministic enforcement lane. Empty means judge-only.
	EnforcementExpression string `json:"enforcement_expression,omitempty" yaml:"enforcement_expression,omitempty"`

	AttachedToolIDs []string `json:"attached_tool_ids,omitempty" yaml:"attached_tool_ids,omitempty"`

	// TemplateID optionally binds a response template (EXCLUSIVE, SUGGEST
	// or FALLBACK, depending on the template's mode).
	TemplateID string `json:"template_id,omitempty" yaml:"template_id,omitempty"`

	Priority           int  `json:"priority" yaml:"priority"`
	Enabled            bool `json:"enabled" yaml:"enabled"`
	MaxFiresPerSession int  `json:"max_fires_per_session" yaml:"max_fires_per_session"` // 0 = unlimited
	CooldownTurns      int  `json:"cooldown_turns" yaml:"cooldown_turns"`

	// Embedding of condition_text (+ action_text), precomputed on publish.
	Embedding []float32 `json:"embedding,omitempty" yaml:"-"`
}

// Validate checks rule invariants, in particular that scoped rules name
// their scope target.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return NewError(ErrValidation, "rule id is required")
	}
	if r.ConditionText == "" {
		return NewError(ErrValidation, "rule %s: condition_text is required", r.ID)
	}
	switch r.Scope {
	case RuleScopeGlobal:
		// scope_id is meaningless for globals but tolerated.
	case RuleScopeScenario, RuleScopeStep:
		if r.ScopeID == "" {
			return NewError(ErrValidation, "rule %s: scope %s requires scope_id", r.ID, r.Scope)
		}
	default:
		return NewError(ErrValidation, "rule %s: unknown scope %q", r.ID, r.Scope)
	}
	return nil
}

// FireAllowed reports whether fire caps and cooldowns permit matching this
// rule on the given turn.
func (r *Rule) FireAllowed(fires int, lastFireTurn, turn int) bool {
	if r.MaxFiresPerSession > 0 && fires >= r.MaxFiresPerSession {
		return false
	}
	if r.CooldownTurns > 0 && lastFireTurn > 0 && turn-lastFireTurn < r.CooldownTurns {
		return false
	}
	return true
}
