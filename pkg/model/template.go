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

// TemplateMode controls how a stored template participates in generation.
type TemplateMode string

const (
	// TemplateModeExclusive emits the rendered template verbatim and
	// skips the LLM entirely.
	TemplateModeExclusive TemplateMode = "EXCLUSIVE"

	// TemplateModeSuggest injects the template as a hint into the
	// generation prompt.
	TemplateModeSuggest TemplateMode = "SUGGEST"

	// TemplateModeFallback is emitted when enforcement fails terminally.
	TemplateModeFallback TemplateMode = "FALLBACK"
)

// Template is agent-scoped stored text with {placeholder} syntax.
type Template struct {
	AgentHeader `yaml:",inline"`

	ID   string       `json:"id" yaml:"id"`
	Name string       `json:"name,omitempty" yaml:"name,omitempty"`
	Text string       `json:"text" yaml:"text"`
	Mode TemplateMode `json:"mode" yaml:"mode"`
}

// Validate checks template invariants.
func (t *Template) Validate() error {
	if t.ID == "" {
		return NewError(ErrValidation, "template id is required")
	}
	if t.Text == "" {
		return NewError(ErrValidation, "template %s: text is required", t.ID)
	}
	switch t.Mode {
	case TemplateModeExclusive, TemplateModeSuggest, TemplateModeFallback:
		return nil
	default:
		return NewError(ErrValidation, "template %s: unknown mode %q", t.ID, t.Mode)
	}
}

// RefreshPolicy controls when a variable resolver runs.
type RefreshPolicy string

const (
	RefreshOnEachTurn      RefreshPolicy = "ON_EACH_TURN"
	RefreshOnDemand        RefreshPolicy = "ON_DEMAND"
	RefreshOnScenarioEntry RefreshPolicy = "ON_SCENARIO_ENTRY"
	RefreshOnSessionStart  RefreshPolicy = "ON_SESSION_START"
)

// Variable is an agent-scoped named value with a refresh policy and a
// resolver binding (the resolver itself is registered at runtime).
type Variable struct {
	AgentHeader `yaml:",inline"`

	ID       string        `json:"id" yaml:"id"`
	Name     string        `json:"name" yaml:"name"`
	Refresh  RefreshPolicy `json:"refresh" yaml:"refresh"`
	Resolver string        `json:"resolver" yaml:"resolver"`
	Default  Value         `json:"default,omitempty" yaml:"-"`
}

// ToolActivation enables a tool for an agent, optionally overriding the
// execution policy. (tenant, agent, tool_id) is unique.
type ToolActivation struct {
	AgentHeader `yaml:",inline"`

	ToolID  string `json:"tool_id" yaml:"tool_id"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	// Policy overrides; zero means inherit the pipeline defaults.
	TimeoutMS   int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
}
