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

// Agent is the tenant-scoped root entity. It groups rules, scenarios,
// templates, variables and tool activations, and carries the generation
// settings the pipeline uses for this persona.
type Agent struct {
	Header `yaml:",inline"`

	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// SystemPreamble opens every generation prompt.
	SystemPreamble string `json:"system_preamble,omitempty" yaml:"system_preamble,omitempty"`

	// Generation settings.
	Model       string  `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// ProfileSchema describes the customer profile fields this agent
	// collects. Schema evolution bumps ProfileSchemaVersion.
	ProfileSchema        []ProfileFieldDef `json:"profile_schema,omitempty" yaml:"profile_schema,omitempty"`
	ProfileSchemaVersion int               `json:"profile_schema_version" yaml:"profile_schema_version"`

	// ClarificationTemplateID is used when context extraction flags the
	// message as ambiguous.
	ClarificationTemplateID string `json:"clarification_template_id,omitempty" yaml:"clarification_template_id,omitempty"`
}

// ProfileFieldDef declares one field of the customer profile schema.
type ProfileFieldDef struct {
	Name           string    `json:"name" yaml:"name"`
	Type           ValueKind `json:"type" yaml:"type"`
	Description    string    `json:"description,omitempty" yaml:"description,omitempty"`
	ExtractionHint string    `json:"extraction_hint,omitempty" yaml:"extraction_hint,omitempty"`
	Required       bool      `json:"required,omitempty" yaml:"required,omitempty"`
}

// Validate checks agent invariants.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return NewError(ErrValidation, "agent id is required")
	}
	if a.TenantID == "" {
		return NewError(ErrValidation, "agent tenant_id is required")
	}
	if a.Name == "" {
		return NewError(ErrValidation, "agent name is required")
	}
	return nil
}
