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

// StepType classifies a scenario step.
type StepType string

const (
	StepTypeAction      StepType = "ACTION"
	StepTypeInteraction StepType = "INTERACTION"
	StepTypeLogic       StepType = "LOGIC"
)

// Scenario is an agent-scoped directed graph of steps representing a
// business flow. Scenarios are versioned on publish; sessions pin the
// version they entered with until migration reconciles them.
type Scenario struct {
	AgentHeader `yaml:",inline"`

	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int    `json:"version" yaml:"version"`
	EntryStepID string `json:"entry_step_id" yaml:"entry_step_id"`
	IntentLabel string `json:"intent_label,omitempty" yaml:"intent_label,omitempty"`

	// EntryExamples are few-shot utterances describing when the scenario
	// should start. Their embeddings are precomputed on publish and used
	// for entry-candidate scoring.
	EntryExamples   []string    `json:"entry_examples,omitempty" yaml:"entry_examples,omitempty"`
	EntryEmbeddings [][]float32 `json:"entry_embeddings,omitempty" yaml:"-"`

	Steps []*ScenarioStep `json:"steps" yaml:"steps"`
}

// ScenarioStep is one node of the scenario graph. A step with no outgoing
// transitions is terminal.
type ScenarioStep struct {
	ID             string           `json:"id" yaml:"id"`
	Type           StepType         `json:"type" yaml:"type"`
	Description    string           `json:"description,omitempty" yaml:"description,omitempty"`
	RuleIDs        []string         `json:"rule_ids,omitempty" yaml:"rule_ids,omitempty"`
	RequiredFields []string         `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
	Transitions    []StepTransition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// StepTransition is a directed edge. Authoring order among a step's
// transitions is the deterministic tie-break order.
type StepTransition struct {
	TargetStepID string `json:"target_step_id" yaml:"target_step_id"`

	// Condition is a deterministic expression over profile fields,
	// session variables and context entities. A satisfied condition
	// scores 1.0 and beats any intent-only candidate.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Intent matches against the extracted intent label.
	Intent string `json:"intent,omitempty" yaml:"intent,omitempty"`

	// AdjudicationHint is handed to the LLM adjudicator when candidates
	// are too close to call.
	AdjudicationHint string `json:"adjudication_hint,omitempty" yaml:"adjudication_hint,omitempty"`
}

// IsTerminal reports whether the step has no outgoing transitions.
func (s *ScenarioStep) IsTerminal() bool { return len(s.Transitions) == 0 }

// Step returns the step with the given id, or nil.
func (sc *Scenario) Step(id string) *ScenarioStep {
	for _, s := range sc.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StepIndex returns a map from step id to step.
func (sc *Scenario) StepIndex() map[string]*ScenarioStep {
	idx := make(map[string]*ScenarioStep, len(sc.Steps))
	for _, s := range sc.Steps {
		idx[s.ID] = s
	}
	return idx
}
