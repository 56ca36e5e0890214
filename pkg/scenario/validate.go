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

package scenario

import (
	"github.com/guidepost-ai/guidepost/pkg/expr"
	"github.com/guidepost-ai/guidepost/pkg/model"
)

// Validate checks a scenario graph before publish: unique step ids, a
// valid entry step, resolvable transition targets, parsable conditions,
// every step reachable from the entry and at least one terminal step.
func Validate(sc *model.Scenario) error {
	if sc.ID == "" {
		return model.NewError(model.ErrValidation, "scenario id is required")
	}
	if len(sc.Steps) == 0 {
		return model.NewError(model.ErrValidation, "scenario %s has no steps", sc.ID)
	}

	steps := make(map[string]*model.ScenarioStep, len(sc.Steps))
	for _, s := range sc.Steps {
		if s.ID == "" {
			return model.NewError(model.ErrValidation, "scenario %s: step without id", sc.ID)
		}
		if _, dup := steps[s.ID]; dup {
			return model.NewError(model.ErrValidation, "scenario %s: duplicate step id %q", sc.ID, s.ID)
		}
		switch s.Type {
		case model.StepTypeAction, model.StepTypeInteraction, model.StepTypeLogic:
		default:
			return model.NewError(model.ErrValidation, "scenario %s: step %s has unknown type %q", sc.ID, s.ID, s.Type)
		}
		steps[s.ID] = s
	}

	if sc.EntryStepID == "" {
		return model.NewError(model.ErrValidation, "scenario %s: entry_step_id is required", sc.ID)
	}
	if _, ok := steps[sc.EntryStepID]; !ok {
		return model.NewError(model.ErrValidation, "scenario %s: entry step %q does not exist", sc.ID, sc.EntryStepID)
	}

	terminal := false
	for _, s := range sc.Steps {
		if s.IsTerminal() {
			terminal = true
		}
		for _, tr := range s.Transitions {
			if _, ok := steps[tr.TargetStepID]; !ok {
				return model.NewError(model.ErrValidation,
					"scenario %s: step %s targets unknown step %q", sc.ID, s.ID, tr.TargetStepID)
			}
			if tr.Condition != "" {
				if _, err := expr.Parse(tr.Condition); err != nil {
					return model.WrapError(model.ErrValidation, err,
						"scenario %s: step %s has an invalid condition", sc.ID, s.ID)
				}
			}
		}
	}
	if !terminal {
		return model.NewError(model.ErrValidation, "scenario %s has no terminal step", sc.ID)
	}

	// reachability from the entry
	visited := map[string]bool{}
	queue := []string{sc.EntryStepID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, tr := range steps[id].Transitions {
			queue = append(queue, tr.TargetStepID)
		}
	}
	for _, s := range sc.Steps {
		if !visited[s.ID] {
			return model.NewError(model.ErrValidation,
				"scenario %s: step %s is unreachable from the entry", sc.ID, s.ID)
		}
	}
	return nil
}
