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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/guidepost-ai/guidepost/pkg/model"
)

// transitionIdentity is a transition reduced to its semantic content.
type transitionIdentity struct {
	Target    string `json:"target"`
	Condition string `json:"condition"`
	Intent    string `json:"intent"`
}

// stepIdentity is the canonical content a step is hashed over. Authoring
// artifacts (step id, bound rule ids, list ordering) stay out so a step
// keeps its hash across renames and reorders.
type stepIdentity struct {
	Type           string               `json:"type"`
	Description    string               `json:"description"`
	RequiredFields []string             `json:"required_fields"`
	Transitions    []transitionIdentity `json:"transitions"`
}

// StepHash returns the content hash identifying a step across scenario
// versions. Two steps with the same hash are the same anchor for
// migration purposes.
func StepHash(s *model.ScenarioStep) string {
	ident := stepIdentity{
		Type:           string(s.Type),
		Description:    s.Description,
		RequiredFields: append([]string(nil), s.RequiredFields...),
	}
	sort.Strings(ident.RequiredFields)
	for _, tr := range s.Transitions {
		ident.Transitions = append(ident.Transitions, transitionIdentity{
			Target: tr.TargetStepID, Condition: tr.Condition, Intent: tr.Intent,
		})
	}
	sort.Slice(ident.Transitions, func(i, j int) bool {
		a, b := ident.Transitions[i], ident.Transitions[j]
		if a.Condition != b.Condition {
			return a.Condition < b.Condition
		}
		if a.Intent != b.Intent {
			return a.Intent < b.Intent
		}
		return a.Target < b.Target
	})

	// struct marshaling has a fixed key order, so this is canonical
	raw, _ := json.Marshal(ident)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// HashSteps hashes every step of a scenario, keyed by step id.
func HashSteps(sc *model.Scenario) map[string]string {
	out := make(map[string]string, len(sc.Steps))
	for _, s := range sc.Steps {
		out[s.ID] = StepHash(s)
	}
	return out
}
