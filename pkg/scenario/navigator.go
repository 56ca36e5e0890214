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

// Package scenario implements the scenario graph machinery: content
// hashing for migration anchors, publish-time graph validation and the
// per-turn navigator that decides where a session moves.
package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/expr"
	"github.com/guidepost-ai/guidepost/pkg/llms"
	"github.com/guidepost-ai/guidepost/pkg/model"
)

// Action is the navigator's verdict for a turn.
type Action string

const (
	ActionNone       Action = "NONE"       // no scenario involvement
	ActionStart      Action = "START"      // enter a scenario at its entry step
	ActionContinue   Action = "CONTINUE"   // stay on the current step
	ActionTransition Action = "TRANSITION" // move along an edge
	ActionRelocalize Action = "RELOCALIZE" // snap to a different step
	ActionExit       Action = "EXIT"       // leave the active scenario
	ActionClarify    Action = "CLARIFY"    // ask a clarifying question
	ActionEscalate   Action = "ESCALATE"   // hand off to a human
)

// Decision is the navigation outcome applied to the session.
type Decision struct {
	Action     Action
	ScenarioID string
	StepID     string
	Version    int
	Confidence float64
	Reason     string

	// LowConfidence marks turns where nothing cleared the transition
	// threshold; consecutive ones arm re-localization.
	LowConfidence bool
}

// EntryCandidate is a scenario scored for entry, produced by retrieval.
type EntryCandidate struct {
	Scenario *model.Scenario
	Score    float64
}

// Session variables the navigator bookkeeps under reserved names.
const (
	varLowConfidenceTurns = "_nav_low_confidence_turns"
	varClarifyPrefix      = "_nav_clarifications:"
)

// Navigator decides scenario movement for a turn.
type Navigator struct {
	cfg config.ScenarioFilterConfig
	llm llms.Provider
}

// NewNavigator creates a navigator. The llm is only used for close-call
// adjudication and may be nil.
func NewNavigator(cfg config.ScenarioFilterConfig, llm llms.Provider) *Navigator {
	cfg.SetDefaults()
	return &Navigator{cfg: cfg, llm: llm}
}

// transitionCandidate is one scored outgoing edge of the active step.
type transitionCandidate struct {
	transition  model.StepTransition
	score       float64
	byCondition bool
	order       int
}

// Navigate scores the possible moves for the turn. active is the pinned
// version of the session's scenario, nil when the session is outside any
// scenario. env is the merged variable environment used for transition
// conditions.
func (n *Navigator) Navigate(ctx context.Context, session *model.Session, active *model.Scenario, entries []EntryCandidate, tc *model.Context, env map[string]model.Value) (*Decision, error) {
	if active == nil {
		return n.navigateEntry(entries, tc), nil
	}

	step := active.Step(session.ActiveStepID)
	if step == nil {
		// The pinned step vanished, which only happens on data damage.
		return &Decision{Action: ActionExit, Reason: "active step no longer exists"}, nil
	}

	// explicit exit intent
	if tc.Signal == model.SignalExit && tc.Confidence >= n.cfg.ExitIntentThreshold {
		return &Decision{Action: ActionExit, Confidence: tc.Confidence, Reason: "explicit exit intent"}, nil
	}

	// a competing scenario has to clear the higher exit bar
	for _, e := range entries {
		if e.Scenario.ID == active.ID {
			continue
		}
		if e.Score >= n.cfg.ExitIntentThreshold {
			return &Decision{
				Action:     ActionStart,
				ScenarioID: e.Scenario.ID,
				StepID:     e.Scenario.EntryStepID,
				Version:    e.Scenario.Version,
				Confidence: e.Score,
				Reason:     fmt.Sprintf("scenario %s pulled the session over", e.Scenario.ID),
			}, nil
		}
		break // entries are sorted, only the best can win
	}

	candidates := n.scoreTransitions(step, tc, env)

	// loop guard: drop edges that would revisit a step too often
	loopDetected := false
	kept := candidates[:0]
	for _, c := range candidates {
		if session.VisitCount(c.transition.TargetStepID, n.cfg.LoopDetectionWindow) >= n.cfg.MaxLoopCount {
			loopDetected = true
			continue
		}
		kept = append(kept, c)
	}
	candidates = kept

	if best, ok := n.pickTransition(ctx, candidates); ok {
		if best.transition.TargetStepID == step.ID {
			return &Decision{Action: ActionContinue, ScenarioID: active.ID, StepID: step.ID,
				Version: active.Version, Confidence: best.score, Reason: "self transition"}, nil
		}
		return &Decision{
			Action:     ActionTransition,
			ScenarioID: active.ID,
			StepID:     best.transition.TargetStepID,
			Version:    active.Version,
			Confidence: best.score,
			Reason:     transitionReason(best),
		}, nil
	}

	// Exhausting the loop budget leaves the graph: re-localize when a
	// step elsewhere still matches the turn, otherwise exit.
	if loopDetected {
		if d := n.relocalize(session, active, tc); d != nil {
			return d, nil
		}
		return &Decision{Action: ActionExit, ScenarioID: active.ID, StepID: step.ID,
			Version: active.Version, Reason: "loop detected"}, nil
	}

	// nothing confident enough: maybe re-localize, otherwise fall back
	if d := n.tryRelocalize(session, active, tc); d != nil {
		return d, nil
	}
	return n.fallback(session, active, step), nil
}

// navigateEntry handles sessions outside any scenario.
func (n *Navigator) navigateEntry(entries []EntryCandidate, tc *model.Context) *Decision {
	if tc.Signal == model.SignalExit {
		return &Decision{Action: ActionNone, Reason: "exit signal outside a scenario"}
	}
	for _, e := range entries {
		if e.Score < n.cfg.TransitionThreshold {
			break
		}
		return &Decision{
			Action:     ActionStart,
			ScenarioID: e.Scenario.ID,
			StepID:     e.Scenario.EntryStepID,
			Version:    e.Scenario.Version,
			Confidence: e.Score,
			Reason:     "entry candidate cleared the threshold",
		}
	}
	return &Decision{Action: ActionNone}
}

// scoreTransitions scores the outgoing edges of the active step. A
// satisfied condition scores 1 and therefore beats any intent match.
func (n *Navigator) scoreTransitions(step *model.ScenarioStep, tc *model.Context, env map[string]model.Value) []transitionCandidate {
	var out []transitionCandidate
	for i, tr := range step.Transitions {
		c := transitionCandidate{transition: tr, order: i}
		switch {
		case tr.Condition != "":
			ok, err := expr.EvalBool(tr.Condition, env)
			if err != nil {
				slog.Warn("transition condition failed", "step", step.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			c.score = 1
			c.byCondition = true
		case tr.Intent != "":
			if tr.Intent != tc.IntentLabel {
				continue
			}
			c.score = tc.Confidence
		default:
			// unconditional edge, the author's "next"
			c.score = 1
		}
		c.score += n.cfg.StickinessBoost
		if c.score > 1 {
			c.score = 1
		}
		if c.score < n.cfg.SanityThreshold {
			continue
		}
		out = append(out, c)
	}
	// satisfied conditions outrank intent matches regardless of score
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].byCondition != out[j].byCondition {
			return out[i].byCondition
		}
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].order < out[j].order
	})
	return out
}

// pickTransition returns the winning candidate, adjudicating close calls
// with the LLM when enabled.
func (n *Navigator) pickTransition(ctx context.Context, candidates []transitionCandidate) (transitionCandidate, bool) {
	if len(candidates) == 0 || candidates[0].score < n.cfg.TransitionThreshold {
		return transitionCandidate{}, false
	}
	best := candidates[0]
	if len(candidates) == 1 || best.score-candidates[1].score >= n.cfg.MinMargin {
		return best, true
	}
	if best.byCondition && !candidates[1].byCondition {
		return best, true
	}
	if n.cfg.LLMAdjudicationEnabled == nil || !*n.cfg.LLMAdjudicationEnabled || n.llm == nil {
		return best, true // authoring order already broke the tie
	}
	if idx, err := n.adjudicate(ctx, candidates); err != nil {
		slog.Warn("adjudication failed, keeping best candidate", "error", err)
	} else if idx >= 0 && idx < len(candidates) {
		return candidates[idx], true
	}
	return best, true
}

func (n *Navigator) adjudicate(ctx context.Context, candidates []transitionCandidate) (int, error) {
	var b strings.Builder
	b.WriteString("Pick the transition that best matches the customer's last message.\n\n")
	for i, c := range candidates {
		hint := c.transition.AdjudicationHint
		if hint == "" {
			hint = c.transition.Intent
		}
		fmt.Fprintf(&b, "%d. target %s: %s\n", i, c.transition.TargetStepID, hint)
	}
	b.WriteString("\nRespond with a single JSON object: {\"choice\": <number>}")

	temp := 0.0
	result, err := n.llm.Generate(ctx, []llms.Message{llms.User(b.String())},
		llms.Options{Model: n.cfg.AdjudicationModel, Temperature: &temp})
	if err != nil {
		return -1, err
	}
	var parsed struct {
		Choice int `json:"choice"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(result.Text)), &parsed); err != nil {
		return -1, fmt.Errorf("failed to parse adjudication response: %w", err)
	}
	return parsed.Choice, nil
}

// tryRelocalize re-localizes once enough consecutive turns went nowhere.
func (n *Navigator) tryRelocalize(session *model.Session, active *model.Scenario, tc *model.Context) *Decision {
	lowTurns := intVar(session, varLowConfidenceTurns) + 1 // counting this turn
	if lowTurns < n.cfg.RelocalizationTriggerTurns {
		return nil
	}
	return n.relocalize(session, active, tc)
}

// relocalize looks for a step elsewhere in the scenario whose incoming
// intent matches the turn.
func (n *Navigator) relocalize(session *model.Session, active *model.Scenario, tc *model.Context) *Decision {
	if n.cfg.RelocalizationEnabled == nil || !*n.cfg.RelocalizationEnabled {
		return nil
	}
	if session.RelocalizationCount >= n.cfg.MaxRelocalizationHops {
		return nil
	}
	if tc.IntentLabel == "" || tc.Confidence < n.cfg.RelocalizationThreshold {
		return nil
	}

	for _, s := range active.Steps {
		for _, tr := range s.Transitions {
			if tr.Intent == "" || tr.Intent != tc.IntentLabel {
				continue
			}
			if tr.TargetStepID == session.ActiveStepID {
				continue
			}
			// Snapping back into a looping step would restart the loop.
			if session.VisitCount(tr.TargetStepID, n.cfg.LoopDetectionWindow) >= n.cfg.MaxLoopCount {
				continue
			}
			return &Decision{
				Action:     ActionRelocalize,
				ScenarioID: active.ID,
				StepID:     tr.TargetStepID,
				Version:    active.Version,
				Confidence: tc.Confidence,
				Reason:     fmt.Sprintf("re-localized on intent %s", tc.IntentLabel),
			}
		}
	}
	return nil
}

// fallback resolves a turn where no move is confident enough.
func (n *Navigator) fallback(session *model.Session, active *model.Scenario, step *model.ScenarioStep) *Decision {
	d := &Decision{ScenarioID: active.ID, StepID: step.ID, Version: active.Version, LowConfidence: true}
	switch n.cfg.FallbackBehavior {
	case config.FallbackStay:
		d.Action = ActionContinue
		d.Reason = "staying on low confidence"
	case config.FallbackEscalate:
		d.Action = ActionEscalate
		d.Reason = "escalating on low confidence"
	default: // clarify
		if intVar(session, varClarifyPrefix+step.ID) >= n.cfg.MaxClarificationsPerStep {
			d.Action = ActionEscalate
			d.Reason = "clarification budget exhausted"
		} else {
			d.Action = ActionClarify
			d.Reason = "asking for clarification"
		}
	}
	return d
}

// Apply mutates the session per the decision and keeps the navigator's
// bookkeeping variables current. active must be the scenario the decision
// points into for START, TRANSITION and RELOCALIZE.
func (n *Navigator) Apply(session *model.Session, d *Decision, active *model.Scenario) {
	switch d.Action {
	case ActionStart:
		session.EnterScenario(d.ScenarioID, d.StepID, d.Version)
		n.enterStep(session, d, active)
	case ActionTransition:
		session.ActiveStepID = d.StepID
		n.enterStep(session, d, active)
	case ActionRelocalize:
		session.ActiveStepID = d.StepID
		session.RelocalizationCount++
		n.enterStep(session, d, active)
	case ActionExit:
		session.ExitScenario()
	case ActionClarify:
		key := varClarifyPrefix + d.StepID
		session.SetVariable(key, model.NumberValue(float64(intVar(session, key)+1)))
	}

	if d.LowConfidence {
		session.SetVariable(varLowConfidenceTurns, model.NumberValue(float64(intVar(session, varLowConfidenceTurns)+1)))
	} else {
		delete(session.Variables, varLowConfidenceTurns)
	}
}

// enterStep records the visit and refreshes the migration anchor hash.
func (n *Navigator) enterStep(session *model.Session, d *Decision, active *model.Scenario) {
	if step := active.Step(d.StepID); step != nil {
		session.ActiveStepHash = StepHash(step)
	}
	session.VisitStep(model.StepVisit{
		StepID:     d.StepID,
		EnteredAt:  model.Now(),
		TurnNumber: session.TurnCount + 1,
		Reason:     d.Reason,
		Confidence: d.Confidence,
	})
	delete(session.Variables, varClarifyPrefix+d.StepID)
}

func intVar(session *model.Session, name string) int {
	v, ok := session.Variables[name]
	if !ok {
		return 0
	}
	f, ok := v.AsNumber()
	if !ok {
		return 0
	}
	return int(f)
}

func transitionReason(c transitionCandidate) string {
	if c.byCondition {
		return fmt.Sprintf("condition %q satisfied", c.transition.Condition)
	}
	if c.transition.Intent != "" {
		return fmt.Sprintf("intent %s matched", c.transition.Intent)
	}
	return "unconditional transition"
}
