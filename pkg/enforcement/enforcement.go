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

// Package enforcement re-checks generated responses against hard
// constraints in two lanes: deterministic expression evaluation and an
// LLM judge. Violations trigger a bounded remediation loop that
// re-prompts the generator with the failure details.
package enforcement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/expr"
	"github.com/guidepost-ai/guidepost/pkg/llms"
	"github.com/guidepost-ai/guidepost/pkg/model"
)

// Lane identifies which check produced a violation.
type Lane string

const (
	LaneDeterministic Lane = "deterministic"
	LaneJudge         Lane = "judge"
	LaneRelevance     Lane = "relevance"
	LaneGrounding     Lane = "grounding"
)

// Violation is one failed check.
type Violation struct {
	RuleID string `json:"rule_id,omitempty"`
	Lane   Lane   `json:"lane"`
	Detail string `json:"detail,omitempty"`
}

// Outcome is the result of the enforce-remediate loop.
type Outcome struct {
	// Text is the response that passed, or the last attempt when
	// enforcement failed terminally.
	Text string

	OK       bool
	Attempts int

	// Violations holds the failures of the final attempt, in
	// deterministic order.
	Violations []Violation
}

// RegenerateFunc re-prompts the generator with remediation instructions
// and returns the new response text.
type RegenerateFunc func(ctx context.Context, instruction string) (string, error)

// Enforcer checks responses against the enforcement set.
type Enforcer struct {
	cfg config.EnforcementConfig
	llm llms.Provider

	// judgeMu serializes judge calls so concurrent turns cannot
	// interleave their verdicts.
	judgeMu sync.Mutex
}

// New creates an enforcer. A nil llm disables the judge lane.
func New(cfg config.EnforcementConfig, llm llms.Provider) *Enforcer {
	cfg.SetDefaults()
	return &Enforcer{cfg: cfg, llm: llm}
}

// BuildSet assembles the enforcement set: the matched hard constraints
// plus, when alwaysGlobal is set, every enabled GLOBAL hard constraint.
// The set is deduplicated and ordered by rule id.
func BuildSet(matched []*model.Rule, all []*model.Rule, alwaysGlobal bool) []*model.Rule {
	byID := map[string]*model.Rule{}
	for _, r := range matched {
		if r.IsHardConstraint {
			byID[r.ID] = r
		}
	}
	if alwaysGlobal {
		for _, r := range all {
			if r.IsHardConstraint && r.Enabled && r.Scope == model.RuleScopeGlobal {
				byID[r.ID] = r
			}
		}
	}
	out := make([]*model.Rule, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Enforce runs the two-lane check and, on violations, up to MaxRetries
// remediation regenerations. The returned outcome carries the final text
// either way; OK=false means the caller must fall back.
func (e *Enforcer) Enforce(ctx context.Context, response, userMessage string, set []*model.Rule, env map[string]model.Value, regen RegenerateFunc) (*Outcome, error) {
	if e.cfg.Enabled == nil || !*e.cfg.Enabled {
		return &Outcome{Text: response, OK: true}, nil
	}

	out := &Outcome{Text: response}
	for {
		out.Attempts++
		violations, err := e.check(ctx, out.Text, userMessage, set, env)
		if err != nil {
			return nil, err
		}
		if len(violations) == 0 {
			out.OK = true
			out.Violations = nil
			return out, nil
		}
		out.Violations = violations

		if out.Attempts > e.cfg.MaxRetries || regen == nil {
			return out, nil
		}
		text, err := regen(ctx, remediationInstruction(violations))
		if err != nil {
			slog.Warn("remediation regeneration failed", "error", err)
			return out, nil
		}
		out.Text = text
	}
}

// check runs both lanes plus the relevance and grounding checks and
// returns the violations in deterministic order.
func (e *Enforcer) check(ctx context.Context, response, userMessage string, set []*model.Rule, env map[string]model.Value) ([]Violation, error) {
	var violations []Violation

	checkEnv := make(map[string]model.Value, len(env)+2)
	for k, v := range env {
		checkEnv[k] = v
	}
	// Response-derived values override session and profile state; the
	// expression must see what this attempt actually says.
	for k, v := range ExtractResponseVars(response, e.cfg.ResponseFlags) {
		checkEnv[k] = v
	}
	checkEnv["response"] = model.StringValue(response)

	var judged []*model.Rule
	for _, r := range set {
		if r.EnforcementExpression != "" && e.cfg.DeterministicEnabled != nil && *e.cfg.DeterministicEnabled {
			ok, err := expr.EvalBool(r.EnforcementExpression, checkEnv)
			if err != nil {
				// A broken expression on a hard constraint fails closed.
				violations = append(violations, Violation{
					RuleID: r.ID, Lane: LaneDeterministic,
					Detail: fmt.Sprintf("expression error: %v", err),
				})
				continue
			}
			if !ok {
				violations = append(violations, Violation{
					RuleID: r.ID, Lane: LaneDeterministic, Detail: "constraint expression not satisfied",
				})
			}
			continue
		}
		judged = append(judged, r)
	}

	needJudge := len(judged) > 0 && e.cfg.LLMJudgeEnabled != nil && *e.cfg.LLMJudgeEnabled
	needAux := (e.cfg.RelevanceCheckEnabled != nil && *e.cfg.RelevanceCheckEnabled) ||
		(e.cfg.GroundingCheckEnabled != nil && *e.cfg.GroundingCheckEnabled)
	if (needJudge || needAux) && e.llm != nil {
		jv, err := e.judge(ctx, response, userMessage, judged, needJudge)
		if err != nil {
			// The judge lane failing open would let violations through
			// unchecked, so a judge outage fails the check.
			return nil, model.WrapError(model.ErrLLMUnavailable, err, "enforcement judge failed")
		}
		violations = append(violations, jv...)
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Lane != violations[j].Lane {
			return laneRank(violations[i].Lane) < laneRank(violations[j].Lane)
		}
		return violations[i].RuleID < violations[j].RuleID
	})
	return violations, nil
}

const judgeSystemPrompt = `You audit a customer service response. Answer with a single JSON
object, no prose:
{
  "violations": [{"index": <rule number>, "detail": "<what was violated>"}],
  "is_refusal": <true if the response declines the request on policy grounds>,
  "relevance": <0.0-1.0, how well the response addresses the user message>,
  "grounded": <0.0-1.0, how well the response sticks to the given facts>
}
List a rule under violations only when the response clearly breaks it.`

type judgeVerdict struct {
	Violations []struct {
		Index  int    `json:"index"`
		Detail string `json:"detail"`
	} `json:"violations"`
	IsRefusal bool    `json:"is_refusal"`
	Relevance float64 `json:"relevance"`
	Grounded  float64 `json:"grounded"`
}

func (e *Enforcer) judge(ctx context.Context, response, userMessage string, judged []*model.Rule, includeRules bool) ([]Violation, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "User message: %s\n\nResponse under audit: %s\n", userMessage, response)
	if includeRules {
		b.WriteString("\nRules the response must honor:\n")
		for i, r := range judged {
			text := r.ActionText
			if text == "" {
				text = r.ConditionText
			}
			fmt.Fprintf(&b, "%d. %s\n", i, text)
		}
	}

	e.judgeMu.Lock()
	defer e.judgeMu.Unlock()

	temp := 0.0
	result, err := e.llm.Generate(ctx, []llms.Message{
		llms.System(judgeSystemPrompt),
		llms.User(b.String()),
	}, llms.Options{Model: e.cfg.JudgeModel, Temperature: &temp})
	if err != nil {
		return nil, err
	}

	var verdict judgeVerdict
	if err := json.Unmarshal([]byte(stripCodeFence(result.Text)), &verdict); err != nil {
		return nil, fmt.Errorf("failed to parse judge verdict: %w", err)
	}

	var violations []Violation
	if includeRules {
		for _, v := range verdict.Violations {
			if v.Index < 0 || v.Index >= len(judged) {
				continue
			}
			violations = append(violations, Violation{
				RuleID: judged[v.Index].ID, Lane: LaneJudge, Detail: v.Detail,
			})
		}
	}

	refusal := verdict.IsRefusal && e.cfg.RefusalBypass != nil && *e.cfg.RefusalBypass
	if e.cfg.RelevanceCheckEnabled != nil && *e.cfg.RelevanceCheckEnabled && !refusal {
		if verdict.Relevance < e.cfg.RelevanceThreshold {
			violations = append(violations, Violation{
				Lane: LaneRelevance, Detail: fmt.Sprintf("relevance %.2f below threshold", verdict.Relevance),
			})
		}
	}
	if e.cfg.GroundingCheckEnabled != nil && *e.cfg.GroundingCheckEnabled && !refusal {
		if verdict.Grounded < e.cfg.GroundingThreshold {
			violations = append(violations, Violation{
				Lane: LaneGrounding, Detail: fmt.Sprintf("grounding %.2f below threshold", verdict.Grounded),
			})
		}
	}
	return violations, nil
}

func remediationInstruction(violations []Violation) string {
	var b strings.Builder
	b.WriteString("Your previous answer was rejected for these reasons:\n")
	for _, v := range violations {
		if v.RuleID != "" {
			fmt.Fprintf(&b, "- rule %s: %s\n", v.RuleID, v.Detail)
		} else {
			fmt.Fprintf(&b, "- %s: %s\n", v.Lane, v.Detail)
		}
	}
	b.WriteString("Rewrite the answer so every listed problem is fixed.")
	return b.String()
}

func laneRank(l Lane) int {
	switch l {
	case LaneDeterministic:
		return 0
	case LaneJudge:
		return 1
	case LaneRelevance:
		return 2
	default:
		return 3
	}
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
