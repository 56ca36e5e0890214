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

// Package rulefilter narrows retrieved rule candidates to the set that
// actually applies to the turn, using an LLM judge over small batches.
// The judge is instructed to prefer false negatives: a missed soft rule
// costs less than a misapplied one, and hard constraints are re-checked
// by enforcement regardless.
package rulefilter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/llms"
	"github.com/guidepost-ai/guidepost/pkg/model"
)

// Match is a rule the judge found applicable, with its confidence.
type Match struct {
	Rule       *model.Rule
	Confidence float64
	Reasoning  string
}

// Record converts the match into its audit form.
func (m Match) Record() model.MatchedRule {
	return model.MatchedRule{RuleID: m.Rule.ID, Confidence: m.Confidence, Reasoning: m.Reasoning}
}

// Filter judges rule applicability per turn.
type Filter struct {
	cfg config.RuleFilterConfig
	llm llms.Provider
}

// New creates a filter. A nil llm behaves as if the filter were disabled.
func New(cfg config.RuleFilterConfig, llm llms.Provider) *Filter {
	cfg.SetDefaults()
	return &Filter{cfg: cfg, llm: llm}
}

const judgePrompt = `You judge which behavioral rules apply to the current turn of a
customer conversation. For each numbered rule decide whether its condition
holds for this message, in this situation.

Respond with a single JSON object, no prose:
{"matches": [{"index": <rule number>, "confidence": <0.0-1.0>, "reasoning": "<one line>"}],
 "scenario_signal": <"START" if the message clearly opens a new flow, "EXIT" if it clearly abandons the current one, else null>}

Omit rules that do not apply. When unsure, omit: missing a rule is safer
than applying the wrong one. Leave scenario_signal null unless the message
is unambiguous.`

type judgeResponse struct {
	Matches []struct {
		Index      int     `json:"index"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	} `json:"matches"`
	ScenarioSignal string `json:"scenario_signal"`
}

// Filter returns the candidates judged applicable, highest confidence
// first, capped at MaxRules, plus a coarse scenario signal hint when the
// judge saw the message clearly open or abandon a flow. With the stage
// disabled every candidate passes through unjudged and the hint is empty.
func (f *Filter) Filter(ctx context.Context, tc *model.Context, candidates []*model.Rule) ([]Match, model.ScenarioSignal, error) {
	if len(candidates) == 0 {
		return nil, "", nil
	}
	if f.cfg.Enabled == nil || !*f.cfg.Enabled || f.llm == nil {
		return f.passthrough(candidates), "", nil
	}

	var matches []Match
	var signal model.ScenarioSignal
	for start := 0; start < len(candidates); start += f.cfg.BatchSize {
		end := start + f.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch, sig, err := f.judgeBatch(ctx, tc, candidates[start:end])
		if err != nil {
			// A lost batch only costs potential matches.
			slog.Warn("rule filter batch skipped", "rules", end-start, "error", err)
			continue
		}
		if signal == "" {
			signal = sig
		}
		matches = append(matches, batch...)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		return matches[i].Rule.ID < matches[j].Rule.ID
	})
	if len(matches) > f.cfg.MaxRules {
		matches = matches[:f.cfg.MaxRules]
	}
	return matches, signal, nil
}

func (f *Filter) passthrough(candidates []*model.Rule) []Match {
	n := len(candidates)
	if n > f.cfg.MaxRules {
		n = f.cfg.MaxRules
	}
	out := make([]Match, n)
	for i := 0; i < n; i++ {
		out[i] = Match{Rule: candidates[i], Confidence: 1}
	}
	return out
}

func (f *Filter) judgeBatch(ctx context.Context, tc *model.Context, batch []*model.Rule) ([]Match, model.ScenarioSignal, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Message: %s\n", tc.Message)
	if tc.IntentLabel != "" && tc.IntentLabel != tc.Message {
		fmt.Fprintf(&b, "Intent: %s\n", tc.IntentLabel)
	}
	if tc.Signal != "" && tc.Signal != model.SignalUnknown {
		fmt.Fprintf(&b, "Scenario signal: %s\n", tc.Signal)
	}
	b.WriteString("\nRules:\n")
	for i, r := range batch {
		fmt.Fprintf(&b, "%d. %s\n", i, r.ConditionText)
	}

	temp := 0.0
	result, err := f.llm.Generate(ctx, []llms.Message{
		llms.System(judgePrompt),
		llms.User(b.String()),
	}, llms.Options{Model: f.cfg.Model, Temperature: &temp})
	if err != nil {
		return nil, "", err
	}

	var parsed judgeResponse
	if err := json.Unmarshal([]byte(stripCodeFence(result.Text)), &parsed); err != nil {
		return nil, "", fmt.Errorf("failed to parse judge response: %w", err)
	}

	var signal model.ScenarioSignal
	switch model.ScenarioSignal(strings.ToUpper(parsed.ScenarioSignal)) {
	case model.SignalStart:
		signal = model.SignalStart
	case model.SignalExit:
		signal = model.SignalExit
	}

	matches := make([]Match, 0, len(parsed.Matches))
	for _, m := range parsed.Matches {
		if m.Index < 0 || m.Index >= len(batch) {
			continue
		}
		if m.Confidence < f.cfg.RelevanceThreshold {
			continue
		}
		matches = append(matches, Match{Rule: batch[m.Index], Confidence: m.Confidence, Reasoning: m.Reasoning})
	}
	return matches, signal, nil
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
