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

package rulefilter

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/llms"
	"github.com/guidepost-ai/guidepost/pkg/model"
)

// scriptedLLM replies with one canned response per call, in order.
type scriptedLLM struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Generate(_ context.Context, messages []llms.Message, _ llms.Options) (*llms.Result, error) {
	i := s.calls
	s.calls++
	s.prompts = append(s.prompts, messages[len(messages)-1].Content)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		return nil, errors.New("no scripted response left")
	}
	return &llms.Result{Text: s.responses[i]}, nil
}

func (s *scriptedLLM) GenerateStream(ctx context.Context, messages []llms.Message, opts llms.Options) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk)
	close(ch)
	return ch, nil
}

func (s *scriptedLLM) CountTokens(text string) int { return len(text) / 4 }

func rules(ids ...string) []*model.Rule {
	out := make([]*model.Rule, len(ids))
	for i, id := range ids {
		out[i] = &model.Rule{
			AgentHeader:   model.NewAgentHeader("t1", "a1"),
			ID:            id,
			ConditionText: "customer mentions " + id,
			Scope:         model.RuleScopeGlobal,
			Enabled:       true,
		}
	}
	return out
}

func TestFilterJudgesBatch(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"matches": [
			{"index": 0, "confidence": 0.9, "reasoning": "explicit refund request"},
			{"index": 2, "confidence": 0.4, "reasoning": "weak signal"}
		]}`,
	}}
	f := New(config.RuleFilterConfig{}, llm)

	got, _, err := f.Filter(context.Background(), &model.Context{Message: "refund my order"},
		rules("refund", "shipping", "discount"))
	require.NoError(t, err)

	// index 2 falls below the 0.6 relevance threshold
	require.Len(t, got, 1)
	assert.Equal(t, "refund", got[0].Rule.ID)
	assert.InDelta(t, 0.9, got[0].Confidence, 0.001)
	assert.NotEmpty(t, got[0].Reasoning)
}

func TestFilterBatchesLargeCandidateSets(t *testing.T) {
	ids := make([]string, 7)
	for i := range ids {
		ids[i] = fmt.Sprintf("rule-%d", i)
	}

	llm := &scriptedLLM{responses: []string{
		`{"matches": [{"index": 1, "confidence": 0.8}]}`,
		`{"matches": [{"index": 0, "confidence": 0.7}]}`,
	}}
	f := New(config.RuleFilterConfig{BatchSize: 5}, llm)

	got, _, err := f.Filter(context.Background(), &model.Context{Message: "hi"}, rules(ids...))
	require.NoError(t, err)

	assert.Equal(t, 2, llm.calls)
	require.Len(t, got, 2)
	// indices are batch-local: second batch's index 0 is rule-5
	assert.Equal(t, "rule-1", got[0].Rule.ID)
	assert.Equal(t, "rule-5", got[1].Rule.ID)
}

func TestFilterSkipsFailedBatch(t *testing.T) {
	llm := &scriptedLLM{
		errs:      []error{errors.New("upstream down"), nil},
		responses: []string{"", `{"matches": [{"index": 0, "confidence": 0.9}]}`},
	}
	f := New(config.RuleFilterConfig{BatchSize: 2}, llm)

	got, _, err := f.Filter(context.Background(), &model.Context{Message: "hi"},
		rules("a", "b", "c"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Rule.ID)
}

func TestFilterCapsAndOrders(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"matches": [
			{"index": 0, "confidence": 0.7},
			{"index": 1, "confidence": 0.95},
			{"index": 2, "confidence": 0.8}
		]}`,
	}}
	f := New(config.RuleFilterConfig{MaxRules: 2}, llm)

	got, _, err := f.Filter(context.Background(), &model.Context{Message: "hi"},
		rules("a", "b", "c"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Rule.ID)
	assert.Equal(t, "c", got[1].Rule.ID)
}

func TestFilterDisabledPassesThrough(t *testing.T) {
	f := New(config.RuleFilterConfig{Enabled: config.BoolPtr(false)}, nil)

	got, _, err := f.Filter(context.Background(), &model.Context{Message: "hi"},
		rules("a", "b"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].Confidence)
}

func TestFilterIncludesScenarioSignalHint(t *testing.T) {
	llm := &scriptedLLM{responses: []string{`{"matches": []}`}}
	f := New(config.RuleFilterConfig{}, llm)

	_, _, err := f.Filter(context.Background(), &model.Context{
		Message:     "I want to return this",
		IntentLabel: "return_request",
		Signal:      model.SignalStart,
	}, rules("a"))
	require.NoError(t, err)

	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "Scenario signal: START")
	assert.Contains(t, llm.prompts[0], "Intent: return_request")
}

func TestFilterReturnsScenarioSignal(t *testing.T) {
	t.Run("judge hint surfaces", func(t *testing.T) {
		llm := &scriptedLLM{responses: []string{
			`{"matches": [{"index": 0, "confidence": 0.9}], "scenario_signal": "START"}`,
		}}
		f := New(config.RuleFilterConfig{}, llm)

		got, signal, err := f.Filter(context.Background(),
			&model.Context{Message: "I want a refund"}, rules("refund"))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, model.SignalStart, signal)
	})

	t.Run("null hint stays empty", func(t *testing.T) {
		llm := &scriptedLLM{responses: []string{
			`{"matches": [], "scenario_signal": null}`,
		}}
		f := New(config.RuleFilterConfig{}, llm)

		_, signal, err := f.Filter(context.Background(),
			&model.Context{Message: "hello"}, rules("a"))
		require.NoError(t, err)
		assert.Empty(t, signal)
	})

	t.Run("first decisive batch wins", func(t *testing.T) {
		llm := &scriptedLLM{responses: []string{
			`{"matches": []}`,
			`{"matches": [], "scenario_signal": "EXIT"}`,
		}}
		f := New(config.RuleFilterConfig{BatchSize: 1}, llm)

		_, signal, err := f.Filter(context.Background(),
			&model.Context{Message: "never mind"}, rules("a", "b"))
		require.NoError(t, err)
		assert.Equal(t, model.SignalExit, signal)
	})
}
