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

package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/model"
	"github.com/guidepost-ai/guidepost/pkg/rerank"
	"github.com/guidepost-ai/guidepost/pkg/stores"
)

var (
	refundAxis   = []float32{1, 0, 0}
	shippingAxis = []float32{0, 1, 0}
	otherAxis    = []float32{0, 0, 1}
)

func testRule(id string, scope model.RuleScope, scopeID string, embedding []float32) *model.Rule {
	return &model.Rule{
		AgentHeader:   model.NewAgentHeader("t1", "a1"),
		ID:            id,
		ConditionText: "when the customer mentions " + id,
		ActionText:    "follow policy " + id,
		Scope:         scope,
		ScopeID:       scopeID,
		Enabled:       true,
		Embedding:     embedding,
	}
}

func newTestRetriever(t *testing.T, rules []*model.Rule, scenarios []*model.Scenario) *Retriever {
	t.Helper()
	ctx := context.Background()
	cs := stores.NewMemoryConfigStore()
	for _, r := range rules {
		require.NoError(t, cs.SaveRule(ctx, r))
	}
	for _, sc := range scenarios {
		require.NoError(t, cs.SaveScenario(ctx, sc))
	}

	cfg := config.RetrievalConfig{}
	cfg.Selection.Strategy = "fixed_k"
	cfg.Selection.K = 10

	r, err := New(cfg, config.RerankingConfig{}, cs, nil, nil)
	require.NoError(t, err)
	return r
}

func TestRetrieveRulesScoping(t *testing.T) {
	rules := []*model.Rule{
		testRule("global-refund", model.RuleScopeGlobal, "", refundAxis),
		testRule("scenario-refund", model.RuleScopeScenario, "refund_flow", refundAxis),
		testRule("step-refund", model.RuleScopeStep, "collect_order", refundAxis),
		testRule("other-scenario", model.RuleScopeScenario, "returns_flow", refundAxis),
	}
	r := newTestRetriever(t, rules, nil)

	tc := &model.Context{Message: "refund please", Embedding: refundAxis}

	t.Run("outside any scenario only globals apply", func(t *testing.T) {
		session := model.NewSession("t1", "a1", "p1", "whatsapp", "u1")
		got, err := r.RetrieveRules(context.Background(), "t1", "a1", session, tc)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "global-refund", got[0].Rule.ID)
	})

	t.Run("active scenario and step widen the scope", func(t *testing.T) {
		session := model.NewSession("t1", "a1", "p1", "whatsapp", "u1")
		session.EnterScenario("refund_flow", "collect_order", 1)

		got, err := r.RetrieveRules(context.Background(), "t1", "a1", session, tc)
		require.NoError(t, err)
		ids := ruleIDs(got)
		assert.ElementsMatch(t, []string{"global-refund", "scenario-refund", "step-refund"}, ids)
		assert.NotContains(t, ids, "other-scenario")
	})
}

func TestRetrieveRulesFilters(t *testing.T) {
	disabled := testRule("disabled", model.RuleScopeGlobal, "", refundAxis)
	disabled.Enabled = false

	capped := testRule("capped", model.RuleScopeGlobal, "", refundAxis)
	capped.MaxFiresPerSession = 1

	cooling := testRule("cooling", model.RuleScopeGlobal, "", refundAxis)
	cooling.CooldownTurns = 5

	offTopic := testRule("off-topic", model.RuleScopeGlobal, "", otherAxis)

	r := newTestRetriever(t, []*model.Rule{disabled, capped, cooling, offTopic}, nil)

	session := model.NewSession("t1", "a1", "p1", "whatsapp", "u1")
	session.TurnCount = 3
	session.RecordRuleFire("capped", 1)
	session.RecordRuleFire("cooling", 2)

	got, err := r.RetrieveRules(context.Background(), "t1", "a1", session,
		&model.Context{Message: "refund", Embedding: refundAxis})
	require.NoError(t, err)
	assert.Empty(t, ruleIDs(got))
}

func TestRetrieveRulesOrderingIsDeterministic(t *testing.T) {
	rules := []*model.Rule{
		testRule("b-rule", model.RuleScopeGlobal, "", refundAxis),
		testRule("a-rule", model.RuleScopeGlobal, "", refundAxis),
		testRule("near", model.RuleScopeGlobal, "", []float32{0.9, 0.3, 0}),
	}
	r := newTestRetriever(t, rules, nil)

	session := model.NewSession("t1", "a1", "p1", "whatsapp", "u1")
	got, err := r.RetrieveRules(context.Background(), "t1", "a1", session,
		&model.Context{Message: "refund", Embedding: refundAxis})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a-rule", "b-rule", "near"}, ruleIDs(got))
	assert.Greater(t, got[0].Score, got[2].Score)
}

func TestRetrieveRulesRerank(t *testing.T) {
	ctx := context.Background()
	cs := stores.NewMemoryConfigStore()
	for _, rule := range []*model.Rule{
		testRule("first", model.RuleScopeGlobal, "", refundAxis),
		testRule("second", model.RuleScopeGlobal, "", []float32{0.9, 0.2, 0}),
		testRule("third", model.RuleScopeGlobal, "", []float32{0.8, 0.3, 0}),
	} {
		require.NoError(t, cs.SaveRule(ctx, rule))
	}

	cfg := config.RetrievalConfig{}
	cfg.Selection.Strategy = "fixed_k"
	cfg.Selection.K = 10

	r, err := New(cfg, config.RerankingConfig{Enabled: true, TopK: 2}, cs, nil, rerank.NoopProvider{})
	require.NoError(t, err)

	session := model.NewSession("t1", "a1", "p1", "whatsapp", "u1")
	got, err := r.RetrieveRules(ctx, "t1", "a1", session,
		&model.Context{Message: "refund", Embedding: refundAxis})
	require.NoError(t, err)

	// noop reranker keeps order but truncates to its top_k
	require.Len(t, got, 2)
	assert.Equal(t, []string{"first", "second"}, ruleIDs(got))
}

func TestRetrieveScenarioEntries(t *testing.T) {
	refundFlow := &model.Scenario{
		AgentHeader:     model.NewAgentHeader("t1", "a1"),
		ID:              "refund_flow",
		Name:            "Refunds",
		Version:         1,
		EntryStepID:     "start",
		EntryEmbeddings: [][]float32{refundAxis, {0.9, 0.1, 0}},
		Steps:           []*model.ScenarioStep{{ID: "start", Type: model.StepTypeInteraction}},
	}
	shippingFlow := &model.Scenario{
		AgentHeader:     model.NewAgentHeader("t1", "a1"),
		ID:              "shipping_flow",
		Name:            "Shipping",
		Version:         1,
		EntryStepID:     "start",
		IntentLabel:     "shipping_inquiry",
		EntryEmbeddings: [][]float32{shippingAxis},
		Steps:           []*model.ScenarioStep{{ID: "start", Type: model.StepTypeInteraction}},
	}
	r := newTestRetriever(t, nil, []*model.Scenario{refundFlow, shippingFlow})

	t.Run("embedding similarity ranks entries", func(t *testing.T) {
		got, err := r.RetrieveScenarioEntries(context.Background(), "t1", "a1",
			&model.Context{Message: "refund", Embedding: refundAxis})
		require.NoError(t, err)
		require.NotEmpty(t, got)
		assert.Equal(t, "refund_flow", got[0].Scenario.ID)
	})

	t.Run("intent label match scores full confidence", func(t *testing.T) {
		got, err := r.RetrieveScenarioEntries(context.Background(), "t1", "a1",
			&model.Context{Message: "where is it", IntentLabel: "shipping_inquiry", Embedding: shippingAxis})
		require.NoError(t, err)
		require.NotEmpty(t, got)
		assert.Equal(t, "shipping_flow", got[0].Scenario.ID)
		assert.Equal(t, 1.0, got[0].Score)
	})
}

func TestRetrieveMemoryWithoutStore(t *testing.T) {
	r := newTestRetriever(t, nil, nil)
	hits, err := r.RetrieveMemory(context.Background(), "t1", "sess-1", "refund")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func ruleIDs(candidates []RuleCandidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.Rule.ID
	}
	return out
}
