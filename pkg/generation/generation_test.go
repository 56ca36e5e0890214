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

package generation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/llms"
	"github.com/guidepost-ai/guidepost/pkg/model"
)

type recordingLLM struct {
	response string
	lastMsgs []llms.Message
	calls    int
}

func (r *recordingLLM) Name() string { return "recording" }

func (r *recordingLLM) Generate(_ context.Context, messages []llms.Message, _ llms.Options) (*llms.Result, error) {
	r.calls++
	r.lastMsgs = messages
	return &llms.Result{Text: r.response, Tokens: 7}, nil
}

func (r *recordingLLM) GenerateStream(_ context.Context, messages []llms.Message, _ llms.Options) (<-chan llms.StreamChunk, error) {
	r.calls++
	r.lastMsgs = messages
	ch := make(chan llms.StreamChunk, 2)
	ch <- llms.StreamChunk{Text: r.response}
	ch <- llms.StreamChunk{Done: true, Tokens: 7}
	close(ch)
	return ch, nil
}

func (r *recordingLLM) CountTokens(text string) int { return len(text) / 4 }

func TestRender(t *testing.T) {
	env := map[string]model.Value{
		"name":     model.StringValue("Ada"),
		"order_id": model.StringValue("A-100"),
	}

	text, missing := Render("Hi {name}, order {order_id} ships {eta}. Bye {name}!", env)
	assert.Equal(t, "Hi Ada, order A-100 ships {eta}. Bye Ada!", text)
	assert.Equal(t, []string{"eta"}, missing)

	assert.Equal(t, []string{"name", "order_id", "eta"},
		Placeholders("Hi {name}, order {order_id} ships {eta}. Bye {name}!"))
}

func TestGenerateExclusiveTemplateBypassesLLM(t *testing.T) {
	llm := &recordingLLM{response: "should not be used"}
	g := New(config.GenerationConfig{}, llm)

	res, err := g.Generate(context.Background(), &Request{
		Message: "where is my order?",
		Template: &model.Template{
			AgentHeader: model.NewAgentHeader("t1", "a1"),
			ID:          "order-status",
			Text:        "Order {order_id} is {status}.",
			Mode:        model.TemplateModeExclusive,
		},
		Variables: map[string]model.Value{
			"order_id": model.StringValue("A-100"),
			"status":   model.StringValue("in transit"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Order A-100 is in transit.", res.Text)
	assert.False(t, res.LLMCalled)
	assert.Equal(t, "order-status", res.TemplateUsed)
	assert.Zero(t, llm.calls)
}

func TestGenerateExclusiveWithGapsFallsBackToLLM(t *testing.T) {
	llm := &recordingLLM{response: "Your order should arrive soon."}
	g := New(config.GenerationConfig{}, llm)

	res, err := g.Generate(context.Background(), &Request{
		Message: "where is my order?",
		Template: &model.Template{
			AgentHeader: model.NewAgentHeader("t1", "a1"),
			ID:          "order-status",
			Text:        "Order {order_id} is {status}.",
			Mode:        model.TemplateModeExclusive,
		},
		Variables: map[string]model.Value{"order_id": model.StringValue("A-100")},
	})
	require.NoError(t, err)
	assert.True(t, res.LLMCalled)
	assert.Equal(t, 1, llm.calls)
	assert.Equal(t, "Your order should arrive soon.", res.Text)
	assert.Equal(t, 7, res.TokensUsed)
}

func TestGeneratePromptSections(t *testing.T) {
	llm := &recordingLLM{response: "ok"}
	g := New(config.GenerationConfig{}, llm)

	_, err := g.Generate(context.Background(), &Request{
		System:  "You are the support agent for Acme.",
		Message: "refund my order",
		History: []llms.Message{llms.User("hi"), llms.Assistant("hello!")},
		Rules: []*model.Rule{
			{ID: "r1", ActionText: "Always confirm the order number first."},
		},
		Scenario: &model.Scenario{ID: "refund_flow", Name: "Refunds"},
		Step: &model.ScenarioStep{
			ID: "collect", Type: model.StepTypeInteraction,
			Description:    "collect the order number",
			RequiredFields: []string{"order_id"},
		},
		Memory: []string{"customer had a refund approved last month"},
		ToolResults: []model.ToolCallRecord{
			{ToolID: "lookup_order", Success: true,
				Outputs: map[string]model.Value{"status": model.StringValue("delivered")}},
			{ToolID: "check_balance", Success: false, Error: "timeout"},
		},
		Variables: map[string]model.Value{
			"name":        model.StringValue("Ada"),
			"_nav_secret": model.StringValue("hidden"),
		},
		Template: &model.Template{
			ID: "tone", Text: "Sorry {name}, let me fix that.",
			Mode: model.TemplateModeSuggest,
		},
	})
	require.NoError(t, err)

	require.Len(t, llm.lastMsgs, 4) // system + 2 history + user
	system := llm.lastMsgs[0].Content
	assert.Contains(t, system, "support agent for Acme")
	assert.Contains(t, system, "Always confirm the order number first.")
	assert.Contains(t, system, "Refunds")
	assert.Contains(t, system, "collect the order number")
	assert.Contains(t, system, "order_id")
	assert.Contains(t, system, "refund approved last month")
	assert.Contains(t, system, "lookup_order: status=delivered")
	assert.Contains(t, system, "check_balance failed: timeout")
	assert.Contains(t, system, "name: Ada")
	assert.NotContains(t, system, "hidden")
	assert.Contains(t, system, "Sorry Ada, let me fix that.")
	assert.Equal(t, "refund my order", llm.lastMsgs[3].Content)
}

func TestGenerateTrimsHistoryToBudget(t *testing.T) {
	llm := &recordingLLM{response: "ok"}
	g := New(config.GenerationConfig{PromptBudgetTokens: 120}, llm)

	long := make([]llms.Message, 40)
	for i := range long {
		long[i] = llms.User("this is a reasonably long history message about an order")
	}

	_, err := g.Generate(context.Background(), &Request{Message: "hi", History: long})
	require.NoError(t, err)
	assert.Less(t, len(llm.lastMsgs), 42)
	// the newest history survives, right before the user message
	assert.Equal(t, llms.RoleUser, llm.lastMsgs[len(llm.lastMsgs)-1].Role)
}

func TestGenerateStreamTemplateBypass(t *testing.T) {
	llm := &recordingLLM{response: "nope"}
	g := New(config.GenerationConfig{}, llm)

	ch, err := g.GenerateStream(context.Background(), &Request{
		Message: "hello",
		Template: &model.Template{
			ID: "greet", Text: "Welcome back, {name}!", Mode: model.TemplateModeExclusive,
		},
		Variables: map[string]model.Value{"name": model.StringValue("Ada")},
	})
	require.NoError(t, err)

	var text string
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		text += chunk.Text
	}
	assert.Equal(t, "Welcome back, Ada!", text)
	assert.Zero(t, llm.calls)
}
