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

// Package generation assembles the structured prompt for a turn and
// produces the agent response, either from the LLM or verbatim from an
// exclusive template.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/llms"
	"github.com/guidepost-ai/guidepost/pkg/model"
)

// Request carries everything the generator folds into the prompt.
type Request struct {
	// System is the agent persona preamble.
	System string

	Message string
	History []llms.Message

	// Rules are the matched rules whose action text steers the response.
	Rules []*model.Rule

	Scenario *model.Scenario
	Step     *model.ScenarioStep

	// Memory holds retrieved episode contents, most relevant first.
	Memory []string

	ToolResults []model.ToolCallRecord

	// Variables is the merged placeholder environment: profile fields,
	// session variables and context entities.
	Variables map[string]model.Value

	// Template optionally short-circuits (EXCLUSIVE) or hints (SUGGEST)
	// the generation.
	Template *model.Template

	// Instruction is an extra directive for this generation, used for
	// clarification questions and enforcement remediation.
	Instruction string
}

// Result is the generation outcome.
type Result struct {
	Text         string
	LLMCalled    bool
	TemplateUsed string
	TokensUsed   int
}

// Generator produces agent responses.
type Generator struct {
	cfg     config.GenerationConfig
	llm     llms.Provider
	counter *llms.TokenCounter
}

// New creates a generator backed by the given provider.
func New(cfg config.GenerationConfig, llm llms.Provider) *Generator {
	cfg.SetDefaults()
	return &Generator{cfg: cfg, llm: llm, counter: llms.NewTokenCounter(cfg.Model)}
}

// Generate produces the response for a turn. An EXCLUSIVE template whose
// placeholders all resolve bypasses the LLM entirely; one with gaps
// degrades to a SUGGEST hint so the model can fill them in.
func (g *Generator) Generate(ctx context.Context, req *Request) (*Result, error) {
	if req.Template != nil && req.Template.Mode == model.TemplateModeExclusive {
		text, missing := Render(req.Template.Text, req.Variables)
		if len(missing) == 0 {
			return &Result{Text: text, TemplateUsed: req.Template.ID}, nil
		}
		slog.Warn("exclusive template has unresolved placeholders, falling back to the model",
			"template", req.Template.ID, "missing", missing)
	}

	result, err := g.llm.Generate(ctx, g.buildMessages(req), g.options())
	if err != nil {
		return nil, model.WrapError(model.ErrLLMUnavailable, err, "generation failed")
	}
	out := &Result{Text: strings.TrimSpace(result.Text), LLMCalled: true, TokensUsed: result.Tokens}
	if req.Template != nil {
		out.TemplateUsed = req.Template.ID
	}
	return out, nil
}

// GenerateStream is the streaming variant. Template bypass produces a
// single synthetic chunk.
func (g *Generator) GenerateStream(ctx context.Context, req *Request) (<-chan llms.StreamChunk, error) {
	if req.Template != nil && req.Template.Mode == model.TemplateModeExclusive {
		text, missing := Render(req.Template.Text, req.Variables)
		if len(missing) == 0 {
			ch := make(chan llms.StreamChunk, 1)
			ch <- llms.StreamChunk{Text: text, Done: true}
			close(ch)
			return ch, nil
		}
	}
	return g.llm.GenerateStream(ctx, g.buildMessages(req), g.options())
}

func (g *Generator) options() llms.Options {
	return llms.Options{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	}
}

// buildMessages assembles the transcript: a structured system prompt,
// the budget-trimmed history and the user message.
func (g *Generator) buildMessages(req *Request) []llms.Message {
	system := g.buildSystemPrompt(req)

	history := req.History
	if g.cfg.PromptBudgetTokens > 0 {
		fixed := g.counter.Count(system) + g.counter.Count(req.Message) + 6
		history = g.counter.FitWithinBudget(history, g.cfg.PromptBudgetTokens-fixed)
	}

	msgs := make([]llms.Message, 0, len(history)+2)
	msgs = append(msgs, llms.System(system))
	msgs = append(msgs, history...)
	msgs = append(msgs, llms.User(req.Message))
	return msgs
}

func (g *Generator) buildSystemPrompt(req *Request) string {
	var b strings.Builder

	if req.System != "" {
		b.WriteString(req.System)
	} else {
		b.WriteString("You are a helpful customer service assistant.")
	}
	b.WriteString("\n")

	if len(req.Rules) > 0 {
		b.WriteString("\nFollow these rules:\n")
		for _, r := range req.Rules {
			if r.ActionText != "" {
				fmt.Fprintf(&b, "- %s\n", r.ActionText)
			}
		}
	}

	if req.Scenario != nil && req.Step != nil {
		fmt.Fprintf(&b, "\nYou are guiding the customer through: %s", req.Scenario.Name)
		if req.Scenario.Description != "" {
			fmt.Fprintf(&b, " (%s)", req.Scenario.Description)
		}
		b.WriteString("\n")
		if req.Step.Description != "" {
			fmt.Fprintf(&b, "Current step: %s\n", req.Step.Description)
		}
		if len(req.Step.RequiredFields) > 0 {
			fmt.Fprintf(&b, "Information still needed: %s\n", strings.Join(req.Step.RequiredFields, ", "))
		}
	}

	if len(req.Memory) > 0 {
		b.WriteString("\nRelevant past context:\n")
		memory := req.Memory
		if g.cfg.PromptBudgetTokens > 0 {
			memory = g.trimMemory(memory)
		}
		for _, m := range memory {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}

	if len(req.ToolResults) > 0 {
		b.WriteString("\nTool results:\n")
		for _, tr := range req.ToolResults {
			if !tr.Success {
				fmt.Fprintf(&b, "- %s failed: %s\n", tr.ToolID, tr.Error)
				continue
			}
			fmt.Fprintf(&b, "- %s: %s\n", tr.ToolID, formatOutputs(tr.Outputs))
		}
	}

	if vars := formatVariables(req.Variables); vars != "" {
		b.WriteString("\nKnown customer details:\n")
		b.WriteString(vars)
	}

	if req.Template != nil && req.Template.Mode != model.TemplateModeFallback {
		if text, _ := Render(req.Template.Text, req.Variables); text != "" {
			fmt.Fprintf(&b, "\nBase your answer on this suggested response:\n%s\n", text)
		}
	}

	if req.Instruction != "" {
		fmt.Fprintf(&b, "\n%s\n", req.Instruction)
	}
	return strings.TrimSpace(b.String())
}

// trimMemory drops episodes from the tail while the memory section alone
// exceeds a quarter of the prompt budget.
func (g *Generator) trimMemory(memory []string) []string {
	budget := g.cfg.PromptBudgetTokens / 4
	used := 0
	for i, m := range memory {
		used += g.counter.Count(m)
		if used > budget {
			return memory[:i]
		}
	}
	return memory
}

func formatOutputs(outputs map[string]model.Value) string {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, outputs[k].AsString())
	}
	return strings.Join(parts, ", ")
}

func formatVariables(vars map[string]model.Value) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		if strings.HasPrefix(k, "_") {
			continue // internal bookkeeping
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, vars[k].AsString())
	}
	return b.String()
}
