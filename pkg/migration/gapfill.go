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

package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/llms"
	"github.com/guidepost-ai/guidepost/pkg/model"
)

// Source says where a gap-fill value came from.
type Source string

const (
	SourceProfile      Source = "profile"
	SourceSession      Source = "session"
	SourceConversation Source = "conversation"
)

// Resolution is one resolved missing field.
type Resolution struct {
	Value      model.Value
	Confidence float64
	Source     Source
}

// GapFill resolves fields a migrated session never collected, trying the
// customer profile first, then session variables, then extraction from
// the recent conversation.
type GapFill struct {
	cfg config.GapFillConfig
	llm llms.Provider
}

// NewGapFill creates the service. A nil llm skips conversation
// extraction.
func NewGapFill(cfg config.GapFillConfig, llm llms.Provider) *GapFill {
	return &GapFill{cfg: cfg, llm: llm}
}

// Resolve attempts to fill the given fields. Fields it cannot resolve
// with at least UseThreshold confidence are absent from the result.
func (g *GapFill) Resolve(ctx context.Context, fields []string, profile *model.CustomerProfile, session *model.Session, history []llms.Message) (map[string]Resolution, error) {
	out := make(map[string]Resolution, len(fields))
	var unresolved []string

	for _, name := range fields {
		if profile != nil {
			if f, ok := profile.Fields[name]; ok && !f.Value.IsZero() {
				conf := f.Confidence
				if conf == 0 {
					conf = 1
				}
				out[name] = Resolution{Value: f.Value, Confidence: conf, Source: SourceProfile}
				continue
			}
		}
		if v, ok := session.Variables[name]; ok && !v.IsZero() {
			out[name] = Resolution{Value: v, Confidence: 1, Source: SourceSession}
			continue
		}
		unresolved = append(unresolved, name)
	}

	if len(unresolved) == 0 || g.llm == nil || len(history) == 0 {
		return out, nil
	}

	extracted, err := g.extract(ctx, unresolved, history)
	if err != nil {
		// Extraction is best effort; the executor asks the user for
		// whatever stays missing.
		return out, nil
	}
	for name, res := range extracted {
		if res.Confidence >= g.cfg.UseThreshold {
			out[name] = res
		}
	}
	return out, nil
}

const gapFillPrompt = `You extract specific facts from a customer conversation transcript.
Respond with a single JSON object, no prose:
{"fields": {"<name>": {"value": <string|number|bool>, "confidence": <0.0-1.0>}}}
Include a field only when the transcript states it. Never guess.`

type gapFillResponse struct {
	Fields map[string]struct {
		Value      any     `json:"value"`
		Confidence float64 `json:"confidence"`
	} `json:"fields"`
}

func (g *GapFill) extract(ctx context.Context, fields []string, history []llms.Message) (map[string]Resolution, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Fields to extract: %s\n\nTranscript:\n", strings.Join(fields, ", "))
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	temp := 0.0
	result, err := g.llm.Generate(ctx, []llms.Message{
		llms.System(gapFillPrompt),
		llms.User(b.String()),
	}, llms.Options{Model: g.cfg.Model, Temperature: &temp})
	if err != nil {
		return nil, err
	}

	var parsed gapFillResponse
	if err := json.Unmarshal([]byte(stripCodeFence(result.Text)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse gap fill response: %w", err)
	}

	wanted := make(map[string]bool, len(fields))
	for _, f := range fields {
		wanted[f] = true
	}
	out := make(map[string]Resolution, len(parsed.Fields))
	for name, f := range parsed.Fields {
		if !wanted[name] || f.Confidence <= 0 || f.Confidence > 1 {
			continue
		}
		out[name] = Resolution{Value: model.ValueOf(f.Value), Confidence: f.Confidence, Source: SourceConversation}
	}
	return out, nil
}

// NeedsConfirmation reports whether a resolution must be confirmed with
// the user before it is trusted.
func (g *GapFill) NeedsConfirmation(res Resolution) bool {
	return res.Source == SourceConversation && res.Confidence < g.cfg.NoConfirmThreshold
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
