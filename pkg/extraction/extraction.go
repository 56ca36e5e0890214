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

// Package extraction turns a raw user message into the enriched Context
// the rest of the pipeline consumes. Whatever the mode, the produced
// Context always carries an embedding of the configured dimension.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/embedders"
	"github.com/guidepost-ai/guidepost/pkg/llms"
	"github.com/guidepost-ai/guidepost/pkg/model"
)

// Extractor produces Contexts from user messages.
type Extractor struct {
	cfg      config.ContextExtractionConfig
	llm      llms.Provider
	embedder embedders.Provider
}

// New creates an extractor. The llm may be nil when the mode never calls it.
func New(cfg config.ContextExtractionConfig, llm llms.Provider, embedder embedders.Provider) *Extractor {
	cfg.SetDefaults()
	return &Extractor{cfg: cfg, llm: llm, embedder: embedder}
}

const extractionPrompt = `You analyze one user message inside a customer conversation.
Respond with a single JSON object, no prose, with exactly these fields:
{
  "intent_label": "<short snake_case label>",
  "confidence": <0.0-1.0>,
  "entities": {"<name>": <string|number|bool>, ...},
  "sentiment": "positive" | "neutral" | "negative",
  "urgency": "low" | "normal" | "high",
  "scenario_signal": "START" | "CONTINUE" | "EXIT" | "UNKNOWN",
  "is_ambiguous": <bool>,
  "ambiguity_reason": "<why, only when is_ambiguous is true>"
}
Mark is_ambiguous true only when the message cannot be acted on without a
clarifying question. Extract entities only when explicitly present.`

// llmExtraction is the wire form the extraction model replies with.
type llmExtraction struct {
	IntentLabel     string         `json:"intent_label"`
	Confidence      float64        `json:"confidence"`
	Entities        map[string]any `json:"entities"`
	Sentiment       string         `json:"sentiment"`
	Urgency         string         `json:"urgency"`
	ScenarioSignal  string         `json:"scenario_signal"`
	IsAmbiguous     bool           `json:"is_ambiguous"`
	AmbiguityReason string         `json:"ambiguity_reason"`
}

// Extract analyzes the message in the light of recent history.
func (e *Extractor) Extract(ctx context.Context, message string, history []llms.Message) (*model.Context, error) {
	embedding, err := e.embedder.EmbedOne(ctx, message)
	if err != nil {
		return nil, model.WrapError(model.ErrLLMUnavailable, err, "failed to embed message")
	}

	out := &model.Context{
		Message:   message,
		Signal:    model.SignalUnknown,
		Embedding: embedding,
	}

	switch e.cfg.Mode {
	case config.ExtractionModeDisabled:
		return out, nil

	case config.ExtractionModeEmbeddingOnly:
		out.IntentLabel = message
		out.Confidence = 1
		return out, nil

	default: // llm
		parsed, err := e.extractWithLLM(ctx, message, history)
		if err != nil {
			// Degrade to embedding-only rather than failing the turn.
			slog.Warn("context extraction degraded to embedding-only", "error", err)
			out.IntentLabel = message
			out.Confidence = 0
			return out, nil
		}
		out.IntentLabel = parsed.IntentLabel
		out.Confidence = parsed.Confidence
		out.Sentiment = parsed.Sentiment
		out.Urgency = parsed.Urgency
		out.Signal = parseSignal(parsed.ScenarioSignal)
		out.IsAmbiguous = parsed.IsAmbiguous
		out.AmbiguityReason = parsed.AmbiguityReason
		if len(parsed.Entities) > 0 {
			out.Entities = make(map[string]model.Value, len(parsed.Entities))
			for k, v := range parsed.Entities {
				out.Entities[k] = model.ValueOf(v)
			}
		}
		return out, nil
	}
}

func (e *Extractor) extractWithLLM(ctx context.Context, message string, history []llms.Message) (*llmExtraction, error) {
	if e.llm == nil {
		return nil, fmt.Errorf("no extraction model configured")
	}

	msgs := make([]llms.Message, 0, e.cfg.HistoryTurns+2)
	msgs = append(msgs, llms.System(extractionPrompt))
	if n := len(history); n > e.cfg.HistoryTurns {
		history = history[n-e.cfg.HistoryTurns:]
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, llms.User(message))

	temp := 0.0
	result, err := e.llm.Generate(ctx, msgs, llms.Options{Model: e.cfg.Model, Temperature: &temp})
	if err != nil {
		return nil, err
	}

	var parsed llmExtraction
	if err := json.Unmarshal([]byte(stripCodeFence(result.Text)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return nil, fmt.Errorf("extraction confidence %v out of range", parsed.Confidence)
	}
	return &parsed, nil
}

func parseSignal(s string) model.ScenarioSignal {
	switch model.ScenarioSignal(strings.ToUpper(strings.TrimSpace(s))) {
	case model.SignalStart:
		return model.SignalStart
	case model.SignalContinue:
		return model.SignalContinue
	case model.SignalExit:
		return model.SignalExit
	default:
		return model.SignalUnknown
	}
}

// stripCodeFence unwraps ```json ... ``` blocks some models insist on.
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
