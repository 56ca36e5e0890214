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

package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepost-ai/guidepost/pkg/config"
)

func anthropicTestProvider(t *testing.T, handler http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.LLMConfig{
		Provider: config.LLMProviderAnthropic,
		Model:    "claude-sonnet-4-20250514",
		APIKey:   "test-key",
		BaseURL:  srv.URL,
	}
	cfg.SetDefaults()
	return NewAnthropicProvider("default", cfg)
}

func TestAnthropicGenerate(t *testing.T) {
	p := anthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// system prompt is hoisted out of the message list
		assert.Equal(t, "be brief", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		fmt.Fprint(w, `{
			"content": [{"type": "text", "text": "hello"}],
			"usage": {"output_tokens": 2}
		}`)
	})

	result, err := p.Generate(context.Background(), []Message{
		System("be brief"),
		User("hi"),
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text)
	assert.Equal(t, 2, result.Tokens)
}

func TestAnthropicGenerateAPIError(t *testing.T) {
	p := anthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"type": "error", "error": {"type": "invalid_request_error", "message": "too long"}}`)
	})

	_, err := p.Generate(context.Background(), []Message{User("hi")}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too long")
}

func TestAnthropicGenerateStream(t *testing.T) {
	p := anthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"hel\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	})

	ch, err := p.GenerateStream(context.Background(), []Message{User("hi")}, Options{})
	require.NoError(t, err)

	var text string
	var tokens int
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		text += chunk.Text
		if chunk.Done {
			tokens = chunk.Tokens
		}
	}
	assert.Equal(t, "hello", text)
	assert.Equal(t, 2, tokens)
}

func TestTokenCounterFallback(t *testing.T) {
	// A counter with no encoding estimates at four characters per token.
	tc := &TokenCounter{model: "unknown"}
	tc.once.Do(func() {}) // skip encoding init

	assert.Equal(t, 3, tc.Count("hello, world!"))
	assert.Equal(t, 0, tc.Count("abc"))
}

func TestFitWithinBudget(t *testing.T) {
	tc := &TokenCounter{model: "unknown"}
	tc.once.Do(func() {})

	messages := []Message{
		User("first message with some words"),
		Assistant("a reply"),
		User("the most recent message"),
	}

	t.Run("large budget keeps everything", func(t *testing.T) {
		assert.Len(t, tc.FitWithinBudget(messages, 10000), 3)
	})

	t.Run("tiny budget keeps nothing", func(t *testing.T) {
		assert.Empty(t, tc.FitWithinBudget(messages, 1))
	})

	t.Run("partial budget keeps the most recent suffix", func(t *testing.T) {
		got := tc.FitWithinBudget(messages, 20)
		require.NotEmpty(t, got)
		assert.Equal(t, "the most recent message", got[len(got)-1].Content)
	})
}
