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

func openAITestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.LLMConfig{
		Provider: config.LLMProviderOpenAI,
		Model:    "gpt-4o",
		APIKey:   "test-key",
		BaseURL:  srv.URL,
	}
	cfg.SetDefaults()
	return NewOpenAIProvider("default", cfg)
}

func TestOpenAIGenerate(t *testing.T) {
	p := openAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices": [{"message": {"role": "assistant", "content": "hello there"}, "finish_reason": "stop"}],
			"usage": {"completion_tokens": 3}
		}`)
	})

	result, err := p.Generate(context.Background(), []Message{
		System("be brief"),
		User("hi"),
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Text)
	assert.Equal(t, 3, result.Tokens)
}

func TestOpenAIGenerateAPIError(t *testing.T) {
	p := openAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "bad key", "type": "invalid_request_error"}}`)
	})

	_, err := p.Generate(context.Background(), []Message{User("hi")}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestOpenAIGenerateStream(t *testing.T) {
	p := openAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
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

func TestOpenAIOptionsOverrideConfig(t *testing.T) {
	p := openAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.Equal(t, 64, req.MaxTokens)
		require.NotNil(t, req.Temperature)
		assert.Equal(t, 0.0, *req.Temperature)

		fmt.Fprint(w, `{"choices": [{"message": {"content": "ok"}}]}`)
	})

	_, err := p.Generate(context.Background(), []Message{User("hi")}, Options{
		Model:       "gpt-4o-mini",
		MaxTokens:   64,
		Temperature: config.Float64Ptr(0),
	})
	require.NoError(t, err)
}

func TestNewByProvider(t *testing.T) {
	for providerType, want := range map[config.LLMProvider]string{
		config.LLMProviderOpenAI:    "*llms.OpenAIProvider",
		config.LLMProviderAnthropic: "*llms.AnthropicProvider",
		config.LLMProviderOllama:    "*llms.OllamaProvider",
	} {
		cfg := config.LLMConfig{Provider: providerType, APIKey: "k"}
		cfg.SetDefaults()
		p, err := New("default", cfg)
		require.NoError(t, err)
		assert.Equal(t, want, fmt.Sprintf("%T", p))
	}

	_, err := New("default", config.LLMConfig{Provider: "mystery"})
	assert.Error(t, err)
}
