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

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/llms"
	"github.com/guidepost-ai/guidepost/pkg/model"
	"github.com/guidepost-ai/guidepost/pkg/pipeline"
	"github.com/guidepost-ai/guidepost/pkg/stores"
	"github.com/guidepost-ai/guidepost/pkg/tools"
)

type staticLLM struct{ text string }

func (s staticLLM) Name() string { return "static" }

func (s staticLLM) Generate(context.Context, []llms.Message, llms.Options) (*llms.Result, error) {
	return &llms.Result{Text: s.text, Tokens: 5}, nil
}

func (s staticLLM) GenerateStream(context.Context, []llms.Message, llms.Options) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk)
	close(ch)
	return ch, nil
}

func (s staticLLM) CountTokens(text string) int { return len(text) / 4 }

type unitEmbedder struct{}

func (unitEmbedder) Name() string    { return "unit" }
func (unitEmbedder) Dimensions() int { return 4 }

func (unitEmbedder) EmbedOne(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (e unitEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = e.EmbedOne(ctx, texts[i])
	}
	return out, nil
}

func newTestServer(t *testing.T, responseText string) *Server {
	t.Helper()

	st := stores.NewMemoryStores()
	require.NoError(t, st.Config.SaveAgent(context.Background(), &model.Agent{
		Header:         model.NewHeader("t1"),
		ID:             "a1",
		Name:           "Support",
		SystemPreamble: "You help customers of Acme.",
	}))

	cfg := config.PipelineConfig{
		ContextExtraction: config.ContextExtractionConfig{Mode: config.ExtractionModeEmbeddingOnly},
		RuleFilter:        config.RuleFilterConfig{Enabled: config.BoolPtr(false)},
		ScenarioFilter:    config.ScenarioFilterConfig{LLMAdjudicationEnabled: config.BoolPtr(false)},
		Enforcement:       config.EnforcementConfig{Enabled: config.BoolPtr(false)},
	}
	p, err := pipeline.New(cfg, pipeline.Deps{
		Stores:   st,
		LLM:      staticLLM{text: responseText},
		Embedder: unitEmbedder{},
		Tools:    tools.NewRegistry(),
	})
	require.NoError(t, err)

	serverCfg := config.ServerConfig{MetricsEnabled: config.BoolPtr(false)}
	serverCfg.SetDefaults()
	return New(serverCfg, p)
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTurnEndpoint(t *testing.T) {
	srv := newTestServer(t, "Happy to help!")

	rec := postJSON(t, srv.Handler(), "/v1/turns",
		`{"tenant_id":"t1","agent_id":"a1","channel":"web","user_channel_id":"u-1","message":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result pipeline.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "Happy to help!", result.Response)
	assert.NotEmpty(t, result.SessionID)
	assert.NotEmpty(t, result.TurnID)
}

func TestTurnEndpointErrors(t *testing.T) {
	srv := newTestServer(t, "hi")

	t.Run("malformed body", func(t *testing.T) {
		rec := postJSON(t, srv.Handler(), "/v1/turns", `{not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing channel identity", func(t *testing.T) {
		rec := postJSON(t, srv.Handler(), "/v1/turns",
			`{"tenant_id":"t1","agent_id":"a1","message":"hello"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var body errorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, string(model.ErrInvalidRequest), body.Error.Kind)
	})

	t.Run("unknown agent", func(t *testing.T) {
		rec := postJSON(t, srv.Handler(), "/v1/turns",
			`{"tenant_id":"t1","agent_id":"missing","channel":"web","user_channel_id":"u-1","message":"hello"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestTurnEndpointIdempotencyConflict(t *testing.T) {
	srv := newTestServer(t, "hi")

	req := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(
		`{"tenant_id":"t1","agent_id":"a1","channel":"web","user_channel_id":"u-1","message":"first"}`))
	req.Header.Set("Idempotency-Key", "k1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(
		`{"tenant_id":"t1","agent_id":"a1","channel":"web","user_channel_id":"u-1","message":"different"}`))
	req.Header.Set("Idempotency-Key", "k1")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTurnStream(t *testing.T) {
	srv := newTestServer(t, "Streamed reply.")

	rec := postJSON(t, srv.Handler(), "/v1/turns/stream",
		`{"tenant_id":"t1","agent_id":"a1","channel":"web","user_channel_id":"u-1","message":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: delta")
	assert.Contains(t, body, "Streamed reply.")
	assert.Contains(t, body, "event: result")
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, "hi")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, chunkText("", 4))
	assert.Equal(t, []string{"abcd", "ef"}, chunkText("abcdef", 4))
	// Multi-byte runes never split mid-sequence.
	chunks := chunkText(strings.Repeat("é", 10), 3)
	for _, c := range chunks {
		assert.True(t, strings.HasPrefix("éééééééééé", c) || strings.Contains("éééééééééé", c))
		assert.Equal(t, c, string([]rune(c)))
	}
	assert.Equal(t, strings.Repeat("é", 10), strings.Join(chunks, ""))
}
