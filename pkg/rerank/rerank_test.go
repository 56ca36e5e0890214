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

package rerank

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

func TestNoopProvider(t *testing.T) {
	p := NoopProvider{}

	rankings, err := p.Rerank(context.Background(), "q", []string{"a", "b", "c", "d"}, 2)
	require.NoError(t, err)
	require.Len(t, rankings, 2)
	assert.Equal(t, 0, rankings[0].Index)
	assert.Equal(t, 1, rankings[1].Index)
	assert.Greater(t, rankings[0].Score, rankings[1].Score)
}

func TestCohereRerank(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/rerank", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req cohereRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "refund my order", req.Query)
		assert.Len(t, req.Documents, 3)
		assert.Equal(t, 2, req.TopN)

		fmt.Fprint(w, `{"results": [
			{"index": 2, "relevance_score": 0.98},
			{"index": 0, "relevance_score": 0.41}
		]}`)
	}))
	defer srv.Close()

	p := NewCohereProvider(config.RerankConfig{
		Provider: "cohere", Model: "rerank-v3.5", APIKey: "test-key", BaseURL: srv.URL,
	})

	rankings, err := p.Rerank(context.Background(), "refund my order",
		[]string{"shipping times", "catalog", "refund policy"}, 2)
	require.NoError(t, err)
	require.Len(t, rankings, 2)
	assert.Equal(t, Ranking{Index: 2, Score: 0.98}, rankings[0])
	assert.Equal(t, Ranking{Index: 0, Score: 0.41}, rankings[1])
}

func TestCohereRerankError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"message": "invalid model"}`)
	}))
	defer srv.Close()

	p := NewCohereProvider(config.RerankConfig{Provider: "cohere", APIKey: "k", BaseURL: srv.URL})
	_, err := p.Rerank(context.Background(), "q", []string{"a"}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid model")
}

func TestNewByProvider(t *testing.T) {
	p, err := New(config.RerankConfig{Provider: "noop"})
	require.NoError(t, err)
	assert.Equal(t, "noop", p.Name())

	p, err = New(config.RerankConfig{Provider: "cohere", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "cohere", p.Name())

	_, err = New(config.RerankConfig{Provider: "mystery"})
	assert.Error(t, err)
}
