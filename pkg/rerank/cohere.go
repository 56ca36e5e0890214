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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/httpclient"
)

const defaultCohereBaseURL = "https://api.cohere.com"

// CohereProvider talks to the Cohere v2 rerank API.
type CohereProvider struct {
	cfg    config.RerankConfig
	client *httpclient.Client
}

var _ Provider = (*CohereProvider)(nil)

// NewCohereProvider builds a Cohere provider from configuration.
func NewCohereProvider(cfg config.RerankConfig) *CohereProvider {
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		}),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	)
	return &CohereProvider{cfg: cfg, client: client}
}

// Name returns "cohere".
func (p *CohereProvider) Name() string { return "cohere" }

type cohereRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type cohereResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Message string `json:"message,omitempty"`
}

// Rerank re-scores documents against the query.
func (p *CohereProvider) Rerank(ctx context.Context, query string, documents []string, topK int) ([]Ranking, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(cohereRequest{
		Model:     p.cfg.Model,
		Query:     query,
		Documents: documents,
		TopN:      topK,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	base := p.cfg.BaseURL
	if base == "" {
		base = defaultCohereBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(base, "/")+"/v2/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cohere rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}
	var parsed cohereResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Message != "" {
			return nil, fmt.Errorf("cohere rerank error: %s", parsed.Message)
		}
		return nil, fmt.Errorf("cohere rerank HTTP %d", resp.StatusCode)
	}

	out := make([]Ranking, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("cohere returned out-of-range index %d", r.Index)
		}
		out = append(out, Ranking{Index: r.Index, Score: r.RelevanceScore})
	}
	return out, nil
}
