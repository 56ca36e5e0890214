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

// Package rerank provides the rerank provider abstraction used to
// re-score retrieval candidates with a cross-encoder.
package rerank

import (
	"context"
	"fmt"

	"github.com/guidepost-ai/guidepost/pkg/config"
)

// Ranking is one reranked document: its original index and new score.
type Ranking struct {
	Index int
	Score float64
}

// Provider re-scores documents against a query. Results come back
// sorted by descending score.
type Provider interface {
	Name() string
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]Ranking, error)
}

// New builds a provider from configuration.
func New(cfg config.RerankConfig) (Provider, error) {
	switch cfg.Provider {
	case "cohere":
		return NewCohereProvider(cfg), nil
	case "noop":
		return NoopProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown rerank provider %q", cfg.Provider)
	}
}

// NoopProvider keeps the original order with rank-position scores. It
// stands in when no rerank API is configured.
type NoopProvider struct{}

var _ Provider = NoopProvider{}

// Name returns "noop".
func (NoopProvider) Name() string { return "noop" }

// Rerank returns the first topK documents in their original order.
func (NoopProvider) Rerank(_ context.Context, _ string, documents []string, topK int) ([]Ranking, error) {
	n := len(documents)
	if topK > 0 && topK < n {
		n = topK
	}
	out := make([]Ranking, n)
	for i := range out {
		out[i] = Ranking{Index: i, Score: 1 - float64(i)/float64(len(documents))}
	}
	return out, nil
}
