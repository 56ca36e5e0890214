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

// Package vector provides the vector index abstraction used by retrieval
// and memory, plus the similarity math shared across the engine.
//
// Two providers ship with the engine: chromem (embedded, zero-config) and
// qdrant (external, production scale).
package vector

import (
	"context"
	"fmt"
	"math"
)

// Result is one similarity search hit.
type Result struct {
	ID       string
	Score    float64
	Content  string
	Metadata map[string]any
}

// Provider is a vector index over named collections. Vectors are always
// pre-computed by the embedder; providers never embed.
type Provider interface {
	// Upsert adds or replaces a document.
	Upsert(ctx context.Context, collection, id string, vec []float32, metadata map[string]any) error

	// Search returns the topK most similar documents, best first.
	Search(ctx context.Context, collection string, vec []float32, topK int) ([]Result, error)

	// SearchWithFilter combines similarity with exact-match metadata
	// filtering.
	SearchWithFilter(ctx context.Context, collection string, vec []float32, topK int, filter map[string]any) ([]Result, error)

	// Get fetches a document by id. A missing document returns (nil, nil).
	Get(ctx context.Context, collection, id string) (*Result, error)

	// Delete removes a document by id.
	Delete(ctx context.Context, collection, id string) error

	// DeleteWhere removes every document matching the exact-match filter.
	DeleteWhere(ctx context.Context, collection string, filter map[string]any) error

	// DeleteCollection drops a whole collection.
	DeleteCollection(ctx context.Context, collection string) error

	Close() error
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or zero-length vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Normalize returns a unit-length copy of the vector. Zero vectors are
// returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// MaxSimilarity scores a query against a set of example vectors and returns
// the best cosine score. Used for scenario entry scoring.
func MaxSimilarity(query []float32, examples [][]float32) float64 {
	best := 0.0
	for _, ex := range examples {
		if s := CosineSimilarity(query, ex); s > best {
			best = s
		}
	}
	return best
}

// ProviderType identifies a vector provider implementation.
type ProviderType string

const (
	// ProviderChromem uses chromem-go for embedded vector storage.
	// Zero-config, no external dependencies.
	ProviderChromem ProviderType = "chromem"

	// ProviderQdrant uses the Qdrant vector database over gRPC.
	ProviderQdrant ProviderType = "qdrant"
)

// ProviderConfig selects and configures a vector provider.
type ProviderConfig struct {
	Type    ProviderType   `yaml:"type"`
	Chromem *ChromemConfig `yaml:"chromem,omitempty"`
	Qdrant  *QdrantConfig  `yaml:"qdrant,omitempty"`
}

// SetDefaults applies default values.
func (c *ProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = ProviderChromem
	}
	if c.Type == ProviderChromem && c.Chromem == nil {
		c.Chromem = &ChromemConfig{}
	}
}

// Validate checks the configuration.
func (c *ProviderConfig) Validate() error {
	switch c.Type {
	case ProviderChromem:
		return nil
	case ProviderQdrant:
		if c.Qdrant == nil || c.Qdrant.Host == "" {
			return fmt.Errorf("qdrant host is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown vector provider %q", c.Type)
	}
}

// NewProvider creates the configured provider.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case ProviderChromem:
		return NewChromemProvider(*cfg.Chromem)
	case ProviderQdrant:
		return NewQdrantProvider(*cfg.Qdrant)
	default:
		return nil, fmt.Errorf("unknown vector provider %q", cfg.Type)
	}
}
