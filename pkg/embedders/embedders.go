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

// Package embedders provides the embedding provider abstraction with
// OpenAI and Ollama implementations.
package embedders

import (
	"context"
	"fmt"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/registry"
)

// Provider turns texts into fixed-dimension vectors.
type Provider interface {
	Name() string
	Dimensions() int

	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedOne is the single-text convenience.
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Registry holds named providers.
type Registry struct {
	*registry.Registry[Provider]
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{Registry: registry.New[Provider]()}
}

// New builds a provider from configuration.
func New(name string, cfg config.EmbedderConfig) (Provider, error) {
	switch cfg.Provider {
	case config.EmbedderProviderOpenAI:
		return NewOpenAIEmbedder(name, cfg), nil
	case config.EmbedderProviderOllama:
		return NewOllamaEmbedder(name, cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", cfg.Provider)
	}
}
