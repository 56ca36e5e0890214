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

// Package llms provides the LLM provider abstraction and the OpenAI,
// Anthropic and Ollama implementations over their raw HTTP APIs.
package llms

import (
	"context"
	"fmt"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/registry"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant builds an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Options tunes a single generation call. Zero values defer to the
// provider configuration.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature *float64
	Stop        []string
}

// Result is a completed generation.
type Result struct {
	Text string
	// Tokens is the completion token count reported by the provider,
	// or an estimate when the provider does not report usage.
	Tokens int
}

// StreamChunk is one increment of a streamed generation. The final
// chunk carries the total token count; a failed stream delivers Err and
// then closes.
type StreamChunk struct {
	Text   string
	Tokens int
	Done   bool
	Err    error
}

// Provider generates text from chat transcripts.
type Provider interface {
	Name() string
	Generate(ctx context.Context, messages []Message, opts Options) (*Result, error)
	GenerateStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error)
	CountTokens(text string) int
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
func New(name string, cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case config.LLMProviderOpenAI:
		return NewOpenAIProvider(name, cfg), nil
	case config.LLMProviderAnthropic:
		return NewAnthropicProvider(name, cfg), nil
	case config.LLMProviderOllama:
		return NewOllamaProvider(name, cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
