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
	"bufio"
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

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// AnthropicProvider talks to the Anthropic messages API.
type AnthropicProvider struct {
	name    string
	cfg     config.LLMConfig
	client  *httpclient.Client
	counter *TokenCounter
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider builds an Anthropic provider from configuration.
func NewAnthropicProvider(name string, cfg config.LLMConfig) *AnthropicProvider {
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
	)
	return &AnthropicProvider{
		name:    name,
		cfg:     cfg,
		client:  client,
		counter: NewTokenCounter(cfg.Model),
	}
}

// Name returns the registry name of this provider.
func (p *AnthropicProvider) Name() string { return p.name }

// CountTokens approximates the Anthropic tokenizer with the OpenAI
// encoding; close enough for prompt budgeting.
func (p *AnthropicProvider) CountTokens(text string) int { return p.counter.Count(text) }

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// buildRequest separates the system prompt, which Anthropic takes as a
// top-level field rather than a message role.
func (p *AnthropicProvider) buildRequest(messages []Message, opts Options, stream bool) anthropicRequest {
	req := anthropicRequest{
		Model:         p.cfg.Model,
		MaxTokens:     p.cfg.MaxTokens,
		Temperature:   p.cfg.Temperature,
		StopSequences: opts.Stop,
		Stream:        stream,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = opts.Temperature
	}
	for _, m := range messages {
		if m.Role == RoleSystem {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	return req
}

func (p *AnthropicProvider) post(ctx context.Context, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	base := p.cfg.BaseURL
	if base == "" {
		base = defaultAnthropicBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(base, "/")+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return p.client.Do(req)
}

// Generate runs one non-streaming completion.
func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message, opts Options) (*Result, error) {
	resp, err := p.post(ctx, p.buildRequest(messages, opts, false))
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read anthropic response: %w", err)
	}
	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode anthropic response (HTTP %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("anthropic error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic HTTP %d", resp.StatusCode)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	tokens := parsed.Usage.OutputTokens
	if tokens == 0 {
		tokens = p.counter.Count(text.String())
	}
	return &Result{Text: text.String(), Tokens: tokens}, nil
}

// GenerateStream runs a streaming completion over Anthropic SSE events.
func (p *AnthropicProvider) GenerateStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	resp, err := p.post(ctx, p.buildRequest(messages, opts, true))
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		var parsed anthropicResponse
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != nil {
			return nil, fmt.Errorf("anthropic error (%s): %s", parsed.Error.Type, parsed.Error.Message)
		}
		return nil, fmt.Errorf("anthropic HTTP %d", resp.StatusCode)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		tokens := 0
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				continue
			}
			switch event.Type {
			case "content_block_delta":
				if event.Delta.Text != "" {
					select {
					case ch <- StreamChunk{Text: event.Delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case "message_delta":
				if event.Usage.OutputTokens > 0 {
					tokens = event.Usage.OutputTokens
				}
			case "error":
				msg := "stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				ch <- StreamChunk{Err: fmt.Errorf("anthropic error: %s", msg)}
				return
			case "message_stop":
				ch <- StreamChunk{Done: true, Tokens: tokens}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Err: fmt.Errorf("anthropic stream read failed: %w", err)}
			return
		}
		ch <- StreamChunk{Done: true, Tokens: tokens}
	}()
	return ch, nil
}
