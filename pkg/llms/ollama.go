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

// OllamaProvider talks to a local Ollama server's chat API.
type OllamaProvider struct {
	name    string
	cfg     config.LLMConfig
	client  *httpclient.Client
	counter *TokenCounter
}

var _ Provider = (*OllamaProvider)(nil)

// NewOllamaProvider builds an Ollama provider from configuration.
func NewOllamaProvider(name string, cfg config.LLMConfig) *OllamaProvider {
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
	)
	return &OllamaProvider{
		name:    name,
		cfg:     cfg,
		client:  client,
		counter: NewTokenCounter(cfg.Model),
	}
}

// Name returns the registry name of this provider.
func (p *OllamaProvider) Name() string { return p.name }

// CountTokens estimates with the fallback encoding; Ollama models do
// not share a tokenizer.
func (p *OllamaProvider) CountTokens(text string) int { return p.counter.Count(text) }

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaResponse struct {
	Message   ollamaMessage `json:"message"`
	Done      bool          `json:"done"`
	EvalCount int           `json:"eval_count"`
	Error     string        `json:"error,omitempty"`
}

func (p *OllamaProvider) buildRequest(messages []Message, opts Options, stream bool) ollamaRequest {
	req := ollamaRequest{
		Model:  p.cfg.Model,
		Stream: stream,
		Options: ollamaOptions{
			Temperature: p.cfg.Temperature,
			NumPredict:  p.cfg.MaxTokens,
			Stop:        opts.Stop,
		},
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.MaxTokens > 0 {
		req.Options.NumPredict = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Options.Temperature = opts.Temperature
	}
	req.Messages = make([]ollamaMessage, len(messages))
	for i, m := range messages {
		req.Messages[i] = ollamaMessage{Role: string(m.Role), Content: m.Content}
	}
	return req
}

func (p *OllamaProvider) post(ctx context.Context, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.client.Do(req)
}

// Generate runs one non-streaming completion.
func (p *OllamaProvider) Generate(ctx context.Context, messages []Message, opts Options) (*Result, error) {
	resp, err := p.post(ctx, p.buildRequest(messages, opts, false))
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ollama response: %w", err)
	}
	var parsed ollamaResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response (HTTP %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", parsed.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama HTTP %d", resp.StatusCode)
	}

	tokens := parsed.EvalCount
	if tokens == 0 {
		tokens = p.counter.Count(parsed.Message.Content)
	}
	return &Result{Text: parsed.Message.Content, Tokens: tokens}, nil
}

// GenerateStream runs a streaming completion. Ollama streams newline
// delimited JSON rather than SSE.
func (p *OllamaProvider) GenerateStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	resp, err := p.post(ctx, p.buildRequest(messages, opts, true))
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		var parsed ollamaResponse
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
			return nil, fmt.Errorf("ollama error: %s", parsed.Error)
		}
		return nil, fmt.Errorf("ollama HTTP %d", resp.StatusCode)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		tokens := 0
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var chunk ollamaResponse
			if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
				continue
			}
			if chunk.Error != "" {
				ch <- StreamChunk{Err: fmt.Errorf("ollama error: %s", chunk.Error)}
				return
			}
			if chunk.Message.Content != "" {
				select {
				case ch <- StreamChunk{Text: chunk.Message.Content}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				tokens = chunk.EvalCount
				break
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Err: fmt.Errorf("ollama stream read failed: %w", err)}
			return
		}
		ch <- StreamChunk{Done: true, Tokens: tokens}
	}()
	return ch, nil
}
