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
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens with the model's BPE encoding, falling
// back to a chars/4 estimate when no encoding is available (offline
// environments, non-OpenAI models).
type TokenCounter struct {
	model string

	once     sync.Once
	encoding *tiktoken.Tiktoken
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

// NewTokenCounter creates a counter for the model. Encoding setup is
// deferred to the first Count call.
func NewTokenCounter(model string) *TokenCounter {
	return &TokenCounter{model: model}
}

func (tc *TokenCounter) init() {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if cached, ok := encodingCache[tc.model]; ok {
		tc.encoding = cached
		return
	}
	encoding, err := tiktoken.EncodingForModel(tc.model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Debug("Token encoding unavailable, using estimate", "model", tc.model, "error", err)
			return
		}
	}
	encodingCache[tc.model] = encoding
	tc.encoding = encoding
}

// Count returns the token count of text.
func (tc *TokenCounter) Count(text string) int {
	tc.once.Do(tc.init)
	if tc.encoding == nil {
		return len(text) / 4
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens across a transcript, including the per
// message framing overhead of chat models.
func (tc *TokenCounter) CountMessages(messages []Message) int {
	total := 3 // reply priming
	for _, m := range messages {
		total += 3
		total += tc.Count(string(m.Role))
		total += tc.Count(m.Content)
	}
	return total
}

// FitWithinBudget returns the suffix of messages that fits the token
// budget, keeping the most recent turns.
func (tc *TokenCounter) FitWithinBudget(messages []Message, budget int) []Message {
	if len(messages) == 0 || budget <= 0 {
		return nil
	}
	used := 3
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := 3 + tc.Count(string(messages[i].Role)) + tc.Count(messages[i].Content)
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	return messages[start:]
}
