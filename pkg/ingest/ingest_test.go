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

package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/model"
	"github.com/guidepost-ai/guidepost/pkg/stores"
)

// flakyMemory counts AddEpisode calls and fails the first failures of
// each episode.
type flakyMemory struct {
	mu       sync.Mutex
	failures map[string]int
	episodes map[string]stores.Episode
	calls    int
}

func newFlakyMemory() *flakyMemory {
	return &flakyMemory{failures: map[string]int{}, episodes: map[string]stores.Episode{}}
}

func (m *flakyMemory) AddEpisode(_ context.Context, ep stores.Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures[ep.ID] > 0 {
		m.failures[ep.ID]--
		return errors.New("store unavailable")
	}
	m.episodes[ep.ID] = ep
	return nil
}

func (m *flakyMemory) GetEpisode(context.Context, string, string) (*stores.Episode, error) {
	return nil, model.NotFound("episode", "")
}

func (m *flakyMemory) Search(context.Context, string, string, string, int) ([]stores.EpisodeHit, error) {
	return nil, nil
}

func (m *flakyMemory) DeleteByGroup(context.Context, string, string) error { return nil }
func (m *flakyMemory) Close() error                                        { return nil }

func (m *flakyMemory) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.episodes)
}

func turn(turnID, user, agent string) *model.TurnRecord {
	return &model.TurnRecord{
		Header:        model.NewHeader("t1"),
		AgentID:       "a1",
		SessionID:     "sess-1",
		TurnID:        turnID,
		TurnNumber:    1,
		UserMessage:   user,
		AgentResponse: agent,
		Timestamp:     time.Now(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestIngestWritesEpisodes(t *testing.T) {
	mem := newFlakyMemory()
	in := New(config.IngestConfig{Workers: 2, RetryBackoffMS: 1}, mem)
	defer in.Close()

	require.NoError(t, in.Enqueue(turn("turn-1", "where is my order?", "It ships tomorrow.")))
	require.NoError(t, in.Enqueue(turn("turn-2", "thanks", "Anytime!")))

	waitFor(t, func() bool { return mem.count() == 2 })
	for _, ep := range mem.episodes {
		assert.Equal(t, "t1", ep.TenantID)
		assert.Equal(t, "sess-1", ep.GroupID)
		assert.Contains(t, ep.Content, "User: ")
		assert.Contains(t, ep.Content, "Agent: ")
	}
}

func TestIngestDeduplicatesByContent(t *testing.T) {
	mem := newFlakyMemory()
	in := New(config.IngestConfig{Workers: 1, RetryBackoffMS: 1}, mem)

	tr := turn("turn-1", "hello", "hi")
	require.NoError(t, in.Enqueue(tr))
	require.NoError(t, in.Enqueue(tr)) // silently dropped as a duplicate

	in.Close()
	assert.Equal(t, 1, mem.calls)
	assert.Equal(t, 1, mem.count())
}

func TestIngestRetriesThenSucceeds(t *testing.T) {
	mem := newFlakyMemory()
	tr := turn("turn-1", "hello", "hi")
	mem.failures[turnHash(tr)] = 2 // fails twice, third attempt lands

	in := New(config.IngestConfig{Workers: 1, MaxAttempts: 3, RetryBackoffMS: 1}, mem)
	require.NoError(t, in.Enqueue(tr))
	in.Close()

	assert.Equal(t, 3, mem.calls)
	assert.Equal(t, 1, mem.count())
}

func TestIngestDropsAfterMaxAttempts(t *testing.T) {
	mem := newFlakyMemory()
	tr := turn("turn-1", "hello", "hi")
	mem.failures[turnHash(tr)] = 99

	in := New(config.IngestConfig{Workers: 1, MaxAttempts: 2, RetryBackoffMS: 1}, mem)
	require.NoError(t, in.Enqueue(tr))
	in.Close()

	assert.Equal(t, 2, mem.calls)
	assert.Zero(t, mem.count())

	// terminal failure clears the dedupe entry, a later enqueue may retry
	in2 := New(config.IngestConfig{Workers: 1, MaxAttempts: 2, RetryBackoffMS: 1}, mem)
	require.NoError(t, in2.Enqueue(tr))
	in2.Close()
}

func TestIngestBackpressure(t *testing.T) {
	mem := newFlakyMemory()
	in := &Ingestor{
		cfg:    config.IngestConfig{QueueSize: 1, Workers: 0, MaxAttempts: 1, RetryBackoffMS: 1},
		memory: mem,
		queue:  make(chan *model.TurnRecord, 1),
		done:   make(chan struct{}),
		seen:   map[string]struct{}{},
	}

	require.NoError(t, in.Enqueue(turn("turn-1", "a", "b")))
	err := in.Enqueue(turn("turn-2", "c", "d"))
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrRateLimit))
}
