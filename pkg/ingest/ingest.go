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

// Package ingest turns completed turns into long-term memory episodes
// off the hot path: a bounded queue, a small worker pool, bounded
// redelivery and content-hash deduplication. Delivery is at-least-once;
// episode ids are content-derived so redelivered items overwrite
// themselves instead of duplicating.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/model"
	"github.com/guidepost-ai/guidepost/pkg/stores"
)

// Ingestor consumes turn records and writes memory episodes.
type Ingestor struct {
	cfg    config.IngestConfig
	memory stores.MemoryStore

	queue chan *model.TurnRecord
	done  chan struct{}
	wg    sync.WaitGroup

	mu   sync.Mutex
	seen map[string]struct{}
}

// New creates an ingestor and starts its workers.
func New(cfg config.IngestConfig, memory stores.MemoryStore) *Ingestor {
	cfg.SetDefaults()
	in := &Ingestor{
		cfg:    cfg,
		memory: memory,
		queue:  make(chan *model.TurnRecord, cfg.QueueSize),
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}),
	}
	for w := 0; w < cfg.Workers; w++ {
		in.wg.Add(1)
		go in.worker()
	}
	return in
}

// Enqueue submits a turn for ingestion. It never blocks the caller: a
// full backlog or an already-ingested turn is reported without queueing.
func (in *Ingestor) Enqueue(turn *model.TurnRecord) error {
	hash := turnHash(turn)

	in.mu.Lock()
	if _, dup := in.seen[hash]; dup {
		in.mu.Unlock()
		return nil
	}
	in.seen[hash] = struct{}{}
	in.mu.Unlock()

	select {
	case in.queue <- turn:
		return nil
	default:
		in.forget(hash)
		return model.NewError(model.ErrRateLimit, "ingest backlog full")
	}
}

// Close drains the queue and stops the workers.
func (in *Ingestor) Close() {
	close(in.queue)
	in.wg.Wait()
	close(in.done)
}

func (in *Ingestor) worker() {
	defer in.wg.Done()
	for turn := range in.queue {
		in.process(turn)
	}
}

func (in *Ingestor) process(turn *model.TurnRecord) {
	backoff := time.Duration(in.cfg.RetryBackoffMS) * time.Millisecond
	var err error
	for attempt := 1; attempt <= in.cfg.MaxAttempts; attempt++ {
		if err = in.ingestOnce(turn); err == nil {
			return
		}
		slog.Warn("episode ingest failed",
			"tenant", turn.TenantID, "turn", turn.TurnID, "attempt", attempt, "error", err)
		if attempt < in.cfg.MaxAttempts {
			select {
			case <-time.After(backoff * time.Duration(attempt)):
			case <-in.done:
				return
			}
		}
	}
	// Terminal failure: allow a future enqueue of the same turn.
	in.forget(turnHash(turn))
	slog.Error("episode dropped after redelivery budget",
		"tenant", turn.TenantID, "turn", turn.TurnID, "error", err)
}

func (in *Ingestor) ingestOnce(turn *model.TurnRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return in.memory.AddEpisode(ctx, stores.Episode{
		ID:       turnHash(turn),
		TenantID: turn.TenantID,
		GroupID:  turn.SessionID,
		Content:  fmt.Sprintf("User: %s\nAgent: %s", turn.UserMessage, turn.AgentResponse),
		Metadata: map[string]model.Value{
			"turn_id":     model.StringValue(turn.TurnID),
			"turn_number": model.NumberValue(float64(turn.TurnNumber)),
		},
		CreatedAt: turn.Timestamp,
	})
}

func (in *Ingestor) forget(hash string) {
	in.mu.Lock()
	delete(in.seen, hash)
	in.mu.Unlock()
}

// turnHash derives the episode id from the turn content, so the same
// turn always maps to the same episode.
func turnHash(turn *model.TurnRecord) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s",
		turn.TenantID, turn.SessionID, turn.TurnID, turn.UserMessage, turn.AgentResponse)
	return hex.EncodeToString(h.Sum(nil)[:8])
}
