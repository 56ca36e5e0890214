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

package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guidepost-ai/guidepost/pkg/embedders"
	"github.com/guidepost-ai/guidepost/pkg/model"
	"github.com/guidepost-ai/guidepost/pkg/vector"
)

// VectorMemoryStore implements MemoryStore on a vector index. Each tenant
// gets its own collection so no query can cross tenants.
type VectorMemoryStore struct {
	provider vector.Provider
	embedder embedders.Provider
}

var _ MemoryStore = (*VectorMemoryStore)(nil)

// NewVectorMemoryStore creates a memory store over the given vector index
// and embedder.
func NewVectorMemoryStore(provider vector.Provider, embedder embedders.Provider) *VectorMemoryStore {
	return &VectorMemoryStore{provider: provider, embedder: embedder}
}

func memoryCollection(tenantID string) string {
	return "memory_" + tenantID
}

// AddEpisode embeds and indexes one episode.
func (s *VectorMemoryStore) AddEpisode(ctx context.Context, ep Episode) error {
	if ep.ID == "" {
		return model.NewError(model.ErrValidation, "episode id is required")
	}
	if ep.Content == "" {
		return model.NewError(model.ErrValidation, "episode content is required")
	}

	vec, err := s.embedder.EmbedOne(ctx, ep.Content)
	if err != nil {
		return fmt.Errorf("failed to embed episode: %w", err)
	}

	metadata := map[string]any{
		"content":    ep.Content,
		"group_id":   ep.GroupID,
		"created_at": ep.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(ep.Metadata) > 0 {
		b, err := json.Marshal(ep.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal episode metadata: %w", err)
		}
		metadata["metadata_json"] = string(b)
	}

	if err := s.provider.Upsert(ctx, memoryCollection(ep.TenantID), ep.ID, vec, metadata); err != nil {
		return fmt.Errorf("failed to index episode: %w", err)
	}
	return nil
}

// GetEpisode fetches one episode by id.
func (s *VectorMemoryStore) GetEpisode(ctx context.Context, tenantID, id string) (*Episode, error) {
	res, err := s.provider.Get(ctx, memoryCollection(tenantID), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get episode: %w", err)
	}
	if res == nil {
		return nil, model.NotFound("episode", id)
	}
	ep, err := resultToEpisode(tenantID, *res)
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

// Search runs a semantic query scoped to a tenant and optional group.
func (s *VectorMemoryStore) Search(ctx context.Context, tenantID, groupID, query string, topK int) ([]EpisodeHit, error) {
	if topK <= 0 {
		return nil, nil
	}
	vec, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var filter map[string]any
	if groupID != "" {
		filter = map[string]any{"group_id": groupID}
	}
	results, err := s.provider.SearchWithFilter(ctx, memoryCollection(tenantID), vec, topK, filter)
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}

	hits := make([]EpisodeHit, 0, len(results))
	for _, r := range results {
		ep, err := resultToEpisode(tenantID, r)
		if err != nil {
			return nil, err
		}
		hits = append(hits, EpisodeHit{Episode: ep, Score: r.Score})
	}
	return hits, nil
}

// DeleteByGroup forgets every episode of a group.
func (s *VectorMemoryStore) DeleteByGroup(ctx context.Context, tenantID, groupID string) error {
	if groupID == "" {
		return model.NewError(model.ErrValidation, "group id is required")
	}
	err := s.provider.DeleteWhere(ctx, memoryCollection(tenantID), map[string]any{"group_id": groupID})
	if err != nil {
		return fmt.Errorf("failed to delete episodes: %w", err)
	}
	return nil
}

// Close releases the underlying vector index.
func (s *VectorMemoryStore) Close() error {
	return s.provider.Close()
}

func resultToEpisode(tenantID string, r vector.Result) (Episode, error) {
	ep := Episode{
		ID:       r.ID,
		TenantID: tenantID,
		Content:  r.Content,
	}
	if g, ok := r.Metadata["group_id"].(string); ok {
		ep.GroupID = g
	}
	if ts, ok := r.Metadata["created_at"].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Episode{}, fmt.Errorf("episode %s: bad created_at: %w", r.ID, err)
		}
		ep.CreatedAt = t
	}
	if raw, ok := r.Metadata["metadata_json"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &ep.Metadata); err != nil {
			return Episode{}, fmt.Errorf("episode %s: bad metadata: %w", r.ID, err)
		}
	}
	return ep, nil
}
