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
	"sort"
	"sync"
	"time"

	"github.com/guidepost-ai/guidepost/pkg/model"
)

// MemorySessionStore keeps sessions in process memory.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session // tenant/session
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an empty session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*model.Session)}
}

// Save persists a clone of the session, rejecting stale writers.
func (s *MemorySessionStore) Save(_ context.Context, session *model.Session, expectedUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(session.TenantID, session.ID)
	if existing, ok := s.sessions[k]; ok && !expectedUpdatedAt.IsZero() {
		if existing.UpdatedAt.After(expectedUpdatedAt) {
			return model.NewError(model.ErrConflict,
				"session %s was updated concurrently", session.ID)
		}
	}
	session.Touch()
	s.sessions[k] = session.Clone()
	return nil
}

// Get fetches a session by id.
func (s *MemorySessionStore) Get(_ context.Context, tenantID, sessionID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key(tenantID, sessionID)]
	if !ok || sess.Deleted() {
		return nil, model.NotFound("session", sessionID)
	}
	return sess.Clone(), nil
}

// GetByChannel finds the live session bound to a channel identity.
func (s *MemorySessionStore) GetByChannel(_ context.Context, tenantID, agentID, channel, userChannelID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.Session
	for _, sess := range s.sessions {
		if sess.TenantID != tenantID || sess.AgentID != agentID || sess.Deleted() {
			continue
		}
		if sess.Channel != channel || sess.UserChannelID != userChannelID {
			continue
		}
		if best == nil || sess.LastActivityAt.After(best.LastActivityAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, model.NotFound("session", channel+"/"+userChannelID)
	}
	return best.Clone(), nil
}

// FindByStepHash returns sessions of a scenario version parked on one of
// the given anchor hashes.
func (s *MemorySessionStore) FindByStepHash(_ context.Context, tenantID, scenarioID string, version int, stepHashes []string) ([]*model.Session, error) {
	hashes := make(map[string]struct{}, len(stepHashes))
	for _, h := range stepHashes {
		hashes[h] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Session
	for _, sess := range s.sessions {
		if sess.TenantID != tenantID || sess.Deleted() {
			continue
		}
		if sess.ActiveScenarioID != scenarioID || sess.ActiveScenarioVersion != version {
			continue
		}
		if _, ok := hashes[sess.ActiveStepHash]; !ok {
			continue
		}
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete soft-deletes a session.
func (s *MemorySessionStore) Delete(_ context.Context, tenantID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key(tenantID, sessionID)]
	if !ok || sess.Deleted() {
		return model.NotFound("session", sessionID)
	}
	sess.MarkDeleted()
	return nil
}

// MemoryAuditStore keeps turn records in process memory.
type MemoryAuditStore struct {
	mu    sync.RWMutex
	turns map[string]*model.TurnRecord   // tenant/turn
	order map[string][]*model.TurnRecord // tenant/session, append order
}

var _ AuditStore = (*MemoryAuditStore)(nil)

// NewMemoryAuditStore creates an empty audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{
		turns: make(map[string]*model.TurnRecord),
		order: make(map[string][]*model.TurnRecord),
	}
}

// SaveTurn appends an immutable turn record.
func (s *MemoryAuditStore) SaveTurn(_ context.Context, turn *model.TurnRecord) error {
	if turn.TurnID == "" {
		return model.NewError(model.ErrValidation, "turn_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(turn.TenantID, turn.TurnID)
	if _, ok := s.turns[k]; ok {
		return model.NewError(model.ErrConflict, "turn %s already recorded", turn.TurnID)
	}
	s.turns[k] = turn
	sk := key(turn.TenantID, turn.SessionID)
	s.order[sk] = append(s.order[sk], turn)
	return nil
}

// GetTurn fetches one turn record.
func (s *MemoryAuditStore) GetTurn(_ context.Context, tenantID, turnID string) (*model.TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[key(tenantID, turnID)]
	if !ok {
		return nil, model.NotFound("turn", turnID)
	}
	return t, nil
}

// ListTurnsBySession pages turns newest-first.
func (s *MemoryAuditStore) ListTurnsBySession(_ context.Context, tenantID, sessionID string, limit, offset int) ([]*model.TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.order[key(tenantID, sessionID)]
	out := make([]*model.TurnRecord, 0, limit)
	for i := len(all) - 1 - offset; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

// ListTurnsByTenant returns every turn of a tenant within the window.
func (s *MemoryAuditStore) ListTurnsByTenant(_ context.Context, tenantID string, window TimeRange) ([]*model.TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.TurnRecord
	for _, t := range s.turns {
		if t.TenantID == tenantID && window.Contains(t.Timestamp) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// MemoryProfileStore keeps customer profiles in process memory.
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]*model.CustomerProfile // tenant/profile
}

var _ ProfileStore = (*MemoryProfileStore)(nil)

// NewMemoryProfileStore creates an empty profile store.
func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{profiles: make(map[string]*model.CustomerProfile)}
}

// Save upserts a profile.
func (s *MemoryProfileStore) Save(_ context.Context, profile *model.CustomerProfile) error {
	if profile.ID == "" {
		return model.NewError(model.ErrValidation, "profile id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[key(profile.TenantID, profile.ID)] = profile
	return nil
}

// Get fetches a profile by id.
func (s *MemoryProfileStore) Get(_ context.Context, tenantID, profileID string) (*model.CustomerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[key(tenantID, profileID)]
	if !ok || p.Deleted() {
		return nil, model.NotFound("profile", profileID)
	}
	return p, nil
}

// GetByChannel finds the profile linked to a channel identity.
func (s *MemoryProfileStore) GetByChannel(_ context.Context, tenantID, agentID, channel, userChannelID string) (*model.CustomerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.lookupByChannel(tenantID, agentID, channel, userChannelID)
	if p == nil {
		return nil, model.NotFound("profile", channel+"/"+userChannelID)
	}
	return p, nil
}

func (s *MemoryProfileStore) lookupByChannel(tenantID, agentID, channel, userChannelID string) *model.CustomerProfile {
	for _, p := range s.profiles {
		if p.TenantID != tenantID || p.AgentID != agentID || p.Deleted() {
			continue
		}
		if p.HasIdentity(channel, userChannelID) {
			return p
		}
	}
	return nil
}

// GetOrCreate resolves the channel identity, creating and linking a fresh
// profile when none exists.
func (s *MemoryProfileStore) GetOrCreate(_ context.Context, tenantID, agentID, channel, userChannelID string) (*model.CustomerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.lookupByChannel(tenantID, agentID, channel, userChannelID); p != nil {
		return p, nil
	}
	p := &model.CustomerProfile{
		Header:  model.NewHeader(tenantID),
		ID:      model.NewID(),
		AgentID: agentID,
		Fields:  make(map[string]model.ProfileField),
	}
	p.LinkIdentity(channel, userChannelID)
	s.profiles[key(tenantID, p.ID)] = p
	return p, nil
}

// Merge folds source into target and soft-deletes source. Fields already
// present on the target win; source identities are all carried over.
func (s *MemoryProfileStore) Merge(_ context.Context, tenantID, targetID, sourceID string) (*model.CustomerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.profiles[key(tenantID, targetID)]
	if !ok || target.Deleted() {
		return nil, model.NotFound("profile", targetID)
	}
	source, ok := s.profiles[key(tenantID, sourceID)]
	if !ok || source.Deleted() {
		return nil, model.NotFound("profile", sourceID)
	}
	for name, f := range source.Fields {
		if _, has := target.Fields[name]; !has {
			if target.Fields == nil {
				target.Fields = make(map[string]model.ProfileField)
			}
			target.Fields[name] = f
		}
	}
	for _, id := range source.Identities {
		target.LinkIdentity(id.Channel, id.UserChannelID)
	}
	source.MarkDeleted()
	target.Touch()
	return target, nil
}

// MemoryMigrationStore keeps migration plans in process memory.
type MemoryMigrationStore struct {
	mu    sync.RWMutex
	plans map[string]*model.MigrationPlan // tenant/plan
}

var _ MigrationStore = (*MemoryMigrationStore)(nil)

// NewMemoryMigrationStore creates an empty migration store.
func NewMemoryMigrationStore() *MemoryMigrationStore {
	return &MemoryMigrationStore{plans: make(map[string]*model.MigrationPlan)}
}

// SavePlan upserts a plan.
func (s *MemoryMigrationStore) SavePlan(_ context.Context, plan *model.MigrationPlan) error {
	if plan.ID == "" {
		return model.NewError(model.ErrValidation, "plan id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[key(plan.TenantID, plan.ID)] = plan
	return nil
}

// GetPlan fetches a plan.
func (s *MemoryMigrationStore) GetPlan(_ context.Context, tenantID, planID string) (*model.MigrationPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[key(tenantID, planID)]
	if !ok || p.Deleted() {
		return nil, model.NotFound("migration plan", planID)
	}
	return p, nil
}

// ListPlans lists live plans of an agent.
func (s *MemoryMigrationStore) ListPlans(_ context.Context, tenantID, agentID string) ([]*model.MigrationPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.MigrationPlan
	for _, p := range s.plans {
		if p.TenantID == tenantID && p.AgentID == agentID && !p.Deleted() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// legalPlanTransitions is the review lifecycle: a plan is reviewed once and
// deployed once.
var legalPlanTransitions = map[model.PlanStatus][]model.PlanStatus{
	model.PlanPending:  {model.PlanApproved, model.PlanRejected},
	model.PlanApproved: {model.PlanDeployed},
}

// UpdatePlanStatus advances a plan through its lifecycle.
func (s *MemoryMigrationStore) UpdatePlanStatus(_ context.Context, tenantID, planID string, status model.PlanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[key(tenantID, planID)]
	if !ok || p.Deleted() {
		return model.NotFound("migration plan", planID)
	}
	for _, next := range legalPlanTransitions[p.Status] {
		if next == status {
			p.Status = status
			p.Touch()
			return nil
		}
	}
	return model.NewError(model.ErrMigrationInvalidTransition,
		"plan %s cannot move from %s to %s", planID, p.Status, status)
}

// NewMemoryStores builds a fully in-memory store set. The memory store is
// left nil; callers wire a vector-backed one when semantic recall is
// enabled.
func NewMemoryStores() *Stores {
	return &Stores{
		Config:    NewMemoryConfigStore(),
		Sessions:  NewMemorySessionStore(),
		Audit:     NewMemoryAuditStore(),
		Profiles:  NewMemoryProfileStore(),
		Migration: NewMemoryMigrationStore(),
	}
}
