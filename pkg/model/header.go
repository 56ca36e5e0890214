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

// Package model defines the shared entities of the alignment engine.
//
// Every persisted entity is tenant-scoped through Header; entities owned by
// a single agent embed AgentHeader. Soft deletion is recorded via DeletedAt,
// never by removing rows.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Header carries the tenant scope and lifecycle timestamps shared by every
// persisted entity.
type Header struct {
	TenantID  string     `json:"tenant_id" yaml:"tenant_id"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
}

// NewHeader returns a header for a freshly created entity.
func NewHeader(tenantID string) Header {
	now := Now()
	return Header{TenantID: tenantID, CreatedAt: now, UpdatedAt: now}
}

// Deleted reports whether the entity is soft-deleted.
func (h Header) Deleted() bool { return h.DeletedAt != nil }

// Touch bumps UpdatedAt. Stores use the value for optimistic concurrency.
func (h *Header) Touch() { h.UpdatedAt = Now() }

// MarkDeleted soft-deletes the entity.
func (h *Header) MarkDeleted() {
	now := Now()
	h.DeletedAt = &now
	h.UpdatedAt = now
}

// AgentHeader extends Header with the owning agent.
type AgentHeader struct {
	Header  `yaml:",inline"`
	AgentID string `json:"agent_id" yaml:"agent_id"`
}

// NewAgentHeader returns an agent-scoped header for a freshly created entity.
func NewAgentHeader(tenantID, agentID string) AgentHeader {
	return AgentHeader{Header: NewHeader(tenantID), AgentID: agentID}
}

// NewID returns a new unique identifier.
func NewID() string { return uuid.NewString() }

// Now returns the current UTC time truncated to microseconds, which is the
// resolution every backing store can round-trip.
func Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
