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
	"fmt"
	"sort"
	"sync"

	"github.com/guidepost-ai/guidepost/pkg/model"
)

// MemoryConfigStore is the in-process ConfigStore used for tests and
// single-node deployments.
type MemoryConfigStore struct {
	mu sync.RWMutex

	agents      map[string]*model.Agent          // tenant/agent
	rules       map[string]*model.Rule           // tenant/agent/rule
	scenarios   map[string]*model.Scenario       // tenant/agent/scenario@version
	activeVer   map[string]int                   // tenant/agent/scenario -> version
	templates   map[string]*model.Template       // tenant/agent/template
	variables   map[string]*model.Variable       // tenant/agent/variable-name
	activations map[string]*model.ToolActivation // tenant/agent/tool
}

var _ ConfigStore = (*MemoryConfigStore)(nil)

// NewMemoryConfigStore creates an empty config store.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{
		agents:      make(map[string]*model.Agent),
		rules:       make(map[string]*model.Rule),
		scenarios:   make(map[string]*model.Scenario),
		activeVer:   make(map[string]int),
		templates:   make(map[string]*model.Template),
		variables:   make(map[string]*model.Variable),
		activations: make(map[string]*model.ToolActivation),
	}
}

func key(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\x00" + p
	}
	return out
}

func versionKey(tenantID, agentID, scenarioID string, version int) string {
	return fmt.Sprintf("%s\x00%d", key(tenantID, agentID, scenarioID), version)
}

// SaveAgent upserts an agent.
func (s *MemoryConfigStore) SaveAgent(_ context.Context, agent *model.Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[key(agent.TenantID, agent.ID)] = agent
	return nil
}

// GetAgent fetches an agent.
func (s *MemoryConfigStore) GetAgent(_ context.Context, tenantID, agentID string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[key(tenantID, agentID)]
	if !ok || a.Deleted() {
		return nil, model.NotFound("agent", agentID)
	}
	return a, nil
}

// ListAgents lists live agents of a tenant.
func (s *MemoryConfigStore) ListAgents(_ context.Context, tenantID string) ([]*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Agent
	for _, a := range s.agents {
		if a.TenantID == tenantID && !a.Deleted() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteAgent soft-deletes an agent.
func (s *MemoryConfigStore) DeleteAgent(_ context.Context, tenantID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[key(tenantID, agentID)]
	if !ok || a.Deleted() {
		return model.NotFound("agent", agentID)
	}
	a.MarkDeleted()
	return nil
}

// SaveRule upserts a rule.
func (s *MemoryConfigStore) SaveRule(_ context.Context, rule *model.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[key(rule.TenantID, rule.AgentID, rule.ID)] = rule
	return nil
}

// GetRule fetches a rule.
func (s *MemoryConfigStore) GetRule(_ context.Context, tenantID, agentID, ruleID string) (*model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[key(tenantID, agentID, ruleID)]
	if !ok || r.Deleted() {
		return nil, model.NotFound("rule", ruleID)
	}
	return r, nil
}

// ListRules lists live rules of an agent.
func (s *MemoryConfigStore) ListRules(_ context.Context, tenantID, agentID string) ([]*model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Rule
	for _, r := range s.rules {
		if r.TenantID == tenantID && r.AgentID == agentID && !r.Deleted() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteRule soft-deletes a rule.
func (s *MemoryConfigStore) DeleteRule(_ context.Context, tenantID, agentID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[key(tenantID, agentID, ruleID)]
	if !ok || r.Deleted() {
		return model.NotFound("rule", ruleID)
	}
	r.MarkDeleted()
	return nil
}

// SaveScenario stores one immutable scenario version. The first saved
// version of a scenario becomes active automatically.
func (s *MemoryConfigStore) SaveScenario(_ context.Context, sc *model.Scenario) error {
	if sc.ID == "" {
		return model.NewError(model.ErrValidation, "scenario id is required")
	}
	if sc.Version < 1 {
		return model.NewError(model.ErrValidation, "scenario %s: version must be positive", sc.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	vk := versionKey(sc.TenantID, sc.AgentID, sc.ID, sc.Version)
	if _, exists := s.scenarios[vk]; exists {
		return model.NewError(model.ErrConflict, "scenario %s version %d already exists", sc.ID, sc.Version)
	}
	s.scenarios[vk] = sc
	ak := key(sc.TenantID, sc.AgentID, sc.ID)
	if _, ok := s.activeVer[ak]; !ok {
		s.activeVer[ak] = sc.Version
	}
	return nil
}

// GetScenario fetches a specific version.
func (s *MemoryConfigStore) GetScenario(_ context.Context, tenantID, agentID, scenarioID string, version int) (*model.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[versionKey(tenantID, agentID, scenarioID, version)]
	if !ok || sc.Deleted() {
		return nil, model.NotFound("scenario", scenarioID)
	}
	return sc, nil
}

// GetActiveScenario fetches the published version.
func (s *MemoryConfigStore) GetActiveScenario(_ context.Context, tenantID, agentID, scenarioID string) (*model.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	version, ok := s.activeVer[key(tenantID, agentID, scenarioID)]
	if !ok {
		return nil, model.NotFound("scenario", scenarioID)
	}
	sc, ok := s.scenarios[versionKey(tenantID, agentID, scenarioID, version)]
	if !ok || sc.Deleted() {
		return nil, model.NotFound("scenario", scenarioID)
	}
	return sc, nil
}

// ListActiveScenarios lists the published version of every live scenario.
func (s *MemoryConfigStore) ListActiveScenarios(_ context.Context, tenantID, agentID string) ([]*model.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Scenario
	for ak, version := range s.activeVer {
		sc, ok := s.scenarios[fmt.Sprintf("%s\x00%d", ak, version)]
		if !ok || sc.Deleted() || sc.TenantID != tenantID || sc.AgentID != agentID {
			continue
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetActiveScenarioVersion publishes a version.
func (s *MemoryConfigStore) SetActiveScenarioVersion(_ context.Context, tenantID, agentID, scenarioID string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scenarios[versionKey(tenantID, agentID, scenarioID, version)]
	if !ok || sc.Deleted() {
		return model.NotFound("scenario version", fmt.Sprintf("%s@%d", scenarioID, version))
	}
	s.activeVer[key(tenantID, agentID, scenarioID)] = version
	return nil
}

// DeleteScenario soft-deletes every version of a scenario.
func (s *MemoryConfigStore) DeleteScenario(_ context.Context, tenantID, agentID, scenarioID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, sc := range s.scenarios {
		if sc.TenantID == tenantID && sc.AgentID == agentID && sc.ID == scenarioID && !sc.Deleted() {
			sc.MarkDeleted()
			found = true
		}
	}
	if !found {
		return model.NotFound("scenario", scenarioID)
	}
	delete(s.activeVer, key(tenantID, agentID, scenarioID))
	return nil
}

// SaveTemplate upserts a template.
func (s *MemoryConfigStore) SaveTemplate(_ context.Context, tpl *model.Template) error {
	if err := tpl.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[key(tpl.TenantID, tpl.AgentID, tpl.ID)] = tpl
	return nil
}

// GetTemplate fetches a template.
func (s *MemoryConfigStore) GetTemplate(_ context.Context, tenantID, agentID, templateID string) (*model.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[key(tenantID, agentID, templateID)]
	if !ok || tpl.Deleted() {
		return nil, model.NotFound("template", templateID)
	}
	return tpl, nil
}

// SaveVariable upserts a variable by name.
func (s *MemoryConfigStore) SaveVariable(_ context.Context, v *model.Variable) error {
	if v.Name == "" {
		return model.NewError(model.ErrValidation, "variable name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variables[key(v.TenantID, v.AgentID, v.Name)] = v
	return nil
}

// GetVariableByName fetches a variable.
func (s *MemoryConfigStore) GetVariableByName(_ context.Context, tenantID, agentID, name string) (*model.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variables[key(tenantID, agentID, name)]
	if !ok || v.Deleted() {
		return nil, model.NotFound("variable", name)
	}
	return v, nil
}

// ListVariables lists live variables of an agent.
func (s *MemoryConfigStore) ListVariables(_ context.Context, tenantID, agentID string) ([]*model.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Variable
	for _, v := range s.variables {
		if v.TenantID == tenantID && v.AgentID == agentID && !v.Deleted() {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SaveToolActivation upserts a tool activation.
func (s *MemoryConfigStore) SaveToolActivation(_ context.Context, ta *model.ToolActivation) error {
	if ta.ToolID == "" {
		return model.NewError(model.ErrValidation, "tool activation tool_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activations[key(ta.TenantID, ta.AgentID, ta.ToolID)] = ta
	return nil
}

// ListToolActivations lists live activations of an agent.
func (s *MemoryConfigStore) ListToolActivations(_ context.Context, tenantID, agentID string) ([]*model.ToolActivation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.ToolActivation
	for _, ta := range s.activations {
		if ta.TenantID == tenantID && ta.AgentID == agentID && !ta.Deleted() {
			out = append(out, ta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out, nil
}
