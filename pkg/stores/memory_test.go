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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepost-ai/guidepost/pkg/model"
)

func testScenario(tenantID, agentID, id string, version int) *model.Scenario {
	return &model.Scenario{
		AgentHeader: model.NewAgentHeader(tenantID, agentID),
		ID:          id,
		Version:     version,
		Name:        id,
		EntryStepID: "start",
		Steps: []*model.ScenarioStep{
			{ID: "start", Type: model.StepTypeInteraction},
		},
	}
}

func TestConfigStoreScenarioVersions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConfigStore()

	require.NoError(t, s.SaveScenario(ctx, testScenario("t1", "a1", "refund", 1)))
	require.NoError(t, s.SaveScenario(ctx, testScenario("t1", "a1", "refund", 2)))

	t.Run("versions are immutable", func(t *testing.T) {
		err := s.SaveScenario(ctx, testScenario("t1", "a1", "refund", 1))
		require.Error(t, err)
		assert.True(t, model.IsKind(err, model.ErrConflict))
	})

	t.Run("first version is active until published", func(t *testing.T) {
		sc, err := s.GetActiveScenario(ctx, "t1", "a1", "refund")
		require.NoError(t, err)
		assert.Equal(t, 1, sc.Version)

		require.NoError(t, s.SetActiveScenarioVersion(ctx, "t1", "a1", "refund", 2))
		sc, err = s.GetActiveScenario(ctx, "t1", "a1", "refund")
		require.NoError(t, err)
		assert.Equal(t, 2, sc.Version)
	})

	t.Run("publishing a missing version fails", func(t *testing.T) {
		err := s.SetActiveScenarioVersion(ctx, "t1", "a1", "refund", 9)
		assert.True(t, model.IsKind(err, model.ErrNotFound))
	})

	t.Run("old versions stay readable", func(t *testing.T) {
		sc, err := s.GetScenario(ctx, "t1", "a1", "refund", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, sc.Version)
	})

	t.Run("tenant isolation", func(t *testing.T) {
		_, err := s.GetActiveScenario(ctx, "t2", "a1", "refund")
		assert.True(t, model.IsKind(err, model.ErrNotFound))
	})

	t.Run("delete hides every version", func(t *testing.T) {
		require.NoError(t, s.DeleteScenario(ctx, "t1", "a1", "refund"))
		_, err := s.GetActiveScenario(ctx, "t1", "a1", "refund")
		assert.True(t, model.IsKind(err, model.ErrNotFound))
		_, err = s.GetScenario(ctx, "t1", "a1", "refund", 1)
		assert.True(t, model.IsKind(err, model.ErrNotFound))
	})
}

func TestConfigStoreSoftDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConfigStore()

	rule := &model.Rule{
		AgentHeader:      model.NewAgentHeader("t1", "a1"),
		ID:               "no-refunds-over-500",
		ConditionText:    "customer asks for a refund over 500",
		ActionText:       "escalate to a human agent",
		Scope:            model.RuleScopeGlobal,
		IsHardConstraint: true,
		Enabled:          true,
	}
	require.NoError(t, s.SaveRule(ctx, rule))

	rules, err := s.ListRules(ctx, "t1", "a1")
	require.NoError(t, err)
	require.Len(t, rules, 1)

	require.NoError(t, s.DeleteRule(ctx, "t1", "a1", rule.ID))

	rules, err = s.ListRules(ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Empty(t, rules)

	_, err = s.GetRule(ctx, "t1", "a1", rule.ID)
	assert.True(t, model.IsKind(err, model.ErrNotFound))

	err = s.DeleteRule(ctx, "t1", "a1", rule.ID)
	assert.True(t, model.IsKind(err, model.ErrNotFound))
}

func TestSessionStoreOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()

	sess := model.NewSession("t1", "a1", "p1", "web", "u-1")
	require.NoError(t, s.Save(ctx, sess, time.Time{}))

	loaded, err := s.Get(ctx, "t1", sess.ID)
	require.NoError(t, err)
	token := loaded.UpdatedAt

	loaded.TurnCount = 1
	require.NoError(t, s.Save(ctx, loaded, token))

	// A second writer holding the stale token must be rejected.
	stale := loaded.Clone()
	stale.TurnCount = 99
	err = s.Save(ctx, stale, token)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrConflict))

	final, err := s.Get(ctx, "t1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, final.TurnCount)
}

func TestSessionStoreClonesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()

	sess := model.NewSession("t1", "a1", "p1", "web", "u-1")
	sess.SetVariable("order_id", model.StringValue("A-100"))
	require.NoError(t, s.Save(ctx, sess, time.Time{}))

	// Mutating the caller's copy must not leak into the store.
	sess.SetVariable("order_id", model.StringValue("HACKED"))

	loaded, err := s.Get(ctx, "t1", sess.ID)
	require.NoError(t, err)
	v, ok := loaded.Variables["order_id"]
	require.True(t, ok)
	assert.Equal(t, "A-100", v.AsString())
}

func TestSessionStoreGetByChannel(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()

	old := model.NewSession("t1", "a1", "p1", "whatsapp", "+15550001")
	old.LastActivityAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.Save(ctx, old, time.Time{}))

	recent := model.NewSession("t1", "a1", "p1", "whatsapp", "+15550001")
	require.NoError(t, s.Save(ctx, recent, time.Time{}))

	got, err := s.GetByChannel(ctx, "t1", "a1", "whatsapp", "+15550001")
	require.NoError(t, err)
	assert.Equal(t, recent.ID, got.ID)

	_, err = s.GetByChannel(ctx, "t1", "a1", "web", "+15550001")
	assert.True(t, model.IsKind(err, model.ErrNotFound))
}

func TestSessionStoreFindByStepHash(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()

	parked := model.NewSession("t1", "a1", "p1", "web", "u-1")
	parked.EnterScenario("refund", "collect-order", 3)
	parked.ActiveStepHash = "abc123"
	require.NoError(t, s.Save(ctx, parked, time.Time{}))

	elsewhere := model.NewSession("t1", "a1", "p2", "web", "u-2")
	elsewhere.EnterScenario("refund", "confirm", 3)
	elsewhere.ActiveStepHash = "fff000"
	require.NoError(t, s.Save(ctx, elsewhere, time.Time{}))

	otherVersion := model.NewSession("t1", "a1", "p3", "web", "u-3")
	otherVersion.EnterScenario("refund", "collect-order", 2)
	otherVersion.ActiveStepHash = "abc123"
	require.NoError(t, s.Save(ctx, otherVersion, time.Time{}))

	found, err := s.FindByStepHash(ctx, "t1", "refund", 3, []string{"abc123"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, parked.ID, found[0].ID)
}

func TestAuditStoreAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAuditStore()

	turn := &model.TurnRecord{
		Header:    model.NewHeader("t1"),
		AgentID:   "a1",
		SessionID: "s1",
		TurnID:    "turn-1",
		Timestamp: time.Now(),
	}
	require.NoError(t, s.SaveTurn(ctx, turn))

	err := s.SaveTurn(ctx, turn)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrConflict))
}

func TestAuditStorePaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAuditStore()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.SaveTurn(ctx, &model.TurnRecord{
			Header:     model.NewHeader("t1"),
			SessionID:  "s1",
			TurnID:     model.NewID(),
			TurnNumber: i,
			Timestamp:  time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	page, err := s.ListTurnsBySession(ctx, "t1", "s1", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 5, page[0].TurnNumber)
	assert.Equal(t, 4, page[1].TurnNumber)

	page, err = s.ListTurnsBySession(ctx, "t1", "s1", 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 1, page[0].TurnNumber)
}

func TestAuditStoreTenantWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAuditStore()

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveTurn(ctx, &model.TurnRecord{
			Header:    model.NewHeader("t1"),
			SessionID: "s1",
			TurnID:    model.NewID(),
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	got, err := s.ListTurnsByTenant(ctx, "t1", TimeRange{
		From: base.Add(30 * time.Minute),
		To:   base.Add(90 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, base.Add(time.Hour), got[0].Timestamp)
}

func TestProfileStoreGetOrCreate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProfileStore()

	p1, err := s.GetOrCreate(ctx, "t1", "a1", "web", "u-1")
	require.NoError(t, err)
	require.NotEmpty(t, p1.ID)

	p2, err := s.GetOrCreate(ctx, "t1", "a1", "web", "u-1")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)

	p3, err := s.GetOrCreate(ctx, "t2", "a1", "web", "u-1")
	require.NoError(t, err)
	assert.NotEqual(t, p1.ID, p3.ID)
}

func TestProfileStoreMerge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProfileStore()

	target, err := s.GetOrCreate(ctx, "t1", "a1", "web", "u-1")
	require.NoError(t, err)
	target.SetField("email", model.StringValue("a@example.com"), 1.0, model.FieldSourceVerified)

	source, err := s.GetOrCreate(ctx, "t1", "a1", "whatsapp", "+15550001")
	require.NoError(t, err)
	source.SetField("email", model.StringValue("old@example.com"), 0.5, model.FieldSourceInference)
	source.SetField("name", model.StringValue("Ada"), 0.9, model.FieldSourceInference)

	merged, err := s.Merge(ctx, "t1", target.ID, source.ID)
	require.NoError(t, err)

	// Target fields win; missing fields and all identities fold in.
	email, _ := merged.Field("email")
	assert.Equal(t, "a@example.com", email.AsString())
	name, _ := merged.Field("name")
	assert.Equal(t, "Ada", name.AsString())
	assert.True(t, merged.HasIdentity("web", "u-1"))
	assert.True(t, merged.HasIdentity("whatsapp", "+15550001"))

	// The source is gone; its channel now resolves to the target.
	_, err = s.Get(ctx, "t1", source.ID)
	assert.True(t, model.IsKind(err, model.ErrNotFound))
	resolved, err := s.GetByChannel(ctx, "t1", "a1", "whatsapp", "+15550001")
	require.NoError(t, err)
	assert.Equal(t, target.ID, resolved.ID)
}

func TestMigrationStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMigrationStore()

	plan := &model.MigrationPlan{
		AgentHeader: model.NewAgentHeader("t1", "a1"),
		ID:          "plan-1",
		ScenarioID:  "refund",
		FromVersion: 1,
		ToVersion:   2,
		Status:      model.PlanPending,
	}
	require.NoError(t, s.SavePlan(ctx, plan))

	t.Run("pending cannot deploy", func(t *testing.T) {
		err := s.UpdatePlanStatus(ctx, "t1", "plan-1", model.PlanDeployed)
		require.Error(t, err)
		assert.True(t, model.IsKind(err, model.ErrMigrationInvalidTransition))
	})

	t.Run("approve then deploy", func(t *testing.T) {
		require.NoError(t, s.UpdatePlanStatus(ctx, "t1", "plan-1", model.PlanApproved))
		require.NoError(t, s.UpdatePlanStatus(ctx, "t1", "plan-1", model.PlanDeployed))

		got, err := s.GetPlan(ctx, "t1", "plan-1")
		require.NoError(t, err)
		assert.Equal(t, model.PlanDeployed, got.Status)
	})

	t.Run("deployed is terminal", func(t *testing.T) {
		err := s.UpdatePlanStatus(ctx, "t1", "plan-1", model.PlanApproved)
		assert.True(t, model.IsKind(err, model.ErrMigrationInvalidTransition))
	})
}
