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

package migration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/llms"
	"github.com/guidepost-ai/guidepost/pkg/model"
	"github.com/guidepost-ai/guidepost/pkg/scenario"
	"github.com/guidepost-ai/guidepost/pkg/stores"
)

type cannedLLM struct {
	response string
	calls    int
}

func (c *cannedLLM) Name() string { return "canned" }

func (c *cannedLLM) Generate(context.Context, []llms.Message, llms.Options) (*llms.Result, error) {
	c.calls++
	return &llms.Result{Text: c.response}, nil
}

func (c *cannedLLM) GenerateStream(context.Context, []llms.Message, llms.Options) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk)
	close(ch)
	return ch, nil
}

func (c *cannedLLM) CountTokens(text string) int { return len(text) / 4 }

// refundFlow is the baseline graph: collect order id, verify, then an
// automatic approval under the limit or a manual review on escalation.
func refundFlow(version int) *model.Scenario {
	return &model.Scenario{
		AgentHeader: model.NewAgentHeader("t1", "a1"),
		ID:          "refund",
		Name:        "Refund",
		Version:     version,
		EntryStepID: "collect",
		Steps: []*model.ScenarioStep{
			{
				ID: "collect", Type: model.StepTypeInteraction,
				RequiredFields: []string{"order_id"},
				Transitions:    []model.StepTransition{{TargetStepID: "verify"}},
			},
			{
				ID: "verify", Type: model.StepTypeLogic,
				Transitions: []model.StepTransition{
					{TargetStepID: "auto_approve", Condition: "order_total <= 100"},
					{TargetStepID: "review", Intent: "escalate"},
				},
			},
			{ID: "auto_approve", Type: model.StepTypeAction},
			{ID: "review", Type: model.StepTypeInteraction},
		},
	}
}

func anchorOf(sc *model.Scenario, stepID string) string {
	return scenario.StepHash(sc.Step(stepID))
}

func TestPlanCleanGraft(t *testing.T) {
	v1 := refundFlow(1)
	v2 := refundFlow(2)
	v2.Step("auto_approve").Description = "issue the refund immediately"

	plans := stores.NewMemoryMigrationStore()
	plan, err := NewPlanner(config.MigrationConfig{}, plans).BuildPlan(context.Background(), v1, v2)
	require.NoError(t, err)

	assert.Equal(t, model.PlanPending, plan.Status)
	assert.Len(t, plan.Policies, 4)
	for _, step := range v1.Steps {
		pol, ok := plan.Policy(anchorOf(v1, step.ID))
		require.True(t, ok, step.ID)
		assert.Equal(t, model.MigrationCleanGraft, pol.Kind)
		assert.Equal(t, step.ID, pol.V2StepID)
	}

	stored, err := plans.GetPlan(context.Background(), "t1", plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, stored.ID)
}

func TestPlanGapFill(t *testing.T) {
	v1 := refundFlow(1)
	v2 := refundFlow(2)
	v2.Step("collect").RequiredFields = []string{"order_id", "email"}

	plan, err := NewPlanner(config.MigrationConfig{}, nil).BuildPlan(context.Background(), v1, v2)
	require.NoError(t, err)

	// every step downstream of collect now misses the new field
	for _, id := range []string{"verify", "auto_approve", "review"} {
		pol, ok := plan.Policy(anchorOf(v1, id))
		require.True(t, ok, id)
		assert.Equal(t, model.MigrationGapFill, pol.Kind, id)
		assert.Equal(t, []string{"email"}, pol.MissingFields, id)
	}

	// collect itself gathers the field; nothing upstream changed
	pol, ok := plan.Policy(anchorOf(v1, "collect"))
	require.True(t, ok)
	assert.Equal(t, model.MigrationCleanGraft, pol.Kind)
}

func TestPlanReRoute(t *testing.T) {
	v1 := refundFlow(1)
	v2 := refundFlow(2)
	v2.Step("verify").Transitions[0].Condition = "order_total <= 50"

	t.Run("enabled", func(t *testing.T) {
		plan, err := NewPlanner(config.MigrationConfig{}, nil).BuildPlan(context.Background(), v1, v2)
		require.NoError(t, err)

		pol, ok := plan.Policy(anchorOf(v1, "auto_approve"))
		require.True(t, ok)
		assert.Equal(t, model.MigrationReRoute, pol.Kind)
		assert.Equal(t, "verify", pol.RerouteStepID)
	})

	t.Run("disabled downgrades to graft with warning", func(t *testing.T) {
		cfg := config.MigrationConfig{ReRoutingEnabled: config.BoolPtr(false)}
		plan, err := NewPlanner(cfg, nil).BuildPlan(context.Background(), v1, v2)
		require.NoError(t, err)

		pol, ok := plan.Policy(anchorOf(v1, "auto_approve"))
		require.True(t, ok)
		assert.Equal(t, model.MigrationCleanGraft, pol.Kind)
		assert.NotEmpty(t, pol.Warnings)
	})
}

func TestPlanRemovedStep(t *testing.T) {
	v1 := refundFlow(1)
	v2 := refundFlow(2)
	v2.Steps = v2.Steps[:3] // drop review
	v2.Step("verify").Transitions = v2.Step("verify").Transitions[:1]

	plan, err := NewPlanner(config.MigrationConfig{}, nil).BuildPlan(context.Background(), v1, v2)
	require.NoError(t, err)

	pol, ok := plan.Policy(anchorOf(v1, "review"))
	require.True(t, ok)
	// the nearest surviving upstream step takes the stranded sessions
	assert.Equal(t, "verify", pol.V2StepID)
	assert.NotEmpty(t, pol.Warnings)
	assert.NotEmpty(t, plan.Warnings)
}

func TestPlanRejectsStaleTarget(t *testing.T) {
	v1 := refundFlow(2)
	v2 := refundFlow(2)
	_, err := NewPlanner(config.MigrationConfig{}, nil).BuildPlan(context.Background(), v1, v2)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.ErrValidation))
}

func parkedSession(sc *model.Scenario, stepID, channel string) *model.Session {
	s := model.NewSession("t1", "a1", "p1", channel, "user-"+channel)
	s.ActiveScenarioID = sc.ID
	s.ActiveScenarioVersion = sc.Version
	s.ActiveStepID = stepID
	s.ActiveStepHash = anchorOf(sc, stepID)
	return s
}

func TestDeployStampsSessions(t *testing.T) {
	ctx := context.Background()
	v1 := refundFlow(1)
	v2 := refundFlow(2)
	v2.Step("auto_approve").Description = "changed"

	plans := stores.NewMemoryMigrationStore()
	sessions := stores.NewMemorySessionStore()
	plan, err := NewPlanner(config.MigrationConfig{}, plans).BuildPlan(ctx, v1, v2)
	require.NoError(t, err)

	parked := parkedSession(v1, "verify", "web")
	require.NoError(t, sessions.Save(ctx, parked, parked.UpdatedAt))

	d := NewDeployer(plans, sessions)

	t.Run("pending plan cannot deploy", func(t *testing.T) {
		_, err := d.Deploy(ctx, "t1", plan.ID)
		require.Error(t, err)
		assert.True(t, model.IsKind(err, model.ErrMigrationInvalidTransition))
	})

	require.NoError(t, d.Approve(ctx, "t1", plan.ID))
	n, err := d.Deploy(ctx, "t1", plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := sessions.Get(ctx, "t1", parked.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingMigration)
	assert.Equal(t, plan.ID, got.PendingMigration.PlanID)
	assert.Equal(t, anchorOf(v1, "verify"), got.PendingMigration.AnchorHash)
	assert.Equal(t, 1, got.PendingMigration.FromVersion)

	stored, err := plans.GetPlan(ctx, "t1", plan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanDeployed, stored.Status)
}

func TestDeployHonorsScopeFilter(t *testing.T) {
	ctx := context.Background()
	v1 := refundFlow(1)
	v2 := refundFlow(2)
	v2.Step("auto_approve").Description = "changed"

	plans := stores.NewMemoryMigrationStore()
	sessions := stores.NewMemorySessionStore()
	plan, err := NewPlanner(config.MigrationConfig{}, plans).BuildPlan(ctx, v1, v2)
	require.NoError(t, err)
	plan.ScopeFilter = map[string]string{"channel": "web"}
	require.NoError(t, plans.SavePlan(ctx, plan))

	web := parkedSession(v1, "verify", "web")
	sms := parkedSession(v1, "verify", "sms")
	require.NoError(t, sessions.Save(ctx, web, web.UpdatedAt))
	require.NoError(t, sessions.Save(ctx, sms, sms.UpdatedAt))

	d := NewDeployer(plans, sessions)
	require.NoError(t, d.Approve(ctx, "t1", plan.ID))
	n, err := d.Deploy(ctx, "t1", plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := sessions.Get(ctx, "t1", sms.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PendingMigration)
}

// deployFixture plans, approves and deploys v1 -> v2 for one session
// parked at stepID, returning the stamped session.
func deployFixture(t *testing.T, v1, v2 *model.Scenario, stepID string, plans stores.MigrationStore, configs stores.ConfigStore, sessions stores.SessionStore) *model.Session {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, configs.SaveScenario(ctx, v1))
	require.NoError(t, configs.SaveScenario(ctx, v2))

	plan, err := NewPlanner(config.MigrationConfig{}, plans).BuildPlan(ctx, v1, v2)
	require.NoError(t, err)

	parked := parkedSession(v1, stepID, "web")
	require.NoError(t, sessions.Save(ctx, parked, parked.UpdatedAt))

	d := NewDeployer(plans, sessions)
	require.NoError(t, d.Approve(ctx, "t1", plan.ID))
	n, err := d.Deploy(ctx, "t1", plan.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := sessions.Get(ctx, "t1", parked.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PendingMigration)
	return got
}

func TestReconcileCleanGraft(t *testing.T) {
	ctx := context.Background()
	v1 := refundFlow(1)
	v2 := refundFlow(2)
	v2.Step("auto_approve").Description = "changed"

	plans := stores.NewMemoryMigrationStore()
	configs := stores.NewMemoryConfigStore()
	sessions := stores.NewMemorySessionStore()
	sess := deployFixture(t, v1, v2, "collect", plans, configs, sessions)

	e := NewExecutor(config.MigrationConfig{}, plans, configs, nil, nil)
	res, err := e.Reconcile(ctx, sess, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, model.MigrationCleanGraft, res.Kind)
	assert.Equal(t, "collect", res.ToStepID)
	assert.Equal(t, 2, sess.ActiveScenarioVersion)
	assert.Equal(t, "collect", sess.ActiveStepID)
	assert.Equal(t, anchorOf(v2, "collect"), sess.ActiveStepHash)
	assert.Nil(t, sess.PendingMigration)
}

func TestReconcileGapFill(t *testing.T) {
	ctx := context.Background()
	newFixture := func(t *testing.T) (*model.Session, *stores.MemoryMigrationStore, *stores.MemoryConfigStore) {
		v1 := refundFlow(1)
		v2 := refundFlow(2)
		v2.Step("collect").RequiredFields = []string{"order_id", "email"}
		plans := stores.NewMemoryMigrationStore()
		configs := stores.NewMemoryConfigStore()
		sessions := stores.NewMemorySessionStore()
		return deployFixture(t, v1, v2, "verify", plans, configs, sessions), plans, configs
	}

	t.Run("resolved from profile", func(t *testing.T) {
		sess, plans, configs := newFixture(t)
		profile := &model.CustomerProfile{
			Header: model.NewHeader("t1"), ID: "p1", AgentID: "a1",
			Fields: map[string]model.ProfileField{
				"email": {Value: model.StringValue("ada@example.com"), Confidence: 1},
			},
		}

		e := NewExecutor(config.MigrationConfig{}, plans, configs, nil, nil)
		res, err := e.Reconcile(ctx, sess, profile, nil, nil)
		require.NoError(t, err)
		require.NotNil(t, res)

		assert.Equal(t, model.MigrationGapFill, res.Kind)
		assert.Empty(t, res.AskFields)
		assert.Empty(t, res.ConfirmFields)
		got, ok := sess.Variables["email"]
		require.True(t, ok)
		assert.Equal(t, "ada@example.com", got.AsString())
		assert.Equal(t, 2, sess.ActiveScenarioVersion)
	})

	t.Run("extracted from conversation needs confirmation", func(t *testing.T) {
		sess, plans, configs := newFixture(t)
		llm := &cannedLLM{response: `{"fields": {"email": {"value": "ada@example.com", "confidence": 0.7}}}`}

		e := NewExecutor(config.MigrationConfig{}, plans, configs, nil, llm)
		res, err := e.Reconcile(ctx, sess, nil,
			[]llms.Message{llms.User("reach me at ada@example.com")}, nil)
		require.NoError(t, err)
		require.NotNil(t, res)

		assert.Empty(t, res.AskFields)
		require.Contains(t, res.ConfirmFields, "email")
		assert.Equal(t, "ada@example.com", res.ConfirmFields["email"].AsString())
		assert.Equal(t, 1, llm.calls)
	})

	t.Run("unresolved fields are asked for", func(t *testing.T) {
		sess, plans, configs := newFixture(t)
		llm := &cannedLLM{response: `{"fields": {}}`}

		e := NewExecutor(config.MigrationConfig{}, plans, configs, nil, llm)
		res, err := e.Reconcile(ctx, sess, nil, []llms.Message{llms.User("hello")}, nil)
		require.NoError(t, err)
		require.NotNil(t, res)

		assert.Equal(t, []string{"email"}, res.AskFields)
		_, ok := sess.Variables["email"]
		assert.False(t, ok)
		// the session still lands on the new version; the turn collects
		assert.Equal(t, 2, sess.ActiveScenarioVersion)
	})
}

func TestReconcileReRoute(t *testing.T) {
	ctx := context.Background()
	newFixture := func(t *testing.T, parkedAt string) (*model.Session, *stores.MemoryMigrationStore, *stores.MemoryConfigStore) {
		v1 := refundFlow(1)
		v2 := refundFlow(2)
		v2.Step("verify").Transitions = []model.StepTransition{
			{TargetStepID: "auto_approve", Condition: "order_total <= 50"},
			{TargetStepID: "review", Condition: "order_total > 50"},
		}
		plans := stores.NewMemoryMigrationStore()
		configs := stores.NewMemoryConfigStore()
		sessions := stores.NewMemorySessionStore()
		return deployFixture(t, v1, v2, parkedAt, plans, configs, sessions), plans, configs
	}

	t.Run("route unchanged", func(t *testing.T) {
		sess, plans, configs := newFixture(t, "auto_approve")
		e := NewExecutor(config.MigrationConfig{}, plans, configs, nil, nil)
		res, err := e.Reconcile(ctx, sess, nil, nil,
			map[string]model.Value{"order_total": model.NumberValue(30)})
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, model.MigrationReRoute, res.Kind)
		assert.Equal(t, "auto_approve", sess.ActiveStepID)
		assert.False(t, res.RouteChanged)
	})

	t.Run("route changed lands on the new branch", func(t *testing.T) {
		sess, plans, configs := newFixture(t, "auto_approve")
		e := NewExecutor(config.MigrationConfig{}, plans, configs, nil, nil)
		res, err := e.Reconcile(ctx, sess, nil, nil,
			map[string]model.Value{"order_total": model.NumberValue(500)})
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, "review", sess.ActiveStepID)
		assert.True(t, res.RouteChanged)
	})
}

func TestReconcilePersistsExtractedFieldsToProfile(t *testing.T) {
	ctx := context.Background()
	newFixture := func(t *testing.T, llm llms.Provider) (*model.Session, *model.CustomerProfile, *stores.MemoryProfileStore, *Executor) {
		v1 := refundFlow(1)
		v2 := refundFlow(2)
		v2.Step("collect").RequiredFields = []string{"order_id", "email"}
		plans := stores.NewMemoryMigrationStore()
		configs := stores.NewMemoryConfigStore()
		sessions := stores.NewMemorySessionStore()
		sess := deployFixture(t, v1, v2, "verify", plans, configs, sessions)

		profiles := stores.NewMemoryProfileStore()
		profile, err := profiles.GetOrCreate(ctx, "t1", "a1", "web", "user-web")
		require.NoError(t, err)
		return sess, profile, profiles, NewExecutor(config.MigrationConfig{}, plans, configs, profiles, llm)
	}

	t.Run("confident extraction lands in the profile", func(t *testing.T) {
		llm := &cannedLLM{response: `{"fields": {"email": {"value": "ada@example.com", "confidence": 0.95}}}`}
		sess, profile, profiles, e := newFixture(t, llm)

		res, err := e.Reconcile(ctx, sess,
			profile, []llms.Message{llms.User("reach me at ada@example.com")}, nil)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Empty(t, res.ConfirmFields)

		stored, err := profiles.Get(ctx, "t1", profile.ID)
		require.NoError(t, err)
		f, ok := stored.Fields["email"]
		require.True(t, ok)
		assert.Equal(t, "ada@example.com", f.Value.AsString())
		assert.Equal(t, model.FieldSourceInference, f.Source)
		assert.Equal(t, 0.95, f.Confidence)
	})

	t.Run("value needing confirmation stays out", func(t *testing.T) {
		llm := &cannedLLM{response: `{"fields": {"email": {"value": "ada@example.com", "confidence": 0.7}}}`}
		sess, profile, profiles, e := newFixture(t, llm)

		res, err := e.Reconcile(ctx, sess,
			profile, []llms.Message{llms.User("maybe ada@example.com")}, nil)
		require.NoError(t, err)
		require.NotNil(t, res)
		require.Contains(t, res.ConfirmFields, "email")

		stored, err := profiles.Get(ctx, "t1", profile.ID)
		require.NoError(t, err)
		_, ok := stored.Fields["email"]
		assert.False(t, ok)
	})
}

func TestReconcileDrift(t *testing.T) {
	ctx := context.Background()
	v1 := refundFlow(1)
	v2 := refundFlow(2)
	v2.Step("auto_approve").Description = "changed"

	newFixture := func(t *testing.T, withPlan bool) (*model.Session, *Executor) {
		plans := stores.NewMemoryMigrationStore()
		configs := stores.NewMemoryConfigStore()
		require.NoError(t, configs.SaveScenario(ctx, v2))
		if withPlan {
			p := deployedPlan("plan-1", 1, 2, map[string]model.AnchorPolicy{
				anchorOf(v1, "collect"): {AnchorHash: anchorOf(v1, "collect"),
					V1StepID: "collect", V2StepID: "collect", Kind: model.MigrationCleanGraft},
			})
			require.NoError(t, plans.SavePlan(ctx, p))
		}
		return parkedSession(v1, "collect", "web"), NewExecutor(config.MigrationConfig{}, plans, configs, nil, nil)
	}

	t.Run("pinned session without a marker catches up", func(t *testing.T) {
		sess, e := newFixture(t, true)
		require.Nil(t, sess.PendingMigration)

		res, err := e.ReconcileDrift(ctx, sess, 2, nil, nil, nil)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, 2, sess.ActiveScenarioVersion)
		assert.Equal(t, "collect", sess.ActiveStepID)
		assert.Nil(t, sess.PendingMigration)
	})

	t.Run("matching version is a no-op", func(t *testing.T) {
		sess, e := newFixture(t, true)
		res, err := e.ReconcileDrift(ctx, sess, 1, nil, nil, nil)
		require.NoError(t, err)
		assert.Nil(t, res)
		assert.Equal(t, 1, sess.ActiveScenarioVersion)
	})

	t.Run("no deployed plan leaves the session pinned", func(t *testing.T) {
		sess, e := newFixture(t, false)
		res, err := e.ReconcileDrift(ctx, sess, 2, nil, nil, nil)
		require.NoError(t, err)
		assert.Nil(t, res)
		assert.Equal(t, 1, sess.ActiveScenarioVersion)
		assert.Nil(t, sess.PendingMigration)
	})
}

func TestReconcileMissingPlanClearsMarker(t *testing.T) {
	sess := model.NewSession("t1", "a1", "p1", "web", "u1")
	sess.PendingMigration = &model.PendingMigration{PlanID: "ghost", FromVersion: 1}

	e := NewExecutor(config.MigrationConfig{}, stores.NewMemoryMigrationStore(), stores.NewMemoryConfigStore(), nil, nil)
	res, err := e.Reconcile(context.Background(), sess, nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Nil(t, sess.PendingMigration)
}

func TestReconcileRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	v2 := refundFlow(2)

	plans := stores.NewMemoryMigrationStore()
	configs := stores.NewMemoryConfigStore()
	require.NoError(t, configs.SaveScenario(ctx, v2))

	plan := &model.MigrationPlan{
		AgentHeader: model.NewAgentHeader("t1", "a1"),
		ID:          model.NewID(),
		ScenarioID:  "refund",
		FromVersion: 1,
		ToVersion:   2,
		Policies: map[string]model.AnchorPolicy{
			"anchor-1": {AnchorHash: "anchor-1", V1StepID: "collect", V2StepID: "ghost",
				Kind: model.MigrationCleanGraft},
		},
		Status: model.PlanDeployed,
	}
	require.NoError(t, plans.SavePlan(ctx, plan))

	sess := model.NewSession("t1", "a1", "p1", "web", "u1")
	sess.EnterScenario("refund", "collect", 1)
	sess.ActiveStepHash = "anchor-1"
	sess.PendingMigration = &model.PendingMigration{PlanID: plan.ID, AnchorHash: "anchor-1", FromVersion: 1}

	e := NewExecutor(config.MigrationConfig{}, plans, configs, nil, nil)
	_, err := e.Reconcile(ctx, sess, nil, nil, nil)
	require.Error(t, err)

	// checkpoint restored: nothing moved, the marker survives for retry
	assert.Equal(t, 1, sess.ActiveScenarioVersion)
	assert.Equal(t, "collect", sess.ActiveStepID)
	require.NotNil(t, sess.PendingMigration)
	assert.Equal(t, plan.ID, sess.PendingMigration.PlanID)
}

func TestGapFillPrecedence(t *testing.T) {
	cfg := config.GapFillConfig{UseThreshold: 0.6, NoConfirmThreshold: 0.85}
	llm := &cannedLLM{response: `{"fields": {
		"color": {"value": "blue", "confidence": 0.9},
		"size":  {"value": "large", "confidence": 0.5}
	}}`}
	g := NewGapFill(cfg, llm)

	profile := &model.CustomerProfile{
		Header: model.NewHeader("t1"), ID: "p1", AgentID: "a1",
		Fields: map[string]model.ProfileField{
			"email": {Value: model.StringValue("ada@example.com"), Confidence: 0.9},
		},
	}
	sess := model.NewSession("t1", "a1", "p1", "web", "u1")
	sess.SetVariable("phone", model.StringValue("555-0100"))

	got, err := g.Resolve(context.Background(),
		[]string{"email", "phone", "color", "size"}, profile, sess,
		[]llms.Message{llms.User("I want it in blue")})
	require.NoError(t, err)

	assert.Equal(t, SourceProfile, got["email"].Source)
	assert.Equal(t, SourceSession, got["phone"].Source)
	assert.Equal(t, SourceConversation, got["color"].Source)
	assert.NotContains(t, got, "size") // below the use threshold

	assert.False(t, g.NeedsConfirmation(got["email"]))
	assert.False(t, g.NeedsConfirmation(got["phone"]))
	assert.False(t, g.NeedsConfirmation(got["color"])) // 0.9 clears the silent threshold
	assert.True(t, g.NeedsConfirmation(Resolution{Source: SourceConversation, Confidence: 0.7}))
}

func deployedPlan(id string, from, to int, policies map[string]model.AnchorPolicy) *model.MigrationPlan {
	return &model.MigrationPlan{
		AgentHeader: model.NewAgentHeader("t1", "a1"),
		ID:          id,
		ScenarioID:  "refund",
		FromVersion: from,
		ToVersion:   to,
		Policies:    policies,
		Status:      model.PlanDeployed,
	}
}

func TestCompositeMapperChainsPlans(t *testing.T) {
	p1 := deployedPlan("plan-1", 1, 2, map[string]model.AnchorPolicy{
		"hash-a": {AnchorHash: "hash-a", V1StepID: "verify", V2StepID: "verify",
			Kind: model.MigrationCleanGraft},
	})
	p2 := deployedPlan("plan-2", 2, 3, map[string]model.AnchorPolicy{
		"hash-b": {AnchorHash: "hash-b", V1StepID: "verify", V2StepID: "verify_v3",
			Kind: model.MigrationGapFill, MissingFields: []string{"email"}},
	})

	m := NewCompositeMapper([]*model.MigrationPlan{p2, p1}, "refund", 1, 0)
	require.Equal(t, 2, m.Len())
	assert.Equal(t, 3, m.ToVersion(1))

	pol, landed, ok := m.Map("hash-a")
	require.True(t, ok)
	assert.Equal(t, 3, landed)
	assert.Equal(t, "verify_v3", pol.V2StepID)
	assert.Equal(t, model.MigrationGapFill, pol.Kind)
	assert.Equal(t, []string{"email"}, pol.MissingFields)
}

func TestReconcileCompositeChainPrunesObsoleteFields(t *testing.T) {
	ctx := context.Background()

	v4 := &model.Scenario{
		AgentHeader: model.NewAgentHeader("t1", "a1"),
		ID:          "refund",
		Version:     4,
		EntryStepID: "collect",
		Steps: []*model.ScenarioStep{
			{
				ID: "collect", Type: model.StepTypeInteraction,
				RequiredFields: []string{"date_of_birth"},
				Transitions:    []model.StepTransition{{TargetStepID: "ship"}},
			},
			{ID: "ship", Type: model.StepTypeAction},
		},
	}

	plans := stores.NewMemoryMigrationStore()
	configs := stores.NewMemoryConfigStore()
	require.NoError(t, configs.SaveScenario(ctx, v4))

	// v2 added passport_number, v3 added date_of_birth, v4 dropped
	// passport_number again
	p1 := deployedPlan("plan-1", 1, 2, map[string]model.AnchorPolicy{
		"hash-a": {AnchorHash: "hash-a", V1StepID: "ship", V2StepID: "ship",
			Kind: model.MigrationGapFill, MissingFields: []string{"passport_number"}},
	})
	p2 := deployedPlan("plan-2", 2, 3, map[string]model.AnchorPolicy{
		"hash-b": {AnchorHash: "hash-b", V1StepID: "ship", V2StepID: "ship",
			Kind: model.MigrationGapFill, MissingFields: []string{"date_of_birth"}},
	})
	p3 := deployedPlan("plan-3", 3, 4, map[string]model.AnchorPolicy{
		"hash-c": {AnchorHash: "hash-c", V1StepID: "ship", V2StepID: "ship",
			Kind: model.MigrationCleanGraft},
	})
	for _, p := range []*model.MigrationPlan{p1, p2, p3} {
		require.NoError(t, plans.SavePlan(ctx, p))
	}

	sess := model.NewSession("t1", "a1", "p1", "web", "u1")
	sess.EnterScenario("refund", "ship", 1)
	sess.ActiveStepHash = "hash-a"
	sess.PendingMigration = &model.PendingMigration{PlanID: "plan-1", AnchorHash: "hash-a", FromVersion: 1}

	e := NewExecutor(config.MigrationConfig{}, plans, configs, nil, nil)
	res, err := e.Reconcile(ctx, sess, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, res)

	// passport_number was dropped again by v4 and must not be requested
	assert.Equal(t, []string{"date_of_birth"}, res.AskFields)
	assert.Equal(t, 4, sess.ActiveScenarioVersion)
	assert.Equal(t, "ship", sess.ActiveStepID)
	assert.Nil(t, sess.PendingMigration)
}

func TestCompositeMapperPolicyGapEndsCompositionEarly(t *testing.T) {
	p1 := deployedPlan("plan-1", 1, 2, map[string]model.AnchorPolicy{
		"hash-a": {AnchorHash: "hash-a", V1StepID: "verify", V2StepID: "verify",
			Kind: model.MigrationCleanGraft},
	})
	// the second hop only covers collect, so verify settles at v2
	p2 := deployedPlan("plan-2", 2, 3, map[string]model.AnchorPolicy{
		"hash-b": {AnchorHash: "hash-b", V1StepID: "collect", V2StepID: "collect_v3",
			Kind: model.MigrationCleanGraft},
	})

	m := NewCompositeMapper([]*model.MigrationPlan{p1, p2}, "refund", 1, 0)
	require.Equal(t, 2, m.Len())

	pol, landed, ok := m.Map("hash-a")
	require.True(t, ok)
	assert.Equal(t, "verify", pol.V2StepID)
	assert.Equal(t, 2, landed)
	assert.Equal(t, 3, m.ToVersion(1))
}

func TestReconcileCompositeChainBreakLandsOnIntermediateVersion(t *testing.T) {
	ctx := context.Background()

	v2 := refundFlow(2)
	// v3 reworked the graph and dropped verify entirely
	v3 := &model.Scenario{
		AgentHeader: model.NewAgentHeader("t1", "a1"),
		ID:          "refund",
		Version:     3,
		EntryStepID: "collect_v3",
		Steps: []*model.ScenarioStep{
			{ID: "collect_v3", Type: model.StepTypeInteraction,
				Transitions: []model.StepTransition{{TargetStepID: "done"}}},
			{ID: "done", Type: model.StepTypeAction},
		},
	}

	plans := stores.NewMemoryMigrationStore()
	configs := stores.NewMemoryConfigStore()
	require.NoError(t, configs.SaveScenario(ctx, v2))
	require.NoError(t, configs.SaveScenario(ctx, v3))

	p1 := deployedPlan("plan-1", 1, 2, map[string]model.AnchorPolicy{
		"hash-a": {AnchorHash: "hash-a", V1StepID: "verify", V2StepID: "verify",
			Kind: model.MigrationCleanGraft},
	})
	p2 := deployedPlan("plan-2", 2, 3, map[string]model.AnchorPolicy{
		"hash-b": {AnchorHash: "hash-b", V1StepID: "collect", V2StepID: "collect_v3",
			Kind: model.MigrationCleanGraft},
	})
	require.NoError(t, plans.SavePlan(ctx, p1))
	require.NoError(t, plans.SavePlan(ctx, p2))

	sess := model.NewSession("t1", "a1", "p1", "web", "u1")
	sess.EnterScenario("refund", "verify", 1)
	sess.ActiveStepHash = "hash-a"
	sess.PendingMigration = &model.PendingMigration{PlanID: "plan-1", AnchorHash: "hash-a", FromVersion: 1}

	e := NewExecutor(config.MigrationConfig{}, plans, configs, nil, nil)
	res, err := e.Reconcile(ctx, sess, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, res)

	// the chain covered verify only through v2; the session settles there
	// instead of pairing a v2 step with the v3 version
	assert.Equal(t, 2, sess.ActiveScenarioVersion)
	assert.Equal(t, "verify", sess.ActiveStepID)
	assert.Equal(t, 2, res.ToVersion)
	assert.Nil(t, sess.PendingMigration)
}

func TestCompositeMapperStopsAtGaps(t *testing.T) {
	p1 := deployedPlan("plan-1", 1, 2, map[string]model.AnchorPolicy{
		"hash-a": {AnchorHash: "hash-a", V1StepID: "verify", V2StepID: "verify",
			Kind: model.MigrationCleanGraft},
	})
	pending := deployedPlan("plan-2", 2, 3, nil)
	pending.Status = model.PlanPending

	t.Run("undeployed plan breaks the chain", func(t *testing.T) {
		m := NewCompositeMapper([]*model.MigrationPlan{p1, pending}, "refund", 1, 0)
		assert.Equal(t, 1, m.Len())
		assert.Equal(t, 2, m.ToVersion(1))
	})

	t.Run("max hops caps the chain", func(t *testing.T) {
		p2 := deployedPlan("plan-2", 2, 3, nil)
		m := NewCompositeMapper([]*model.MigrationPlan{p1, p2}, "refund", 1, 1)
		assert.Equal(t, 1, m.Len())
	})

	t.Run("unknown anchor maps to nothing", func(t *testing.T) {
		m := NewCompositeMapper([]*model.MigrationPlan{p1}, "refund", 1, 0)
		_, _, ok := m.Map("hash-zzz")
		assert.False(t, ok)
	})
}
