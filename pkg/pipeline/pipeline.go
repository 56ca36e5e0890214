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

// Package pipeline is the turn orchestrator: it resolves the session and
// profile, reconciles pending migrations, runs the stages in order
// (extraction, retrieval, rule filter, navigation, tools, generation,
// enforcement), applies the navigation verdict, persists session and
// turn record as a unit and hands the turn to async memory ingestion.
//
// Turns are serialized per session through a striped lock table;
// everything else runs in parallel across requests.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/embedders"
	"github.com/guidepost-ai/guidepost/pkg/enforcement"
	"github.com/guidepost-ai/guidepost/pkg/extraction"
	"github.com/guidepost-ai/guidepost/pkg/generation"
	"github.com/guidepost-ai/guidepost/pkg/ingest"
	"github.com/guidepost-ai/guidepost/pkg/llms"
	"github.com/guidepost-ai/guidepost/pkg/migration"
	"github.com/guidepost-ai/guidepost/pkg/model"
	"github.com/guidepost-ai/guidepost/pkg/observability"
	"github.com/guidepost-ai/guidepost/pkg/rerank"
	"github.com/guidepost-ai/guidepost/pkg/retrieval"
	"github.com/guidepost-ai/guidepost/pkg/rulefilter"
	"github.com/guidepost-ai/guidepost/pkg/scenario"
	"github.com/guidepost-ai/guidepost/pkg/stores"
	"github.com/guidepost-ai/guidepost/pkg/tools"
)

// historyWindow bounds how many past turns feed extraction and
// generation.
const historyWindow = 20

// Request is one inbound user message.
type Request struct {
	TenantID string
	AgentID  string

	// SessionID is optional; absent, the session is resolved (or
	// created) by channel identity.
	SessionID     string
	Channel       string
	UserChannelID string

	Message string

	// IdempotencyKey makes the turn replayable within the cache TTL.
	IdempotencyKey string
}

// StageTiming is the elapsed wall time of one pipeline stage.
type StageTiming struct {
	Stage      string `json:"stage"`
	DurationMS int64  `json:"duration_ms"`
}

// Result is the outcome of one aligned turn.
type Result struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`

	ScenarioBefore model.ScenarioRef `json:"scenario_before"`
	ScenarioAfter  model.ScenarioRef `json:"scenario_after"`

	MatchedRuleIDs []string `json:"matched_rule_ids,omitempty"`
	ToolIDs        []string `json:"tool_ids,omitempty"`

	// Action is the navigation verdict of the turn.
	Action string `json:"action,omitempty"`

	TokensUsed   int           `json:"tokens_used"`
	LatencyMS    int64         `json:"latency_ms"`
	StageTimings []StageTiming `json:"stage_timings,omitempty"`
}

// Deps are the external collaborators of the pipeline.
type Deps struct {
	Stores   *stores.Stores
	LLM      llms.Provider
	Embedder embedders.Provider
	Reranker rerank.Provider
	Tools    *tools.Registry

	Migration config.MigrationConfig

	// Ingestor is optional; nil skips async memory ingestion.
	Ingestor *ingest.Ingestor

	// Metrics and Tracer are optional.
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Pipeline orchestrates the turn stages.
type Pipeline struct {
	cfg config.PipelineConfig
	st  *stores.Stores

	extractor *extraction.Extractor
	retriever *retrieval.Retriever
	filter    *rulefilter.Filter
	navigator *scenario.Navigator
	executor  *tools.Executor
	generator *generation.Generator
	enforcer  *enforcement.Enforcer
	migrator  *migration.Executor

	ingestor *ingest.Ingestor
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	locks *lockTable
	idem  *idemCache
}

// New wires the stages from the pipeline configuration.
func New(cfg config.PipelineConfig, deps Deps) (*Pipeline, error) {
	if deps.Stores == nil {
		return nil, model.NewError(model.ErrValidation, "pipeline requires stores")
	}
	cfg.SetDefaults()

	retriever, err := retrieval.New(cfg.Retrieval, cfg.Reranking, deps.Stores.Config, deps.Stores.Memory, deps.Reranker)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:       cfg,
		st:        deps.Stores,
		extractor: extraction.New(cfg.ContextExtraction, deps.LLM, deps.Embedder),
		retriever: retriever,
		filter:    rulefilter.New(cfg.RuleFilter, deps.LLM),
		navigator: scenario.NewNavigator(cfg.ScenarioFilter, deps.LLM),
		executor:  tools.NewExecutor(deps.Tools, cfg.ToolExecution),
		generator: generation.New(cfg.Generation, deps.LLM),
		enforcer:  enforcement.New(cfg.Enforcement, deps.LLM),
		migrator:  migration.NewExecutor(deps.Migration, deps.Stores.Migration, deps.Stores.Config, deps.Stores.Profiles, deps.LLM),
		ingestor:  deps.Ingestor,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		locks:     newLockTable(cfg.SessionLockStripes),
		idem:      newIdemCache(time.Duration(cfg.IdempotencyTTLSeconds) * time.Second),
	}, nil
}

// Process runs one turn end to end.
func (p *Pipeline) Process(ctx context.Context, req *Request) (*Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, model.NewError(model.ErrInvalidRequest, "message is required")
	}
	if req.TenantID == "" || req.AgentID == "" {
		return nil, model.NewError(model.ErrInvalidRequest, "tenant_id and agent_id are required")
	}
	if req.SessionID == "" && (req.Channel == "" || req.UserChannelID == "") {
		return nil, model.NewError(model.ErrInvalidRequest, "session_id or channel identity is required")
	}

	hash := bodyHash(req)
	if req.IdempotencyKey != "" {
		cached, err := p.idem.get(req.TenantID, req.IdempotencyKey, hash)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			if p.metrics != nil {
				p.metrics.IdempotencyHits.Inc()
			}
			return cached, nil
		}
	}

	lockKey := req.TenantID + "\x00" + req.SessionID
	if req.SessionID == "" {
		lockKey = req.TenantID + "\x00" + req.Channel + "\x00" + req.UserChannelID
	}
	unlock := p.locks.lock(lockKey)
	defer unlock()

	start := time.Now()
	ctx, turnSpan := p.tracer.StartTurn(ctx, req.TenantID, req.AgentID, req.SessionID, "")
	defer turnSpan.End()

	res, err := p.run(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = string(model.KindOf(err))
		p.tracer.RecordError(turnSpan, err)
	}
	if p.metrics != nil {
		p.metrics.TurnsTotal.WithLabelValues(req.TenantID, outcome).Inc()
		p.metrics.TurnDuration.WithLabelValues(req.TenantID).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	res.LatencyMS = time.Since(start).Milliseconds()
	if req.IdempotencyKey != "" {
		p.idem.put(req.TenantID, req.IdempotencyKey, hash, res)
	}
	return res, nil
}

// run executes the turn with the session lock held.
func (p *Pipeline) run(ctx context.Context, req *Request) (*Result, error) {
	agent, err := p.st.Config.GetAgent(ctx, req.TenantID, req.AgentID)
	if err != nil {
		return nil, err
	}

	session, fresh, err := p.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}
	expected := session.UpdatedAt
	if fresh {
		expected = time.Time{}
	}
	before := session.Clone()

	profile, err := p.st.Profiles.GetOrCreate(ctx, req.TenantID, req.AgentID, session.Channel, session.UserChannelID)
	if err != nil {
		return nil, err
	}
	if session.CustomerProfileID == "" {
		session.CustomerProfileID = profile.ID
	}

	history := p.loadHistory(ctx, req.TenantID, session.ID)

	res := &Result{SessionID: session.ID, TurnID: model.NewID()}
	turnNumber := session.TurnCount + 1

	// Declared variables refresh before the environment is assembled.
	if fresh {
		p.refreshVariables(ctx, req, session, profile, model.RefreshOnSessionStart)
	}
	p.refreshVariables(ctx, req, session, profile, model.RefreshOnEachTurn)

	env := mergeEnv(profile, session, nil)

	// Pending migrations reconcile before anything else sees the
	// session; failure aborts the turn and keeps the marker for retry.
	// A session whose pinned version trails the published one without a
	// marker (a deploy scoped past it, or one racing this turn) catches
	// up through the same path.
	var migrated *migration.Result
	if session.PendingMigration != nil || session.ActiveScenarioID != "" {
		err = p.stage(ctx, "migration", res, func(c context.Context) error {
			if session.PendingMigration != nil {
				migrated, err = p.migrator.Reconcile(c, session, profile, history, env)
				return err
			}
			current, cerr := p.st.Config.GetActiveScenario(c, req.TenantID, req.AgentID, session.ActiveScenarioID)
			if cerr != nil {
				if model.IsKind(cerr, model.ErrNotFound) {
					return nil
				}
				return cerr
			}
			migrated, err = p.migrator.ReconcileDrift(c, session, current.Version, profile, history, env)
			return err
		})
		if err != nil {
			return nil, err
		}
		if migrated != nil && migrated.Applied && p.metrics != nil {
			p.metrics.MigrationsApplied.WithLabelValues(string(migrated.Kind)).Inc()
		}
	}

	res.ScenarioBefore = model.ScenarioRef{
		ScenarioID: session.ActiveScenarioID,
		StepID:     session.ActiveStepID,
		Version:    session.ActiveScenarioVersion,
	}

	var tc *model.Context
	err = p.stage(ctx, "extraction", res, func(c context.Context) error {
		tc, err = p.extractor.Extract(c, req.Message, history)
		return err
	})
	if err != nil {
		return nil, err
	}

	var responseText string
	var tokensUsed int
	var matched []rulefilter.Match
	var toolRecords []model.ToolCallRecord

	switch {
	case migrated != nil && len(migrated.AskFields) > 0:
		// Gap fill needs data before the flow can resume; ask for it
		// instead of running the full pipeline.
		responseText = gapFillQuestion(migrated.AskFields)
		res.Action = "GAP_FILL"

	case tc.IsAmbiguous:
		responseText = p.clarificationText(ctx, req.TenantID, req.AgentID, agent, env)
		res.Action = "CLARIFY"

	default:
		responseText, tokensUsed, matched, toolRecords, err = p.align(ctx, req, agent, session, profile, tc, history, res)
		if err != nil {
			return nil, err
		}
	}

	// Turn bookkeeping happens for every outcome that answers the user.
	session.TurnCount = turnNumber
	session.LastActivityAt = model.Now()
	for _, m := range matched {
		session.RecordRuleFire(m.Rule.ID, turnNumber)
		res.MatchedRuleIDs = append(res.MatchedRuleIDs, m.Rule.ID)
	}
	session.Variables = model.MergeVariables(session.Variables, tc.Entities)

	res.ScenarioAfter = model.ScenarioRef{
		ScenarioID: session.ActiveScenarioID,
		StepID:     session.ActiveStepID,
		Version:    session.ActiveScenarioVersion,
	}
	res.Response = responseText
	res.TokensUsed = tokensUsed
	for _, tr := range toolRecords {
		res.ToolIDs = append(res.ToolIDs, tr.ToolID)
	}

	turn := &model.TurnRecord{
		Header:         model.NewHeader(req.TenantID),
		AgentID:        req.AgentID,
		SessionID:      session.ID,
		TurnID:         res.TurnID,
		TurnNumber:     turnNumber,
		UserMessage:    req.Message,
		AgentResponse:  responseText,
		MatchedRuleIDs: res.MatchedRuleIDs,
		ToolCalls:      toolRecords,
		ScenarioBefore: res.ScenarioBefore,
		ScenarioAfter:  res.ScenarioAfter,
		TokensUsed:     tokensUsed,
		Timestamp:      model.Now(),
	}

	err = p.stage(ctx, "persist", res, func(c context.Context) error {
		return p.persist(c, session, before, expected, turn)
	})
	if err != nil {
		return nil, err
	}

	if p.ingestor != nil {
		if err := p.ingestor.Enqueue(turn); err != nil {
			if p.metrics != nil {
				p.metrics.IngestRejected.Inc()
			}
			slog.Warn("memory ingest rejected turn",
				"tenant", req.TenantID, "turn", turn.TurnID, "error", err)
		}
	}
	return res, nil
}

// align runs the retrieval-to-enforcement stages for a normal turn.
func (p *Pipeline) align(ctx context.Context, req *Request, agent *model.Agent, session *model.Session, profile *model.CustomerProfile, tc *model.Context, history []llms.Message, res *Result) (string, int, []rulefilter.Match, []model.ToolCallRecord, error) {
	var candidates []retrieval.RuleCandidate
	var entries []retrieval.ScenarioCandidate
	var memory []string

	_ = p.stage(ctx, "retrieval", res, func(c context.Context) error {
		var rerr error
		candidates, rerr = p.retriever.RetrieveRules(c, req.TenantID, req.AgentID, session, tc)
		if rerr != nil {
			slog.Warn("rule retrieval failed, continuing without candidates", "error", rerr)
		}
		entries, rerr = p.retriever.RetrieveScenarioEntries(c, req.TenantID, req.AgentID, tc)
		if rerr != nil {
			slog.Warn("scenario retrieval failed", "error", rerr)
		}
		hits, rerr := p.retriever.RetrieveMemory(c, req.TenantID, session.ID, tc.Message)
		if rerr != nil {
			slog.Warn("memory retrieval failed", "error", rerr)
		}
		for _, h := range hits {
			memory = append(memory, h.Episode.Content)
		}
		return nil
	})

	var matched []rulefilter.Match
	_ = p.stage(ctx, "rule_filter", res, func(c context.Context) error {
		ruleSet := make([]*model.Rule, len(candidates))
		for i, rc := range candidates {
			ruleSet[i] = rc.Rule
		}
		var signal model.ScenarioSignal
		var ferr error
		matched, signal, ferr = p.filter.Filter(c, tc, ruleSet)
		if ferr != nil {
			slog.Warn("rule filter failed, continuing unfiltered", "error", ferr)
			for _, r := range ruleSet {
				matched = append(matched, rulefilter.Match{Rule: r, Confidence: 1})
			}
		}
		// The judge's coarse hint backfills extraction when it had none.
		if signal != "" && (tc.Signal == "" || tc.Signal == model.SignalUnknown) {
			tc.Signal = signal
		}
		return nil
	})

	env := mergeEnv(profile, session, tc.Entities)

	var active *model.Scenario
	if session.ActiveScenarioID != "" {
		sc, serr := p.st.Config.GetScenario(ctx, req.TenantID, req.AgentID, session.ActiveScenarioID, session.ActiveScenarioVersion)
		if serr != nil {
			slog.Warn("active scenario version unavailable",
				"scenario", session.ActiveScenarioID, "version", session.ActiveScenarioVersion, "error", serr)
		} else {
			active = sc
		}
	}

	var decision *scenario.Decision
	err := p.stage(ctx, "navigation", res, func(c context.Context) error {
		entryCandidates := make([]scenario.EntryCandidate, len(entries))
		for i, e := range entries {
			entryCandidates[i] = scenario.EntryCandidate{Scenario: e.Scenario, Score: e.Score}
		}
		var nerr error
		decision, nerr = p.navigator.Navigate(c, session, active, entryCandidates, tc, env)
		return nerr
	})
	if err != nil {
		return "", 0, nil, nil, err
	}
	// A START into another scenario needs that scenario for the step
	// hash bookkeeping.
	applyTarget := active
	if decision.Action == scenario.ActionStart && (active == nil || decision.ScenarioID != active.ID) {
		for _, e := range entries {
			if e.Scenario.ID == decision.ScenarioID {
				applyTarget = e.Scenario
				break
			}
		}
	}
	p.navigator.Apply(session, decision, applyTarget)
	res.Action = string(decision.Action)
	if decision.Action == scenario.ActionStart {
		p.refreshVariables(ctx, req, session, profile, model.RefreshOnScenarioEntry)
		env = mergeEnv(profile, session, tc.Entities)
	}

	var toolResults []tools.Result
	_ = p.stage(ctx, "tools", res, func(c context.Context) error {
		var toolIDs []string
		for _, m := range matched {
			toolIDs = append(toolIDs, m.Rule.AttachedToolIDs...)
		}
		if len(toolIDs) == 0 {
			return nil
		}
		activations, aerr := p.st.Config.ListToolActivations(c, req.TenantID, req.AgentID)
		if aerr != nil {
			slog.Warn("tool activations unavailable", "error", aerr)
			return nil
		}
		toolResults, aerr = p.executor.Execute(c, toolIDs, activations, env)
		if aerr != nil {
			slog.Warn("tool execution aborted", "error", aerr)
		}
		return nil
	})
	session.Variables = tools.MergeOutputs(session.Variables, toolResults)
	env = mergeEnv(profile, session, tc.Entities)

	toolRecords := make([]model.ToolCallRecord, 0, len(toolResults))
	for _, tr := range toolResults {
		toolRecords = append(toolRecords, tr.Record())
	}

	// Position after navigation; generation speaks from where the
	// session now stands.
	var step *model.ScenarioStep
	if decision.Action == scenario.ActionStart {
		active = applyTarget
	}
	if active != nil && session.ActiveStepID != "" {
		step = active.Step(session.ActiveStepID)
	}
	if session.ActiveScenarioID == "" {
		active, step = nil, nil
	}

	matchedRules := make([]*model.Rule, len(matched))
	for i, m := range matched {
		matchedRules[i] = m.Rule
	}

	tpl := p.resolveTemplate(ctx, req.TenantID, req.AgentID, matchedRules)

	genReq := &generation.Request{
		System:      agent.SystemPreamble,
		Message:     req.Message,
		History:     history,
		Rules:       matchedRules,
		Scenario:    active,
		Step:        step,
		Memory:      memory,
		ToolResults: toolRecords,
		Variables:   env,
		Template:    tpl,
		Instruction: navigationInstruction(decision),
	}

	var genRes *generation.Result
	err = p.stage(ctx, "generation", res, func(c context.Context) error {
		var gerr error
		genRes, gerr = p.generator.Generate(c, genReq)
		return gerr
	})
	if err != nil {
		return "", 0, nil, nil, err
	}
	text := genRes.Text
	tokens := genRes.TokensUsed

	err = p.stage(ctx, "enforcement", res, func(c context.Context) error {
		all, lerr := p.st.Config.ListRules(c, req.TenantID, req.AgentID)
		if lerr != nil {
			return lerr
		}
		alwaysGlobal := p.cfg.Enforcement.AlwaysEnforceGlobal != nil && *p.cfg.Enforcement.AlwaysEnforceGlobal
		set := enforcement.BuildSet(matchedRules, all, alwaysGlobal)

		regen := func(rc context.Context, instruction string) (string, error) {
			if p.metrics != nil {
				p.metrics.RemediationRetries.Inc()
			}
			rreq := *genReq
			rreq.Template = nil
			rreq.Instruction = instruction
			out, rerr := p.generator.Generate(rc, &rreq)
			if rerr != nil {
				return "", rerr
			}
			tokens += out.TokensUsed
			return out.Text, nil
		}

		outcome, eerr := p.enforcer.Enforce(c, text, req.Message, set, env, regen)
		if eerr != nil {
			return eerr
		}

		verdict := "pass"
		switch {
		case outcome.OK && outcome.Attempts > 1:
			text = outcome.Text
			verdict = "remediated"
		case outcome.OK:
			text = outcome.Text
		default:
			fallback := p.fallbackTemplate(c, req.TenantID, req.AgentID, matchedRules)
			if fallback == nil {
				if p.metrics != nil {
					p.metrics.EnforcementVerdicts.WithLabelValues("violation").Inc()
				}
				return model.NewError(model.ErrRuleViolation,
					"response failed enforcement and no fallback template is bound")
			}
			text, _ = generation.Render(fallback.Text, env)
			verdict = "fallback"
		}
		if p.metrics != nil {
			p.metrics.EnforcementVerdicts.WithLabelValues(verdict).Inc()
		}
		return nil
	})
	if err != nil {
		return "", 0, nil, nil, err
	}

	return text, tokens, matched, toolRecords, nil
}

// persist writes the session and the turn record as a unit: the session
// saves first, and a turn-record failure rolls the session back.
func (p *Pipeline) persist(ctx context.Context, session, before *model.Session, expected time.Time, turn *model.TurnRecord) error {
	if err := p.st.Sessions.Save(ctx, session, expected); err != nil {
		return err
	}
	if err := p.st.Audit.SaveTurn(ctx, turn); err != nil {
		if rerr := p.st.Sessions.Save(ctx, before, session.UpdatedAt); rerr != nil {
			slog.Error("session rollback failed after turn write failure",
				"session", session.ID, "error", rerr)
		}
		return model.WrapError(model.ErrInternal, err, "failed to persist turn record")
	}
	return nil
}

func (p *Pipeline) resolveSession(ctx context.Context, req *Request) (*model.Session, bool, error) {
	if req.SessionID != "" {
		s, err := p.st.Sessions.Get(ctx, req.TenantID, req.SessionID)
		if err != nil {
			return nil, false, err
		}
		return s, false, nil
	}
	s, err := p.st.Sessions.GetByChannel(ctx, req.TenantID, req.AgentID, req.Channel, req.UserChannelID)
	if err == nil {
		return s, false, nil
	}
	if !model.IsKind(err, model.ErrNotFound) {
		return nil, false, err
	}
	return model.NewSession(req.TenantID, req.AgentID, "", req.Channel, req.UserChannelID), true, nil
}

// loadHistory rebuilds the chat transcript from the audit trail, oldest
// first. History is an enrichment; failures degrade to an empty window.
func (p *Pipeline) loadHistory(ctx context.Context, tenantID, sessionID string) []llms.Message {
	turns, err := p.st.Audit.ListTurnsBySession(ctx, tenantID, sessionID, historyWindow, 0)
	if err != nil {
		slog.Warn("turn history unavailable", "session", sessionID, "error", err)
		return nil
	}
	history := make([]llms.Message, 0, len(turns)*2)
	for i := len(turns) - 1; i >= 0; i-- {
		history = append(history, llms.User(turns[i].UserMessage))
		history = append(history, llms.Assistant(turns[i].AgentResponse))
	}
	return history
}

// resolveTemplate binds the highest-priority matched rule's EXCLUSIVE or
// SUGGEST template, if any.
func (p *Pipeline) resolveTemplate(ctx context.Context, tenantID, agentID string, matched []*model.Rule) *model.Template {
	for _, r := range matched {
		if r.TemplateID == "" {
			continue
		}
		tpl, err := p.st.Config.GetTemplate(ctx, tenantID, agentID, r.TemplateID)
		if err != nil {
			slog.Warn("rule template unavailable", "rule", r.ID, "template", r.TemplateID, "error", err)
			continue
		}
		if tpl.Mode == model.TemplateModeExclusive || tpl.Mode == model.TemplateModeSuggest {
			return tpl
		}
	}
	return nil
}

// fallbackTemplate finds a FALLBACK-mode template bound to a matched rule.
func (p *Pipeline) fallbackTemplate(ctx context.Context, tenantID, agentID string, matched []*model.Rule) *model.Template {
	for _, r := range matched {
		if r.TemplateID == "" {
			continue
		}
		tpl, err := p.st.Config.GetTemplate(ctx, tenantID, agentID, r.TemplateID)
		if err != nil {
			continue
		}
		if tpl.Mode == model.TemplateModeFallback {
			return tpl
		}
	}
	return nil
}

// clarificationText answers an ambiguous message without retrieval or
// generation.
func (p *Pipeline) clarificationText(ctx context.Context, tenantID, agentID string, agent *model.Agent, env map[string]model.Value) string {
	if agent.ClarificationTemplateID != "" {
		if tpl, err := p.st.Config.GetTemplate(ctx, tenantID, agentID, agent.ClarificationTemplateID); err == nil {
			text, _ := generation.Render(tpl.Text, env)
			return text
		}
	}
	return "I want to make sure I help with the right thing. Could you tell me a bit more about what you need?"
}

// gapFillQuestion asks for the fields a migration could not resolve.
func gapFillQuestion(fields []string) string {
	var b strings.Builder
	b.WriteString("Before we continue, I need ")
	for i, f := range fields {
		if i > 0 {
			if i == len(fields)-1 {
				b.WriteString(" and ")
			} else {
				b.WriteString(", ")
			}
		}
		b.WriteString("your ")
		b.WriteString(strings.ReplaceAll(f, "_", " "))
	}
	b.WriteString(".")
	return b.String()
}

// navigationInstruction turns a CLARIFY or ESCALATE verdict into a
// generation directive.
func navigationInstruction(d *scenario.Decision) string {
	switch d.Action {
	case scenario.ActionClarify:
		if d.Reason != "" {
			return "Ask one short clarifying question before proceeding: " + d.Reason
		}
		return "Ask one short clarifying question before proceeding."
	case scenario.ActionEscalate:
		return "Let the customer know a human colleague will take over from here, and summarize what has been gathered so far."
	}
	return ""
}

// mergeEnv layers profile fields, then session variables, then context
// entities; later layers win.
func mergeEnv(profile *model.CustomerProfile, session *model.Session, entities map[string]model.Value) map[string]model.Value {
	env := make(map[string]model.Value)
	if profile != nil {
		for name, f := range profile.Fields {
			if !f.Value.IsZero() {
				env[name] = f.Value
			}
		}
	}
	env = model.MergeVariables(env, session.Variables)
	env = model.MergeVariables(env, entities)
	return env
}

// stage runs fn inside a span and records its wall time.
func (p *Pipeline) stage(ctx context.Context, name string, res *Result, fn func(context.Context) error) error {
	sctx, span := p.tracer.StartStage(ctx, name)
	start := time.Now()
	err := fn(sctx)
	elapsed := time.Since(start)
	if err != nil {
		p.tracer.RecordError(span, err)
	}
	span.End()

	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}
	res.StageTimings = append(res.StageTimings, StageTiming{Stage: name, DurationMS: elapsed.Milliseconds()})
	return err
}
