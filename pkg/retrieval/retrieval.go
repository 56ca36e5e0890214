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

// Package retrieval gathers the candidate material for a turn: rules in
// scope, scenario entry candidates and relevant memory episodes. Scores
// come from embedding similarity, optionally refined by a reranker, and
// the final rule set is cut by a dynamic k-selection strategy.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/model"
	"github.com/guidepost-ai/guidepost/pkg/rerank"
	"github.com/guidepost-ai/guidepost/pkg/selection"
	"github.com/guidepost-ai/guidepost/pkg/stores"
	"github.com/guidepost-ai/guidepost/pkg/vector"
)

// RuleCandidate is a retrieved rule with its retrieval score.
type RuleCandidate struct {
	Rule  *model.Rule
	Score float64
}

// ScenarioCandidate is a scenario scored as an entry candidate.
type ScenarioCandidate struct {
	Scenario *model.Scenario
	Score    float64
}

// Retriever assembles turn candidates from the config and memory stores.
type Retriever struct {
	cfg      config.RetrievalConfig
	rerankTo config.RerankingConfig
	configs  stores.ConfigStore
	memory   stores.MemoryStore
	reranker rerank.Provider
	selector selection.Strategy
}

// New creates a retriever. The memory store and reranker may be nil; the
// corresponding stages then no-op.
func New(cfg config.RetrievalConfig, rr config.RerankingConfig, configs stores.ConfigStore, memory stores.MemoryStore, reranker rerank.Provider) (*Retriever, error) {
	cfg.SetDefaults()
	rr.SetDefaults()
	selector, err := selection.New(cfg.Selection)
	if err != nil {
		return nil, fmt.Errorf("invalid selection config: %w", err)
	}
	return &Retriever{
		cfg:      cfg,
		rerankTo: rr,
		configs:  configs,
		memory:   memory,
		reranker: reranker,
		selector: selector,
	}, nil
}

// RetrieveRules returns the rules in scope for the turn, scored against
// the context embedding, reranked when configured and cut by the
// selection strategy. Global rules are always in scope; scenario and
// step rules only while the session sits inside their target.
func (r *Retriever) RetrieveRules(ctx context.Context, tenantID, agentID string, session *model.Session, tc *model.Context) ([]RuleCandidate, error) {
	rules, err := r.configs.ListRules(ctx, tenantID, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	turn := session.TurnCount + 1
	candidates := make([]RuleCandidate, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled || !r.inScope(rule, session) {
			continue
		}
		if !rule.FireAllowed(session.RuleFires[rule.ID], session.RuleLastFireTurn[rule.ID], turn) {
			continue
		}
		score := vector.CosineSimilarity(tc.Embedding, rule.Embedding)
		if score < r.cfg.MinScore {
			continue
		}
		candidates = append(candidates, RuleCandidate{Rule: rule, Score: score})
	}

	sortRuleCandidates(candidates)
	if len(candidates) > r.cfg.TopK {
		candidates = candidates[:r.cfg.TopK]
	}

	candidates, err = r.rerankRules(ctx, tc.Message, candidates)
	if err != nil {
		// Reranking refines ordering; losing it is not worth failing
		// the turn.
		slog.Warn("rerank stage skipped", "error", err)
	}

	return r.selectRules(candidates), nil
}

func (r *Retriever) inScope(rule *model.Rule, session *model.Session) bool {
	switch rule.Scope {
	case model.RuleScopeGlobal:
		return true
	case model.RuleScopeScenario:
		return session.ActiveScenarioID != "" && rule.ScopeID == session.ActiveScenarioID
	case model.RuleScopeStep:
		return session.ActiveStepID != "" && rule.ScopeID == session.ActiveStepID
	default:
		return false
	}
}

func (r *Retriever) rerankRules(ctx context.Context, query string, candidates []RuleCandidate) ([]RuleCandidate, error) {
	if !r.rerankTo.Enabled || r.reranker == nil || len(candidates) == 0 {
		return candidates, nil
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Rule.ConditionText
	}
	rankings, err := r.reranker.Rerank(ctx, query, docs, r.rerankTo.TopK)
	if err != nil {
		return candidates, err
	}

	out := make([]RuleCandidate, 0, len(rankings))
	for _, rk := range rankings {
		if rk.Index < 0 || rk.Index >= len(candidates) {
			continue
		}
		out = append(out, RuleCandidate{Rule: candidates[rk.Index].Rule, Score: rk.Score})
	}
	sortRuleCandidates(out)
	return out, nil
}

func (r *Retriever) selectRules(candidates []RuleCandidate) []RuleCandidate {
	if len(candidates) == 0 {
		return nil
	}
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = c.Score
	}
	keep := r.selector.Select(scores)
	out := make([]RuleCandidate, 0, len(keep))
	for _, idx := range keep {
		out = append(out, candidates[idx])
	}
	return out
}

// RetrieveScenarioEntries scores every published scenario as an entry
// candidate for the turn. The score is the best similarity against the
// scenario's entry examples; an exact intent label match scores 1.
func (r *Retriever) RetrieveScenarioEntries(ctx context.Context, tenantID, agentID string, tc *model.Context) ([]ScenarioCandidate, error) {
	scenarios, err := r.configs.ListActiveScenarios(ctx, tenantID, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenarios: %w", err)
	}

	candidates := make([]ScenarioCandidate, 0, len(scenarios))
	for _, sc := range scenarios {
		score := vector.MaxSimilarity(tc.Embedding, sc.EntryEmbeddings)
		if sc.IntentLabel != "" && sc.IntentLabel == tc.IntentLabel {
			score = 1
		}
		if score < r.cfg.MinScore {
			continue
		}
		candidates = append(candidates, ScenarioCandidate{Scenario: sc, Score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Scenario.ID < candidates[j].Scenario.ID
	})
	return candidates, nil
}

// RetrieveMemory fetches the most relevant episodes for the session.
// Without a memory store it returns nothing.
func (r *Retriever) RetrieveMemory(ctx context.Context, tenantID, groupID, query string) ([]stores.EpisodeHit, error) {
	if r.memory == nil {
		return nil, nil
	}
	return r.memory.Search(ctx, tenantID, groupID, query, r.cfg.MemoryTopK)
}

// sortRuleCandidates orders by descending score, rule id breaking ties so
// equal-scored turns replay identically.
func sortRuleCandidates(candidates []RuleCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Rule.ID < candidates[j].Rule.ID
	})
}
