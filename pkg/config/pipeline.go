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

package config

import (
	"fmt"

	"github.com/guidepost-ai/guidepost/pkg/selection"
)

// PipelineConfig groups the per-stage settings of the turn pipeline.
type PipelineConfig struct {
	ContextExtraction ContextExtractionConfig `yaml:"context_extraction,omitempty"`
	Retrieval         RetrievalConfig         `yaml:"retrieval,omitempty"`
	Reranking         RerankingConfig         `yaml:"reranking,omitempty"`
	RuleFilter        RuleFilterConfig        `yaml:"rule_filter,omitempty"`
	ScenarioFilter    ScenarioFilterConfig    `yaml:"scenario_filter,omitempty"`
	ToolExecution     ToolExecutionConfig     `yaml:"tool_execution,omitempty"`
	Generation        GenerationConfig        `yaml:"generation,omitempty"`
	Enforcement       EnforcementConfig       `yaml:"enforcement,omitempty"`

	// IdempotencyTTLSeconds bounds how long completed turn responses are
	// replayable by idempotency key.
	IdempotencyTTLSeconds int `yaml:"idempotency_ttl_seconds,omitempty"`

	// SessionLockStripes sizes the per-session lock table.
	SessionLockStripes int `yaml:"session_lock_stripes,omitempty"`
}

// SetDefaults applies default values to every stage.
func (c *PipelineConfig) SetDefaults() {
	c.ContextExtraction.SetDefaults()
	c.Retrieval.SetDefaults()
	c.Reranking.SetDefaults()
	c.RuleFilter.SetDefaults()
	c.ScenarioFilter.SetDefaults()
	c.ToolExecution.SetDefaults()
	c.Generation.SetDefaults()
	c.Enforcement.SetDefaults()
	if c.IdempotencyTTLSeconds == 0 {
		c.IdempotencyTTLSeconds = 3600
	}
	if c.SessionLockStripes == 0 {
		c.SessionLockStripes = 256
	}
}

// Validate checks every stage.
func (c *PipelineConfig) Validate() error {
	if err := c.ContextExtraction.Validate(); err != nil {
		return fmt.Errorf("context_extraction: %w", err)
	}
	if err := c.Retrieval.Validate(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if err := c.RuleFilter.Validate(); err != nil {
		return fmt.Errorf("rule_filter: %w", err)
	}
	if err := c.ScenarioFilter.Validate(); err != nil {
		return fmt.Errorf("scenario_filter: %w", err)
	}
	if err := c.ToolExecution.Validate(); err != nil {
		return fmt.Errorf("tool_execution: %w", err)
	}
	if err := c.Generation.Validate(); err != nil {
		return fmt.Errorf("generation: %w", err)
	}
	if err := c.Enforcement.Validate(); err != nil {
		return fmt.Errorf("enforcement: %w", err)
	}
	return nil
}

// ContextExtractionMode selects how turn context is derived.
type ContextExtractionMode string

const (
	ExtractionModeLLM           ContextExtractionMode = "llm"
	ExtractionModeEmbeddingOnly ContextExtractionMode = "embedding_only"
	ExtractionModeDisabled      ContextExtractionMode = "disabled"
)

// ContextExtractionConfig configures the context extraction stage.
type ContextExtractionConfig struct {
	Mode ContextExtractionMode `yaml:"mode,omitempty"`

	// Model names the LLM used in llm mode. Empty means the default LLM.
	Model string `yaml:"model,omitempty"`

	// HistoryTurns bounds how much conversation history the extractor sees.
	HistoryTurns int `yaml:"history_turns,omitempty"`
}

// SetDefaults applies default values.
func (c *ContextExtractionConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ExtractionModeLLM
	}
	if c.HistoryTurns == 0 {
		c.HistoryTurns = 6
	}
}

// Validate checks the extraction configuration.
func (c *ContextExtractionConfig) Validate() error {
	switch c.Mode {
	case ExtractionModeLLM, ExtractionModeEmbeddingOnly, ExtractionModeDisabled:
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if c.HistoryTurns < 0 {
		return fmt.Errorf("history_turns must not be negative")
	}
	return nil
}

// RetrievalConfig configures the hybrid retrieval stage.
type RetrievalConfig struct {
	// EmbeddingModel names the embedder used for query vectors. Empty
	// means the default embedder.
	EmbeddingModel string `yaml:"embedding_model,omitempty"`

	// TopK is the raw candidate count fetched per scope before selection.
	TopK int `yaml:"top_k,omitempty"`

	// MinScore drops candidates below this similarity.
	MinScore float64 `yaml:"min_score,omitempty"`

	// Selection configures dynamic k-selection over the merged candidates.
	Selection selection.Config `yaml:"selection,omitempty"`

	// MemoryTopK bounds retrieved memory episodes.
	MemoryTopK int `yaml:"memory_top_k,omitempty"`
}

// SetDefaults applies default values.
func (c *RetrievalConfig) SetDefaults() {
	if c.TopK == 0 {
		c.TopK = 20
	}
	if c.MinScore == 0 {
		c.MinScore = 0.3
	}
	if c.MemoryTopK == 0 {
		c.MemoryTopK = 5
	}
	if c.Selection.MinScore == 0 {
		c.Selection.MinScore = c.MinScore
	}
	c.Selection.SetDefaults()
}

// Validate checks the retrieval configuration.
func (c *RetrievalConfig) Validate() error {
	if c.TopK <= 0 {
		return fmt.Errorf("top_k must be positive")
	}
	if _, err := selection.New(c.Selection); err != nil {
		return fmt.Errorf("selection: %w", err)
	}
	return nil
}

// RerankingConfig configures the optional rerank stage.
type RerankingConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Model   string `yaml:"model,omitempty"`
	TopK    int    `yaml:"top_k,omitempty"`
}

// SetDefaults applies default values.
func (c *RerankingConfig) SetDefaults() {
	if c.TopK == 0 {
		c.TopK = 10
	}
}

// RuleFilterConfig configures the LLM rule-relevance judge.
type RuleFilterConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Model   string `yaml:"model,omitempty"`

	// BatchSize bounds how many candidate rules go into one judge prompt.
	BatchSize int `yaml:"batch_size,omitempty"`

	// RelevanceThreshold gates inclusion of a matched rule.
	RelevanceThreshold float64 `yaml:"relevance_threshold,omitempty"`

	// MaxRules caps the matched set.
	MaxRules int `yaml:"max_rules,omitempty"`
}

// SetDefaults applies default values.
func (c *RuleFilterConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.BatchSize == 0 {
		c.BatchSize = 5
	}
	if c.RelevanceThreshold == 0 {
		c.RelevanceThreshold = 0.6
	}
	if c.MaxRules == 0 {
		c.MaxRules = 15
	}
}

// Validate checks the rule filter configuration.
func (c *RuleFilterConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.RelevanceThreshold < 0 || c.RelevanceThreshold > 1 {
		return fmt.Errorf("relevance_threshold must be in [0, 1]")
	}
	return nil
}

// FallbackBehavior selects what the navigator does when no transition
// is confident enough.
type FallbackBehavior string

const (
	FallbackClarify  FallbackBehavior = "clarify"
	FallbackStay     FallbackBehavior = "stay"
	FallbackEscalate FallbackBehavior = "escalate"
)

// ScenarioFilterConfig configures scenario navigation.
type ScenarioFilterConfig struct {
	// TransitionThreshold is the minimum score to take a transition.
	TransitionThreshold float64 `yaml:"transition_threshold,omitempty"`

	// SanityThreshold is the floor below which candidates are discarded
	// outright.
	SanityThreshold float64 `yaml:"sanity_threshold,omitempty"`

	// MinMargin is the required gap between the best and second-best
	// candidate before skipping LLM adjudication.
	MinMargin float64 `yaml:"min_margin,omitempty"`

	// StickinessBoost is added to candidates that stay inside the
	// current scenario.
	StickinessBoost float64 `yaml:"stickiness_boost,omitempty"`

	// ExitIntentThreshold is the score a competing scenario entry must
	// exceed to pull the session out of the active scenario.
	ExitIntentThreshold float64 `yaml:"exit_intent_threshold,omitempty"`

	// LLMAdjudicationEnabled allows an LLM tie-break between close
	// candidates.
	LLMAdjudicationEnabled *bool  `yaml:"llm_adjudication_enabled,omitempty"`
	AdjudicationModel      string `yaml:"adjudication_model,omitempty"`

	// MaxLoopCount is how many visits to the same step inside the
	// detection window count as a loop.
	MaxLoopCount int `yaml:"max_loop_count,omitempty"`

	// LoopDetectionWindow is the step-history window examined for loops.
	LoopDetectionWindow int `yaml:"loop_detection_window,omitempty"`

	RelocalizationEnabled *bool `yaml:"relocalization_enabled,omitempty"`

	// RelocalizationThreshold is the minimum similarity for snapping the
	// session to a different step of the active scenario.
	RelocalizationThreshold float64 `yaml:"relocalization_threshold,omitempty"`

	// RelocalizationTriggerTurns is how many consecutive low-confidence
	// turns trigger a re-localization attempt.
	RelocalizationTriggerTurns int `yaml:"relocalization_trigger_turns,omitempty"`

	// MaxRelocalizationHops bounds re-localizations per session.
	MaxRelocalizationHops int `yaml:"max_relocalization_hops,omitempty"`

	FallbackBehavior FallbackBehavior `yaml:"fallback_behavior,omitempty"`

	// MaxClarificationsPerStep bounds repeated clarification questions
	// before escalating.
	MaxClarificationsPerStep int `yaml:"max_clarifications_per_step,omitempty"`
}

// SetDefaults applies default values.
func (c *ScenarioFilterConfig) SetDefaults() {
	if c.TransitionThreshold == 0 {
		c.TransitionThreshold = 0.7
	}
	if c.SanityThreshold == 0 {
		c.SanityThreshold = 0.4
	}
	if c.MinMargin == 0 {
		c.MinMargin = 0.1
	}
	if c.StickinessBoost == 0 {
		c.StickinessBoost = 0.15
	}
	if c.ExitIntentThreshold == 0 {
		c.ExitIntentThreshold = 0.85
	}
	if c.LLMAdjudicationEnabled == nil {
		c.LLMAdjudicationEnabled = BoolPtr(true)
	}
	if c.MaxLoopCount == 0 {
		c.MaxLoopCount = 3
	}
	if c.LoopDetectionWindow == 0 {
		c.LoopDetectionWindow = 10
	}
	if c.RelocalizationEnabled == nil {
		c.RelocalizationEnabled = BoolPtr(true)
	}
	if c.RelocalizationThreshold == 0 {
		c.RelocalizationThreshold = 0.75
	}
	if c.RelocalizationTriggerTurns == 0 {
		c.RelocalizationTriggerTurns = 2
	}
	if c.MaxRelocalizationHops == 0 {
		c.MaxRelocalizationHops = 3
	}
	if c.FallbackBehavior == "" {
		c.FallbackBehavior = FallbackClarify
	}
	if c.MaxClarificationsPerStep == 0 {
		c.MaxClarificationsPerStep = 2
	}
}

// Validate checks the scenario filter configuration.
func (c *ScenarioFilterConfig) Validate() error {
	switch c.FallbackBehavior {
	case FallbackClarify, FallbackStay, FallbackEscalate:
	default:
		return fmt.Errorf("invalid fallback_behavior %q", c.FallbackBehavior)
	}
	if c.SanityThreshold > c.TransitionThreshold {
		return fmt.Errorf("sanity_threshold must not exceed transition_threshold")
	}
	return nil
}

// ToolExecutionConfig configures the tool execution stage.
type ToolExecutionConfig struct {
	// TimeoutMS bounds a single tool call.
	TimeoutMS int `yaml:"timeout_ms,omitempty"`

	// MaxParallel bounds concurrent tool calls within a turn.
	MaxParallel int `yaml:"max_parallel,omitempty"`

	// FailFast cancels in-flight siblings on the first tool error.
	FailFast *bool `yaml:"fail_fast,omitempty"`
}

// SetDefaults applies default values.
func (c *ToolExecutionConfig) SetDefaults() {
	if c.TimeoutMS == 0 {
		c.TimeoutMS = 10000
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = 4
	}
	if c.FailFast == nil {
		c.FailFast = BoolPtr(false)
	}
}

// Validate checks the tool execution configuration.
func (c *ToolExecutionConfig) Validate() error {
	if c.TimeoutMS <= 0 {
		return fmt.Errorf("timeout_ms must be positive")
	}
	if c.MaxParallel <= 0 {
		return fmt.Errorf("max_parallel must be positive")
	}
	return nil
}

// GenerationConfig configures the response generation stage.
type GenerationConfig struct {
	Model       string   `yaml:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`

	// PromptBudgetTokens bounds the assembled prompt size. Zero disables
	// budgeting.
	PromptBudgetTokens int `yaml:"prompt_budget_tokens,omitempty"`
}

// SetDefaults applies default values.
func (c *GenerationConfig) SetDefaults() {
	if c.Temperature == nil {
		c.Temperature = Float64Ptr(0.7)
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
}

// Validate checks the generation configuration.
func (c *GenerationConfig) Validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	return nil
}

// EnforcementConfig configures the two-lane enforcement stage.
type EnforcementConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`

	// MaxRetries bounds remediation re-generations after a failed check.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// DeterministicEnabled runs expression-based checks (lane 1).
	DeterministicEnabled *bool `yaml:"deterministic_enabled,omitempty"`

	// LLMJudgeEnabled runs the LLM judge (lane 2).
	LLMJudgeEnabled *bool  `yaml:"llm_judge_enabled,omitempty"`
	JudgeModel      string `yaml:"judge_model,omitempty"`

	// AlwaysEnforceGlobal checks GLOBAL hard constraints even when the
	// rule filter did not match them.
	AlwaysEnforceGlobal *bool `yaml:"always_enforce_global,omitempty"`

	RelevanceCheckEnabled *bool   `yaml:"relevance_check_enabled,omitempty"`
	RelevanceThreshold    float64 `yaml:"relevance_threshold,omitempty"`

	// RefusalBypass skips the relevance check when the response is a
	// legitimate refusal.
	RefusalBypass *bool `yaml:"refusal_bypass,omitempty"`

	GroundingCheckEnabled *bool   `yaml:"grounding_check_enabled,omitempty"`
	GroundingThreshold    float64 `yaml:"grounding_threshold,omitempty"`

	// ResponseFlags maps a boolean variable name to the phrases that set
	// it when the candidate response mentions any of them. The flags are
	// bound into the expression environment alongside the extracted
	// numeric amounts.
	ResponseFlags map[string][]string `yaml:"response_flags,omitempty"`
}

// SetDefaults applies default values.
func (c *EnforcementConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.DeterministicEnabled == nil {
		c.DeterministicEnabled = BoolPtr(true)
	}
	if c.LLMJudgeEnabled == nil {
		c.LLMJudgeEnabled = BoolPtr(true)
	}
	if c.AlwaysEnforceGlobal == nil {
		c.AlwaysEnforceGlobal = BoolPtr(true)
	}
	if c.RelevanceCheckEnabled == nil {
		c.RelevanceCheckEnabled = BoolPtr(false)
	}
	if c.RelevanceThreshold == 0 {
		c.RelevanceThreshold = 0.5
	}
	if c.RefusalBypass == nil {
		c.RefusalBypass = BoolPtr(true)
	}
	if c.GroundingCheckEnabled == nil {
		c.GroundingCheckEnabled = BoolPtr(false)
	}
	if c.GroundingThreshold == 0 {
		c.GroundingThreshold = 0.5
	}
}

// Validate checks the enforcement configuration.
func (c *EnforcementConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}
