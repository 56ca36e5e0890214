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

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/model"
)

// Result is the outcome of one tool invocation.
type Result struct {
	ToolID  string
	Inputs  map[string]model.Value
	Outputs map[string]model.Value
	Success bool
	Err     error
}

// Record converts the result into its audit form.
func (r Result) Record() model.ToolCallRecord {
	rec := model.ToolCallRecord{
		ToolID:  r.ToolID,
		Inputs:  r.Inputs,
		Outputs: r.Outputs,
		Success: r.Success,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// Executor runs tools bounded-parallel with a per-tool timeout. Activation
// policy overrides beat the pipeline defaults.
type Executor struct {
	registry *Registry
	cfg      config.ToolExecutionConfig
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, cfg config.ToolExecutionConfig) *Executor {
	cfg.SetDefaults()
	return &Executor{registry: registry, cfg: cfg}
}

// Execute runs the given tools against the merged variable environment and
// returns one Result per tool, ordered by tool id. Unknown and disabled
// tools produce failed results. With fail-fast enabled the first error
// cancels in-flight siblings and Execute returns that error alongside the
// results gathered so far.
func (e *Executor) Execute(ctx context.Context, toolIDs []string, activations []*model.ToolActivation, env map[string]model.Value) ([]Result, error) {
	if len(toolIDs) == 0 {
		return nil, nil
	}

	policy := make(map[string]*model.ToolActivation, len(activations))
	for _, a := range activations {
		policy[a.ToolID] = a
	}

	// Deduplicate while keeping a deterministic order.
	seen := make(map[string]struct{}, len(toolIDs))
	ids := make([]string, 0, len(toolIDs))
	for _, id := range toolIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	failFast := e.cfg.FailFast != nil && *e.cfg.FailFast

	results := make([]Result, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallel)

	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res := e.runOne(gctx, id, policy[id], env)
			results[i] = res
			if failFast && res.Err != nil {
				return fmt.Errorf("tool %s failed: %w", id, res.Err)
			}
			return nil
		})
	}

	err := g.Wait()
	return results, err
}

// runOne executes a single tool with its resolved inputs and timeout.
func (e *Executor) runOne(ctx context.Context, id string, activation *model.ToolActivation, env map[string]model.Value) Result {
	res := Result{ToolID: id}

	if activation == nil || !activation.Enabled {
		res.Err = model.NewError(model.ErrValidation, "tool %s is not activated", id)
		return res
	}
	tool, ok := e.registry.Get(id)
	if !ok {
		res.Err = model.NotFound("tool", id)
		return res
	}

	inputs := make(map[string]model.Value, len(tool.InputKeys()))
	for _, key := range tool.InputKeys() {
		inputs[key] = env[key]
	}
	res.Inputs = inputs

	timeout := time.Duration(e.cfg.TimeoutMS) * time.Millisecond
	if activation.TimeoutMS > 0 {
		timeout = time.Duration(activation.TimeoutMS) * time.Millisecond
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	outputs, err := tool.Execute(toolCtx, inputs)
	if err != nil {
		slog.Warn("tool execution failed", "tool", id, "duration", time.Since(start), "error", err)
		res.Err = model.WrapError(model.ErrToolFailed, err, "tool %s", id)
		return res
	}

	res.Outputs = outputs
	res.Success = true
	return res
}

// MergeOutputs folds successful tool outputs into the variable map,
// later tools winning on key collisions, and returns it.
func MergeOutputs(vars map[string]model.Value, results []Result) map[string]model.Value {
	for _, r := range results {
		if !r.Success {
			continue
		}
		vars = model.MergeVariables(vars, r.Outputs)
	}
	return vars
}
