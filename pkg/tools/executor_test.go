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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/model"
)

func activation(toolID string) *model.ToolActivation {
	return &model.ToolActivation{
		AgentHeader: model.NewAgentHeader("t1", "a1"),
		ToolID:      toolID,
		Enabled:     true,
	}
}

func echoTool(id string, keys ...string) *FuncTool {
	return &FuncTool{
		ToolID: id,
		Inputs: keys,
		ExecFunc: func(_ context.Context, inputs map[string]model.Value) (map[string]model.Value, error) {
			out := make(map[string]model.Value, len(inputs))
			for k, v := range inputs {
				out[id+"_"+k] = v
			}
			return out, nil
		},
	}
}

func TestExecutorRunsToolsWithResolvedInputs(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(echoTool("lookup_order", "order_id")))

	e := NewExecutor(reg, config.ToolExecutionConfig{})
	env := map[string]model.Value{
		"order_id": model.StringValue("A-100"),
		"noise":    model.StringValue("ignored"),
	}

	results, err := e.Execute(context.Background(), []string{"lookup_order"},
		[]*model.ToolActivation{activation("lookup_order")}, env)
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.True(t, res.Success)
	assert.Equal(t, "A-100", res.Inputs["order_id"].AsString())
	assert.NotContains(t, res.Inputs, "noise")
	assert.Equal(t, "A-100", res.Outputs["lookup_order_order_id"].AsString())
}

func TestExecutorUnknownAndInactiveTools(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(echoTool("known")))

	inactive := activation("known")
	inactive.Enabled = false

	e := NewExecutor(reg, config.ToolExecutionConfig{})

	results, err := e.Execute(context.Background(), []string{"known", "ghost"},
		[]*model.ToolActivation{inactive, activation("ghost")}, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]Result{}
	for _, r := range results {
		byID[r.ToolID] = r
	}
	assert.False(t, byID["ghost"].Success)
	assert.True(t, model.IsKind(byID["ghost"].Err, model.ErrNotFound))
	assert.False(t, byID["known"].Success)
	assert.True(t, model.IsKind(byID["known"].Err, model.ErrValidation))
}

func TestExecutorTimeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(&FuncTool{
		ToolID: "slow",
		ExecFunc: func(ctx context.Context, _ map[string]model.Value) (map[string]model.Value, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return nil, nil
			}
		},
	}))

	act := activation("slow")
	act.TimeoutMS = 20

	e := NewExecutor(reg, config.ToolExecutionConfig{})
	results, err := e.Execute(context.Background(), []string{"slow"}, []*model.ToolActivation{act}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.True(t, model.IsKind(results[0].Err, model.ErrToolFailed))
}

func TestExecutorBoundedParallelism(t *testing.T) {
	var running, peak atomic.Int32

	reg := NewRegistry()
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		require.NoError(t, reg.Add(&FuncTool{
			ToolID: id,
			ExecFunc: func(_ context.Context, _ map[string]model.Value) (map[string]model.Value, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				return nil, nil
			},
		}))
	}

	e := NewExecutor(reg, config.ToolExecutionConfig{MaxParallel: 2})
	ids := []string{"t1", "t2", "t3", "t4", "t5", "t6"}
	acts := make([]*model.ToolActivation, len(ids))
	for i, id := range ids {
		acts[i] = activation(id)
	}

	results, err := e.Execute(context.Background(), ids, acts, nil)
	require.NoError(t, err)
	assert.Len(t, results, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecutorFailFast(t *testing.T) {
	boom := errors.New("boom")
	var ran atomic.Int32

	reg := NewRegistry()
	require.NoError(t, reg.Add(&FuncTool{
		ToolID: "a_failing",
		ExecFunc: func(_ context.Context, _ map[string]model.Value) (map[string]model.Value, error) {
			return nil, boom
		},
	}))
	require.NoError(t, reg.Add(&FuncTool{
		ToolID: "b_slow",
		ExecFunc: func(ctx context.Context, _ map[string]model.Value) (map[string]model.Value, error) {
			ran.Add(1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return map[string]model.Value{"done": model.BoolValue(true)}, nil
			}
		},
	}))

	e := NewExecutor(reg, config.ToolExecutionConfig{
		MaxParallel: 2,
		FailFast:    config.BoolPtr(true),
	})

	start := time.Now()
	_, err := e.Execute(context.Background(), []string{"a_failing", "b_slow"},
		[]*model.ToolActivation{activation("a_failing"), activation("b_slow")}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestMergeOutputs(t *testing.T) {
	results := []Result{
		{ToolID: "ok", Success: true, Outputs: map[string]model.Value{
			"balance": model.NumberValue(42),
		}},
		{ToolID: "failed", Success: false, Outputs: map[string]model.Value{
			"poison": model.StringValue("nope"),
		}},
	}

	vars := MergeOutputs(map[string]model.Value{"existing": model.BoolValue(true)}, results)
	assert.Contains(t, vars, "existing")
	assert.Contains(t, vars, "balance")
	assert.NotContains(t, vars, "poison")
}
