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

package pipeline

import (
	"context"
	"log/slog"

	"github.com/guidepost-ai/guidepost/pkg/model"
	"github.com/guidepost-ai/guidepost/pkg/tools"
)

// refreshVariables resolves the agent's declared variables whose refresh
// policy fires on the given trigger and stores the values on the session.
// A variable resolves through its bound tool; when the tool fails or is
// unbound, an existing session value survives and the declared default
// fills a missing one. ON_DEMAND variables ride the per-turn trigger but
// only resolve while the session has no value for them.
func (p *Pipeline) refreshVariables(ctx context.Context, req *Request, session *model.Session, profile *model.CustomerProfile, trigger model.RefreshPolicy) {
	declared, err := p.st.Config.ListVariables(ctx, req.TenantID, req.AgentID)
	if err != nil {
		slog.Warn("variable listing failed", "tenant", req.TenantID, "agent", req.AgentID, "error", err)
		return
	}

	var due []*model.Variable
	for _, v := range declared {
		switch {
		case v.Refresh == trigger:
		case v.Refresh == model.RefreshOnDemand && trigger == model.RefreshOnEachTurn:
			if _, ok := session.Variables[v.Name]; ok {
				continue
			}
		default:
			continue
		}
		due = append(due, v)
	}
	if len(due) == 0 {
		return
	}

	var resolverIDs []string
	for _, v := range due {
		if v.Resolver != "" {
			resolverIDs = append(resolverIDs, v.Resolver)
		}
	}

	byTool := map[string]tools.Result{}
	if len(resolverIDs) > 0 {
		activations, aerr := p.st.Config.ListToolActivations(ctx, req.TenantID, req.AgentID)
		if aerr != nil {
			slog.Warn("tool activations unavailable for variable refresh", "error", aerr)
		}
		results, rerr := p.executor.Execute(ctx, resolverIDs, activations, mergeEnv(profile, session, nil))
		if rerr != nil {
			slog.Warn("variable resolver execution aborted", "error", rerr)
		}
		for _, r := range results {
			byTool[r.ToolID] = r
		}
	}

	for _, v := range due {
		if val, ok := resolvedValue(byTool[v.Resolver], v.Name); ok {
			session.SetVariable(v.Name, val)
			continue
		}
		if _, ok := session.Variables[v.Name]; ok {
			continue
		}
		if !v.Default.IsZero() {
			session.SetVariable(v.Name, v.Default)
		}
	}
}

// resolvedValue picks the variable's value from a resolver result: the
// output matching the variable name, or the sole output of the tool.
func resolvedValue(r tools.Result, name string) (model.Value, bool) {
	if !r.Success {
		return model.Value{}, false
	}
	if val, ok := r.Outputs[name]; ok {
		return val, true
	}
	if len(r.Outputs) == 1 {
		for _, val := range r.Outputs {
			return val, true
		}
	}
	return model.Value{}, false
}
