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

// Package tools defines the tool abstraction and the bounded-parallel,
// timeboxed executor that runs the tools attached to matched rules.
package tools

import (
	"context"

	"github.com/guidepost-ai/guidepost/pkg/model"
	"github.com/guidepost-ai/guidepost/pkg/registry"
)

// Tool is one executable capability an agent can invoke during a turn.
// Implementations must be safe for concurrent use.
type Tool interface {
	// ID is the stable identifier rules attach to.
	ID() string

	// Description is shown to operators and, where useful, to prompts.
	Description() string

	// InputKeys names the variables the tool reads from the merged
	// environment (context entities, session variables, profile fields).
	// Missing keys are passed as zero Values; the tool decides whether
	// that is an error.
	InputKeys() []string

	// Execute runs the tool. Outputs are merged back into session
	// variables under the returned keys.
	Execute(ctx context.Context, inputs map[string]model.Value) (map[string]model.Value, error)
}

// Registry holds the tools known to the engine.
type Registry struct {
	*registry.Registry[Tool]
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{Registry: registry.New[Tool]()}
}

// Add registers a tool under its own ID.
func (r *Registry) Add(t Tool) error {
	return r.Register(t.ID(), t)
}

// FuncTool adapts a plain function into a Tool. Useful for built-ins and
// tests.
type FuncTool struct {
	ToolID   string
	Desc     string
	Inputs   []string
	ExecFunc func(ctx context.Context, inputs map[string]model.Value) (map[string]model.Value, error)
}

var _ Tool = (*FuncTool)(nil)

func (t *FuncTool) ID() string          { return t.ToolID }
func (t *FuncTool) Description() string { return t.Desc }
func (t *FuncTool) InputKeys() []string { return t.Inputs }

func (t *FuncTool) Execute(ctx context.Context, inputs map[string]model.Value) (map[string]model.Value, error) {
	return t.ExecFunc(ctx, inputs)
}
