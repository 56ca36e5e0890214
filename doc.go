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

// Package guidepost is a multi-tenant conversational alignment engine.
//
// Every inbound customer message runs through a turn pipeline: context
// extraction, scoped hybrid retrieval of behavioral rules and scenario
// entry points, LLM rule filtering, scenario graph navigation, attached
// tool execution, grounded response generation, and two-lane enforcement
// of hard constraints before anything is delivered. Sessions, customer
// profiles and an immutable turn audit persist behind store interfaces
// with in-memory and SQL implementations; episodic memory lives in a
// vector index and is fed by an async ingest queue.
//
// Scenario definitions are versioned. Deploying a new version plans a
// migration per anchor step (clean graft, gap fill, or re-route) and
// live sessions are reconciled just in time on their next turn.
//
// The engine is embedded through pkg/pipeline or served over HTTP:
//
//	guidepost serve --config guidepost.yaml
//
// See cmd/guidepost for the CLI and pkg/config for the configuration
// surface.
package guidepost
