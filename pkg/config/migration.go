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

import "fmt"

// MigrationConfig configures scenario-version migration.
type MigrationConfig struct {
	// RetainVersions keeps this many prior scenario versions deployable
	// for composite mapping.
	RetainVersions int `yaml:"retain_versions,omitempty"`

	GapFill GapFillConfig `yaml:"gap_fill,omitempty"`

	// ReRoutingEnabled permits RE_ROUTE policies; disabled planners mark
	// removed anchors as warnings instead.
	ReRoutingEnabled *bool `yaml:"re_routing_enabled,omitempty"`

	// CheckpointEnabled snapshots the session before a JIT migration is
	// applied, allowing rollback on executor failure.
	CheckpointEnabled *bool `yaml:"checkpoint_enabled,omitempty"`

	// LogDecisions emits a structured log line per anchor decision.
	LogDecisions *bool `yaml:"log_decisions,omitempty"`
}

// GapFillConfig gates how confidently an extracted value may fill a
// missing required field.
type GapFillConfig struct {
	// UseThreshold is the minimum extraction confidence to use a value
	// at all (with user confirmation).
	UseThreshold float64 `yaml:"use_threshold,omitempty"`

	// NoConfirmThreshold is the confidence above which a value is used
	// and persisted without asking the user.
	NoConfirmThreshold float64 `yaml:"no_confirm_threshold,omitempty"`

	// Model names the LLM used for conversation extraction. Empty means
	// the default LLM.
	Model string `yaml:"model,omitempty"`
}

// SetDefaults applies default values.
func (c *MigrationConfig) SetDefaults() {
	if c.RetainVersions == 0 {
		c.RetainVersions = 5
	}
	if c.ReRoutingEnabled == nil {
		c.ReRoutingEnabled = BoolPtr(true)
	}
	if c.CheckpointEnabled == nil {
		c.CheckpointEnabled = BoolPtr(true)
	}
	if c.LogDecisions == nil {
		c.LogDecisions = BoolPtr(true)
	}
	if c.GapFill.UseThreshold == 0 {
		c.GapFill.UseThreshold = 0.6
	}
	if c.GapFill.NoConfirmThreshold == 0 {
		c.GapFill.NoConfirmThreshold = 0.85
	}
}

// Validate checks the migration configuration.
func (c *MigrationConfig) Validate() error {
	if c.RetainVersions < 1 {
		return fmt.Errorf("retain_versions must be at least 1")
	}
	if c.GapFill.UseThreshold > c.GapFill.NoConfirmThreshold {
		return fmt.Errorf("gap_fill.use_threshold must not exceed no_confirm_threshold")
	}
	return nil
}

// IngestConfig configures the async ingest worker.
type IngestConfig struct {
	// QueueSize bounds the in-flight ingest backlog.
	QueueSize int `yaml:"queue_size,omitempty"`

	// Workers is the consumer goroutine count.
	Workers int `yaml:"workers,omitempty"`

	// MaxAttempts bounds redelivery of a failing item.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// RetryBackoffMS is the base delay between redeliveries.
	RetryBackoffMS int `yaml:"retry_backoff_ms,omitempty"`
}

// SetDefaults applies default values.
func (c *IngestConfig) SetDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 1024
	}
	if c.Workers == 0 {
		c.Workers = 2
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoffMS == 0 {
		c.RetryBackoffMS = 500
	}
}

// Validate checks the ingest configuration.
func (c *IngestConfig) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	return nil
}
