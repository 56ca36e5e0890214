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

// Package config defines the engine configuration surface: YAML-backed
// settings structs with SetDefaults/Validate per section, ${ENV} expansion,
// dotenv loading and an optional file watcher for hot reload.
package config

import (
	"fmt"
)

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig              `yaml:"server,omitempty"`
	Logging   LoggingConfig             `yaml:"logging,omitempty"`
	LLMs      map[string]LLMConfig      `yaml:"llms,omitempty"`
	Embedders map[string]EmbedderConfig `yaml:"embedders,omitempty"`
	Rerank    RerankConfig              `yaml:"rerank,omitempty"`
	Vector    VectorConfig              `yaml:"vector,omitempty"`
	Database  DatabaseConfig            `yaml:"database,omitempty"`
	Pipeline  PipelineConfig            `yaml:"pipeline,omitempty"`
	Migration MigrationConfig           `yaml:"migration,omitempty"`
	Ingest    IngestConfig              `yaml:"ingest,omitempty"`
}

// SetDefaults applies default values to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logging.SetDefaults()

	if c.LLMs == nil {
		c.LLMs = map[string]LLMConfig{"default": {}}
	}
	for name, llm := range c.LLMs {
		llm.SetDefaults()
		c.LLMs[name] = llm
	}
	if c.Embedders == nil {
		c.Embedders = map[string]EmbedderConfig{"default": {}}
	}
	for name, emb := range c.Embedders {
		emb.SetDefaults()
		c.Embedders[name] = emb
	}

	c.Rerank.SetDefaults()
	c.Vector.SetDefaults()
	c.Database.SetDefaults()
	c.Pipeline.SetDefaults()
	c.Migration.SetDefaults()
	c.Ingest.SetDefaults()
}

// Validate checks the whole document. Call after SetDefaults.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	for name, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llms.%s: %w", name, err)
		}
	}
	for name, emb := range c.Embedders {
		if err := emb.Validate(); err != nil {
			return fmt.Errorf("embedders.%s: %w", name, err)
		}
	}
	if err := c.Rerank.Validate(); err != nil {
		return fmt.Errorf("rerank: %w", err)
	}
	if err := c.Vector.Validate(); err != nil {
		return fmt.Errorf("vector: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := c.Migration.Validate(); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	return nil
}

// LLM returns the named LLM config, falling back to "default".
func (c *Config) LLM(name string) (LLMConfig, bool) {
	if name == "" {
		name = "default"
	}
	llm, ok := c.LLMs[name]
	if !ok && name != "default" {
		llm, ok = c.LLMs["default"]
	}
	return llm, ok
}

// Embedder returns the named embedder config, falling back to "default".
func (c *Config) Embedder(name string) (EmbedderConfig, bool) {
	if name == "" {
		name = "default"
	}
	e, ok := c.Embedders[name]
	if !ok && name != "default" {
		e, ok = c.Embedders["default"]
	}
	return e, ok
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// ShutdownGraceSeconds bounds graceful shutdown.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds,omitempty"`

	// MetricsEnabled exposes Prometheus metrics on /metrics.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`

	// TracingEnabled turns on OpenTelemetry span export.
	TracingEnabled bool `yaml:"tracing_enabled,omitempty"`

	// OTLPEndpoint is the OTLP/gRPC collector address. Empty means
	// stdout trace export when tracing is enabled.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ShutdownGraceSeconds == 0 {
		c.ShutdownGraceSeconds = 15
	}
	if c.MetricsEnabled == nil {
		c.MetricsEnabled = BoolPtr(true)
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug|info|warn|error
	Format string `yaml:"format,omitempty"` // simple|json
	Output string `yaml:"output,omitempty"` // stderr|stdout|file path
}

// SetDefaults applies default values.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid level %q", c.Level)
	}
	switch c.Format {
	case "simple", "json":
	default:
		return fmt.Errorf("invalid format %q", c.Format)
	}
	return nil
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }

// Float64Ptr returns a pointer to f.
func Float64Ptr(f float64) *float64 { return &f }
