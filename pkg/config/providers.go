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
	"os"
)

// LLMProvider identifies the LLM provider type.
type LLMProvider string

const (
	LLMProviderOpenAI    LLMProvider = "openai"
	LLMProviderAnthropic LLMProvider = "anthropic"
	LLMProviderOllama    LLMProvider = "ollama"
)

// LLMConfig configures an LLM provider.
type LLMConfig struct {
	// Provider type (openai, anthropic, ollama).
	Provider LLMProvider `yaml:"provider,omitempty"`

	// Model name (e.g. "gpt-4o", "claude-sonnet-4-20250514").
	Model string `yaml:"model,omitempty"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// Temperature for generation.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// TimeoutSeconds bounds a single provider call.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`

	// MaxRetries for transient provider failures.
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// SetDefaults applies default values.
func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = detectLLMProviderFromEnv()
	}
	if c.Model == "" {
		switch c.Provider {
		case LLMProviderOpenAI:
			c.Model = "gpt-4o"
		case LLMProviderAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		case LLMProviderOllama:
			c.Model = "llama3.2"
		}
	}
	if c.APIKey == "" {
		c.APIKey = apiKeyFromEnv(c.Provider)
	}
	if c.BaseURL == "" && c.Provider == LLMProviderOllama {
		c.BaseURL = "http://localhost:11434"
	}
	if c.Temperature == nil {
		c.Temperature = Float64Ptr(0.7)
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

// Validate checks the LLM configuration.
func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case LLMProviderOpenAI, LLMProviderAnthropic, LLMProviderOllama:
	default:
		return fmt.Errorf("invalid provider %q", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Provider != LLMProviderOllama && c.APIKey == "" {
		return fmt.Errorf("api_key is required for provider %q", c.Provider)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be in [0, 2]")
	}
	return nil
}

func detectLLMProviderFromEnv() LLMProvider {
	if os.Getenv("OPENAI_API_KEY") != "" {
		return LLMProviderOpenAI
	}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return LLMProviderAnthropic
	}
	return LLMProviderOllama
}

func apiKeyFromEnv(p LLMProvider) string {
	switch p {
	case LLMProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case LLMProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		return ""
	}
}

// EmbedderProvider identifies the embedding provider type.
type EmbedderProvider string

const (
	EmbedderProviderOpenAI EmbedderProvider = "openai"
	EmbedderProviderOllama EmbedderProvider = "ollama"
)

// EmbedderConfig configures an embedding provider.
type EmbedderConfig struct {
	Provider EmbedderProvider `yaml:"provider,omitempty"`
	Model    string           `yaml:"model,omitempty"`
	APIKey   string           `yaml:"api_key,omitempty"`
	BaseURL  string           `yaml:"base_url,omitempty"`

	// Dimensions of the produced vectors. Must match the vector store
	// collection dimension.
	Dimensions int `yaml:"dimensions,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// SetDefaults applies default values.
func (c *EmbedderConfig) SetDefaults() {
	if c.Provider == "" {
		if os.Getenv("OPENAI_API_KEY") != "" {
			c.Provider = EmbedderProviderOpenAI
		} else {
			c.Provider = EmbedderProviderOllama
		}
	}
	if c.Model == "" {
		switch c.Provider {
		case EmbedderProviderOpenAI:
			c.Model = "text-embedding-3-small"
		case EmbedderProviderOllama:
			c.Model = "nomic-embed-text"
		}
	}
	if c.APIKey == "" && c.Provider == EmbedderProviderOpenAI {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.BaseURL == "" && c.Provider == EmbedderProviderOllama {
		c.BaseURL = "http://localhost:11434"
	}
	if c.Dimensions == 0 {
		switch c.Provider {
		case EmbedderProviderOpenAI:
			c.Dimensions = 1536
		case EmbedderProviderOllama:
			c.Dimensions = 768
		}
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 60
	}
}

// Validate checks the embedder configuration.
func (c *EmbedderConfig) Validate() error {
	switch c.Provider {
	case EmbedderProviderOpenAI, EmbedderProviderOllama:
	default:
		return fmt.Errorf("invalid provider %q", c.Provider)
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("dimensions must be positive")
	}
	return nil
}

// RerankConfig configures the reranking provider.
type RerankConfig struct {
	// Provider type (cohere, noop).
	Provider string `yaml:"provider,omitempty"`
	Model    string `yaml:"model,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// SetDefaults applies default values.
func (c *RerankConfig) SetDefaults() {
	if c.Provider == "" {
		if os.Getenv("COHERE_API_KEY") != "" {
			c.Provider = "cohere"
		} else {
			c.Provider = "noop"
		}
	}
	if c.Model == "" && c.Provider == "cohere" {
		c.Model = "rerank-v3.5"
	}
	if c.APIKey == "" && c.Provider == "cohere" {
		c.APIKey = os.Getenv("COHERE_API_KEY")
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
}

// Validate checks the rerank configuration.
func (c *RerankConfig) Validate() error {
	switch c.Provider {
	case "cohere", "noop":
	default:
		return fmt.Errorf("invalid provider %q", c.Provider)
	}
	if c.Provider == "cohere" && c.APIKey == "" {
		return fmt.Errorf("api_key is required for cohere")
	}
	return nil
}

// VectorConfig configures the vector database.
type VectorConfig struct {
	// Provider type (chromem, qdrant).
	Provider string `yaml:"provider,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	UseTLS   bool   `yaml:"use_tls,omitempty"`

	// Path for the embedded chromem store. Empty means in-memory.
	Path string `yaml:"path,omitempty"`
}

// SetDefaults applies default values.
func (c *VectorConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "chromem"
	}
	if c.Provider == "qdrant" {
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port == 0 {
			c.Port = 6334
		}
	}
}

// Validate checks the vector configuration.
func (c *VectorConfig) Validate() error {
	switch c.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("invalid provider %q", c.Provider)
	}
	return nil
}

// DatabaseConfig configures the relational store backing sessions,
// turns and config entities.
type DatabaseConfig struct {
	// Driver: memory, sqlite3, postgres or mysql.
	Driver string `yaml:"driver,omitempty"`

	// DSN is the driver connection string. Supports ${VAR} expansion.
	DSN string `yaml:"dsn,omitempty"`

	MaxOpenConns    int `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime int `yaml:"conn_max_lifetime_seconds,omitempty"`
}

// SetDefaults applies default values.
func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "memory"
	}
	if c.Driver == "sqlite3" && c.DSN == "" {
		c.DSN = "guidepost.db"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 300
	}
}

// Validate checks the database configuration.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "memory", "sqlite3", "postgres", "mysql":
	default:
		return fmt.Errorf("invalid driver %q", c.Driver)
	}
	if c.Driver != "memory" && c.DSN == "" {
		return fmt.Errorf("dsn is required for driver %q", c.Driver)
	}
	return nil
}
