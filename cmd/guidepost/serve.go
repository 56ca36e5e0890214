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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/embedders"
	"github.com/guidepost-ai/guidepost/pkg/ingest"
	"github.com/guidepost-ai/guidepost/pkg/llms"
	"github.com/guidepost-ai/guidepost/pkg/observability"
	"github.com/guidepost-ai/guidepost/pkg/pipeline"
	"github.com/guidepost-ai/guidepost/pkg/rerank"
	"github.com/guidepost-ai/guidepost/pkg/server"
	"github.com/guidepost-ai/guidepost/pkg/stores"
	"github.com/guidepost-ai/guidepost/pkg/tools"
	"github.com/guidepost-ai/guidepost/pkg/vector"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch the config file and hot-reload pipeline settings."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	config.LoadEnvFiles()
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	cleanupLog, err := initLogging(cli, cfg.Logging)
	if err != nil {
		return err
	}
	defer cleanupLog()

	deps, cleanup, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	p, err := pipeline.New(cfg.Pipeline, deps)
	if err != nil {
		return err
	}
	srv := server.New(cfg.Server, p)

	if c.Watch && cli.Config != "" {
		err := config.Watch(ctx, cli.Config, func(next *config.Config) {
			reloaded := deps
			reloaded.Migration = next.Migration
			np, err := pipeline.New(next.Pipeline, reloaded)
			if err != nil {
				slog.Error("Pipeline rebuild failed, keeping previous", "error", err)
				return
			}
			srv.SetPipeline(np)
		})
		if err != nil {
			return err
		}
	}

	return srv.Start(ctx)
}

// buildDeps constructs the providers and stores behind the pipeline.
// The returned cleanup closes them in reverse construction order.
func buildDeps(ctx context.Context, cfg *config.Config) (pipeline.Deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (pipeline.Deps, func(), error) {
		cleanup()
		return pipeline.Deps{}, nil, err
	}

	llmCfg, _ := cfg.LLM("default")
	llm, err := llms.New("default", llmCfg)
	if err != nil {
		return fail(fmt.Errorf("llm: %w", err))
	}

	embCfg, _ := cfg.Embedder("default")
	embedder, err := embedders.New("default", embCfg)
	if err != nil {
		return fail(fmt.Errorf("embedder: %w", err))
	}

	reranker, err := rerank.New(cfg.Rerank)
	if err != nil {
		return fail(fmt.Errorf("rerank: %w", err))
	}

	vec, err := vector.NewProvider(vectorProviderConfig(cfg.Vector))
	if err != nil {
		return fail(fmt.Errorf("vector: %w", err))
	}
	closers = append(closers, func() { _ = vec.Close() })

	st := stores.NewMemoryStores()
	if cfg.Database.Driver != "" && cfg.Database.Driver != "memory" {
		db, dialect, err := stores.OpenDB(cfg.Database)
		if err != nil {
			return fail(fmt.Errorf("database: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })

		sessions, err := stores.NewSQLSessionStore(db, dialect)
		if err != nil {
			return fail(fmt.Errorf("session store: %w", err))
		}
		audit, err := stores.NewSQLAuditStore(db, dialect)
		if err != nil {
			return fail(fmt.Errorf("audit store: %w", err))
		}
		st.Sessions = sessions
		st.Audit = audit
	}
	st.Memory = stores.NewVectorMemoryStore(vec, embedder)

	ingestor := ingest.New(cfg.Ingest, st.Memory)
	closers = append(closers, ingestor.Close)

	var metrics *observability.Metrics
	if cfg.Server.MetricsEnabled == nil || *cfg.Server.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
	}
	tracer, err := observability.NewTracer(ctx, cfg.Server.TracingEnabled, cfg.Server.OTLPEndpoint)
	if err != nil {
		return fail(fmt.Errorf("tracer: %w", err))
	}
	closers = append(closers, func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			slog.Warn("Tracer shutdown failed", "error", err)
		}
	})

	deps := pipeline.Deps{
		Stores:    st,
		LLM:       llm,
		Embedder:  embedder,
		Reranker:  reranker,
		Tools:     tools.NewRegistry(),
		Migration: cfg.Migration,
		Ingestor:  ingestor,
		Metrics:   metrics,
		Tracer:    tracer,
	}
	return deps, cleanup, nil
}

// vectorProviderConfig maps the flat config section onto the provider
// selection the vector package expects.
func vectorProviderConfig(cfg config.VectorConfig) vector.ProviderConfig {
	switch cfg.Provider {
	case "qdrant":
		return vector.ProviderConfig{
			Type: vector.ProviderQdrant,
			Qdrant: &vector.QdrantConfig{
				Host:   cfg.Host,
				Port:   cfg.Port,
				APIKey: cfg.APIKey,
				UseTLS: cfg.UseTLS,
			},
		}
	default:
		return vector.ProviderConfig{
			Type:    vector.ProviderChromem,
			Chromem: &vector.ChromemConfig{PersistPath: cfg.Path},
		}
	}
}
