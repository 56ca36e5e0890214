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

// Package server exposes the turn pipeline over HTTP: a JSON turn
// endpoint, an SSE variant for chat frontends, health and Prometheus
// metrics. The surface is deliberately small; auth, rate limiting and
// tenant routing belong to the deployment's edge.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/pipeline"
)

// Server serves the engine's HTTP API.
type Server struct {
	cfg      config.ServerConfig
	pipeline atomic.Pointer[pipeline.Pipeline]
	router   chi.Router
	http     *http.Server
}

// New builds the server around a constructed pipeline.
func New(cfg config.ServerConfig, p *pipeline.Pipeline) *Server {
	s := &Server{cfg: cfg}
	s.pipeline.Store(p)
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	if s.cfg.MetricsEnabled == nil || *s.cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns", s.handleTurn)
		r.Post("/turns/stream", s.handleTurnStream)
	})
	return r
}

// Handler returns the route tree, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// SetPipeline swaps the pipeline serving new requests. Used on config
// reload; in-flight turns finish on the pipeline they started with.
func (s *Server) SetPipeline(p *pipeline.Pipeline) { s.pipeline.Store(p) }

// Address returns the listen address.
func (s *Server) Address() string { return s.http.Addr }

// Start serves until the context is cancelled, then shuts down
// gracefully within the configured grace period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "address", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		grace := time.Duration(s.cfg.ShutdownGraceSeconds) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}
