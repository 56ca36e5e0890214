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

// Package observability carries the OpenTelemetry tracer and the
// Prometheus metric set of the engine. A nil Tracer is a valid no-op,
// so callers never branch on whether tracing is configured.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "guidepost"

// Span attribute keys.
const (
	AttrTenantID  = "guidepost.tenant_id"
	AttrAgentID   = "guidepost.agent_id"
	AttrSessionID = "guidepost.session_id"
	AttrTurnID    = "guidepost.turn_id"
	AttrStage     = "guidepost.stage"
)

// Tracer wraps the OpenTelemetry tracer with engine-specific helpers.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer exporting to the OTLP endpoint, or to stdout
// when the endpoint is empty. Returns nil (a valid no-op) when disabled.
func NewTracer(ctx context.Context, enabled bool, otlpEndpoint string) (*Tracer, error) {
	if !enabled {
		return nil, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	if otlpEndpoint == "" {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(otlpEndpoint),
			otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

// Start begins a span. Safe on a nil tracer.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartTurn begins the root span of one turn.
func (t *Tracer) StartTurn(ctx context.Context, tenantID, agentID, sessionID, turnID string) (context.Context, trace.Span) {
	return t.Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String(AttrTenantID, tenantID),
			attribute.String(AttrAgentID, agentID),
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrTurnID, turnID),
		),
	)
}

// StartStage begins a child span for one pipeline stage.
func (t *Tracer) StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return t.Start(ctx, "stage."+stage,
		trace.WithAttributes(attribute.String(AttrStage, stage)))
}

// RecordError records err on the span.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.message", err.Error()))
}

// Shutdown flushes and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func noopSpan() trace.Span {
	_, span := noop.NewTracerProvider().Tracer("noop").Start(context.Background(), "noop")
	return span
}
