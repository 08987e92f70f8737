/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the monitoring engine.
//
// Custom span attributes use the `connwatch.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "connwatch/monitor"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("connwatch"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartTickSpan creates the parent span for one monitoring tick.
func StartTickSpan(ctx context.Context, instanceID, trigger string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "monitor.tick",
		trace.WithAttributes(
			attribute.String("connwatch.instance", instanceID),
			attribute.String("connwatch.trigger", trigger),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartProbeSpan creates a child span for one health sub-check.
func StartProbeSpan(ctx context.Context, instanceID, check string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "probe."+check,
		trace.WithAttributes(
			attribute.String("connwatch.instance", instanceID),
			attribute.String("connwatch.check", check),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndProbeSpan records the sub-check outcome and ends the span.
func EndProbeSpan(span trace.Span, latencyMs int64, err error) {
	span.SetAttributes(attribute.Int64("connwatch.latency_ms", latencyMs))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// EndTickSpan enriches the tick span with the computed score.
func EndTickSpan(span trace.Span, score int, alerts int, err error) {
	span.SetAttributes(
		attribute.Int("connwatch.score", score),
		attribute.Int("connwatch.alerts_fired", alerts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
