// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry installs the OpenTelemetry trace and meter providers
// used by the engine spans and the verifier counters.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Exporter names accepted in Config.
const (
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
	ExporterNone       = "none"
)

// ErrUnknownExporter is returned for an exporter name Init does not know.
var ErrUnknownExporter = errors.New("unknown telemetry exporter")

// Config selects where spans and OTel metrics go.
type Config struct {
	// ServiceName identifies this process in traces. Default "opqueue".
	ServiceName string

	// ServiceVersion is attached to the resource when set.
	ServiceVersion string

	// Traces is "otlp", "stdout" or "none". Default "none".
	Traces string

	// Metrics is "prometheus", "stdout" or "none". Default "none".
	// "prometheus" registers with the default Prometheus registry, so the
	// server's /metrics endpoint serves these alongside the engine metrics.
	Metrics string

	// OTLPEndpoint is the collector address for Traces == "otlp".
	OTLPEndpoint string

	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer io.Writer
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "opqueue"
	}
	if c.Traces == "" {
		c.Traces = ExporterNone
	}
	if c.Metrics == "" {
		c.Metrics = ExporterNone
	}
	if c.OTLPEndpoint == "" {
		c.OTLPEndpoint = "localhost:4317"
	}
	if c.Writer == nil {
		c.Writer = os.Stdout
	}
	return c
}

// Init installs the global tracer and meter providers.
//
// # Description
//
// With both exporters set to "none" nothing is installed and the global
// no-op providers stay in place. Otherwise the configured providers become
// global and every otel.Tracer / otel.Meter call picks them up.
//
// # Outputs
//
//   - shutdown: Flushes and stops the providers. Always non-nil on success.
//   - error: ErrUnknownExporter, or an exporter setup failure.
//
// # Thread Safety
//
// Call once at startup.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	cfg = cfg.withDefaults()

	var shutdownFuncs []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		var errs []error
		for i := len(shutdownFuncs) - 1; i >= 0; i-- {
			errs = append(errs, shutdownFuncs[i](ctx))
		}
		return errors.Join(errs...)
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
	}
	res := resource.NewWithAttributes("", attrs...)

	if cfg.Traces != ExporterNone {
		tp, closeExporter, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))
		shutdownFuncs = append(shutdownFuncs, closeExporter, tp.Shutdown)
	}

	if cfg.Metrics != ExporterNone {
		mp, err := newMeterProvider(cfg, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
	}

	return shutdown, nil
}

// newTracerProvider returns the provider and a func releasing anything the
// exporter holds beyond the provider (the gRPC connection for OTLP).
func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	var exporter sdktrace.SpanExporter
	release := noop
	switch cfg.Traces {
	case ExporterOTLP:
		conn, err := grpc.NewClient(cfg.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		release = func(context.Context) error { return conn.Close() }

	case ExporterStdout:
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

	default:
		return nil, nil, fmt.Errorf("%w: traces %q", ErrUnknownExporter, cfg.Traces)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return tp, release, nil
}

func newMeterProvider(cfg Config, res *resource.Resource) (*metric.MeterProvider, error) {
	var reader metric.Reader
	switch cfg.Metrics {
	case ExporterPrometheus:
		exporter, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		reader = exporter

	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		reader = metric.NewPeriodicReader(exporter)

	default:
		return nil, fmt.Errorf("%w: metrics %q", ErrUnknownExporter, cfg.Metrics)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(reader),
	), nil
}
