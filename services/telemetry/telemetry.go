// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires the OpenTelemetry SDK for ordra.
//
// Traces go to an OTLP collector, to stdout, or nowhere. Metrics go to the
// Prometheus exporter, to stdout, or nowhere. Packages use otel.Tracer and
// otel.Meter directly; Init only decides where the data ends up.
//
// # Environment Variables
//
// LoadEnv reads the standard OTEL_* names:
//
//   - OTEL_SERVICE_NAME (default: ordra)
//   - OTEL_DEPLOYMENT_ENVIRONMENT (default: development)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - OTEL_EXPORTER_OTLP_ENDPOINT (default: localhost:4317)
//   - OTEL_EXPORTER_OTLP_INSECURE (default: true)
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// EnvPrefix is the prefix of every variable read by LoadEnv.
const EnvPrefix = "OTEL_"

var (
	// ErrNilContext is returned by Init when ctx is nil.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unrecognized exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Exporter names.
const (
	ExporterNone       = "none"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
)

// Config selects the telemetry backends. The env tags are relative to
// EnvPrefix.
type Config struct {
	ServiceName    string `json:"service_name" yaml:"service_name" env:"SERVICE_NAME"`
	ServiceVersion string `json:"service_version" yaml:"service_version"`
	Environment    string `json:"environment" yaml:"environment" env:"DEPLOYMENT_ENVIRONMENT"`

	// TraceExporter is one of otlp, stdout or none.
	TraceExporter string `json:"trace_exporter" yaml:"trace_exporter" env:"TRACES_EXPORTER"`

	// MetricExporter is one of prometheus, stdout or none.
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" env:"METRICS_EXPORTER"`

	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint" env:"EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `json:"otlp_insecure" yaml:"otlp_insecure" env:"EXPORTER_OTLP_INSECURE"`

	// Writer receives stdout exporter output. Nil means os.Stdout.
	Writer io.Writer `json:"-" yaml:"-"`
}

// DefaultConfig returns the built-in defaults. Environment variables are
// not consulted; see LoadEnv.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "ordra",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		TraceExporter:  ExporterNone,
		MetricExporter: ExporterPrometheus,
		OTLPEndpoint:   "localhost:4317",
		OTLPInsecure:   true,
	}
}

// LoadEnv overlays the OTEL_* variables that are set onto cfg.
func LoadEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("telemetry env: %w", err)
	}
	return nil
}

type (
	spanExporterFunc func(ctx context.Context, cfg Config) (trace.SpanExporter, error)
	metricReaderFunc func(cfg Config) (metric.Reader, error)
)

var spanExporters = map[string]spanExporterFunc{
	ExporterOTLP: func(ctx context.Context, cfg Config) (trace.SpanExporter, error) {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	},
	ExporterStdout: func(_ context.Context, cfg Config) (trace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithWriter(cfg.writer()))
	},
}

var metricReaders = map[string]metricReaderFunc{
	ExporterPrometheus: func(Config) (metric.Reader, error) {
		reader, err := promexporter.New()
		if err != nil {
			return nil, err
		}
		setMetricsHandler(promhttp.Handler())
		return reader, nil
	},
	ExporterStdout: func(cfg Config) (metric.Reader, error) {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.writer()))
		if err != nil {
			return nil, err
		}
		return metric.NewPeriodicReader(exp), nil
	},
}

// Init installs the global tracer and meter providers described by cfg
// and the W3C trace-context propagator.
//
// The returned shutdown flushes and stops every provider that was
// started. It must be called before the process exits.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	var stops []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		errs := make([]error, 0, len(stops))
		for i := len(stops) - 1; i >= 0; i-- {
			errs = append(errs, stops[i](ctx))
		}
		return errors.Join(errs...)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	res := cfg.resource()

	if enabled(cfg.TraceExporter) {
		newExporter, ok := spanExporters[cfg.TraceExporter]
		if !ok {
			return nil, fmt.Errorf("traces: %w: %s", ErrUnknownExporter, cfg.TraceExporter)
		}
		exp, err := newExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("traces: %s exporter: %w", cfg.TraceExporter, err)
		}
		tp := trace.NewTracerProvider(
			trace.WithBatcher(exp),
			trace.WithResource(res),
			trace.WithSampler(trace.ParentBased(trace.AlwaysSample())),
		)
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	}

	if enabled(cfg.MetricExporter) {
		newReader, ok := metricReaders[cfg.MetricExporter]
		if !ok {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("metrics: %w: %s", ErrUnknownExporter, cfg.MetricExporter)
		}
		reader, err := newReader(cfg)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("metrics: %s exporter: %w", cfg.MetricExporter, err)
		}
		mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader))
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}

	return shutdown, nil
}

var (
	metricsHandlerMu sync.RWMutex
	metricsHandler   http.Handler
)

func setMetricsHandler(h http.Handler) {
	metricsHandlerMu.Lock()
	metricsHandler = h
	metricsHandlerMu.Unlock()
}

// MetricsHandler returns the /metrics handler. It serves the default
// Prometheus registry, which carries both the OpenTelemetry instruments
// (when the prometheus exporter is active) and the service collectors.
func MetricsHandler() http.Handler {
	metricsHandlerMu.RLock()
	defer metricsHandlerMu.RUnlock()
	if metricsHandler == nil {
		return promhttp.Handler()
	}
	return metricsHandler
}

func enabled(exporter string) bool {
	return exporter != "" && exporter != ExporterNone
}

func (c Config) resource() *resource.Resource {
	return resource.NewWithAttributes("",
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.version", c.ServiceVersion),
		attribute.String("deployment.environment", c.Environment),
	)
}

func (c Config) writer() io.Writer {
	if c.Writer == nil {
		return os.Stdout
	}
	return c.Writer
}
