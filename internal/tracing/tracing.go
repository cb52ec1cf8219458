// Copyright 2025 Tom Barlow
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

// Package tracing sets up the OpenTelemetry tracer provider cerised
// spans its execution manager pipeline stages through.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls tracer provider construction.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Enabled turns tracing on. When false, NewProvider returns a
	// Provider backed by the global no-op tracer, so instrumented code
	// pays no cost and needs no nil checks.
	Enabled bool
}

// Provider wraps the OpenTelemetry SDK tracer and meter providers. The
// meter side is exported through the OTel Prometheus bridge rather than a
// push exporter, so cerised's /metrics endpoint stays a conventional
// Prometheus scrape target: one registry serves both the execution
// manager's direct promauto counters (internal/metrics) and anything
// recorded through an otel/metric Meter obtained here.
type Provider struct {
	tp  *sdktrace.TracerProvider
	mp  *sdkmetric.MeterProvider
	reg *otelprom.Exporter
}

// NewProvider builds a Provider. When cfg.Enabled is false it installs
// nothing and returns a Provider whose Tracer and Shutdown are no-ops,
// the same opt-out shape the execution manager would need regardless of
// which exporter backs a real deployment.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("build stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	promExporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("build prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(mp)

	return &Provider{tp: tp, mp: mp, reg: promExporter}, nil
}

// Tracer returns a tracer for the named instrumentation scope. Safe to
// call on a disabled Provider: it returns the global no-op tracer.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Meter returns a meter for the named instrumentation scope. Safe to call
// on a disabled Provider: it returns the global no-op meter.
func (p *Provider) Meter(name string) metric.Meter {
	if p.mp == nil {
		return otel.GetMeterProvider().Meter(name)
	}
	return p.mp.Meter(name)
}

// MetricsHandler returns an HTTP handler serving the process's default
// Prometheus registry, which carries both internal/metrics' direct
// promauto series and anything recorded through a Meter obtained above:
// the OTel Prometheus exporter registers into the same default registerer
// promauto.NewCounterVec et al. use, so one handler covers both.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes pending spans and metrics and releases the exporters.
// A no-op on a disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	if p.mp != nil {
		return p.mp.Shutdown(ctx)
	}
	return nil
}
