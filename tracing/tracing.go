// Package tracing offers support for distributed tracing utilizing OpenTelemetry (OTEL).
/*
 * Copyright (c) 2024-2025, NVIDIA CORPORATION. All rights reserved.
 */
package tracing

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/nlog"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/NVIDIA/aishuffle"

var (
	tp      atomic.Pointer[sdktrace.TracerProvider]
	enabled atomic.Bool

	// (tests override)
	newExporter = func(conf *cmn.TracingConf) (sdktrace.SpanExporter, error) {
		options := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(conf.ExporterEndpoint),
			otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{Enabled: true}),
		}
		if conf.SkipVerify {
			options = append(options, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(context.Background(), options...)
	}
)

// newResource returns a resource describing this application.
func newResource(conf *cmn.TracingConf, version string) *resource.Resource {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", conf.ServiceName),
			attribute.String("version", version),
		),
	)
	if err != nil {
		nlog.Warningln("tracing resource:", err)
		return resource.Default()
	}
	return r
}

func IsEnabled() bool { return enabled.Load() }

// Init installs the global tracer provider; no-op when tracing is disabled
func Init(conf *cmn.TracingConf, version string) error {
	if conf == nil || !conf.Enabled {
		return nil
	}
	if conf.ExporterEndpoint == "" {
		return errors.New("tracing: exporter endpoint can't be empty")
	}
	exp, err := newExporter(conf)
	if err != nil {
		return err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(conf.SamplerProbability))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(newResource(conf, version)),
	)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	otel.SetTracerProvider(provider)
	tp.Store(provider)
	enabled.Store(true)
	nlog.Infof("tracing: exporting to %s (sampler %.2f)", conf.ExporterEndpoint, conf.SamplerProbability)
	return nil
}

// Shutdown flushes pending spans
func Shutdown(ctx context.Context) error {
	provider := tp.Swap(nil)
	enabled.Store(false)
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

// Start starts a span under the global provider (a no-op span when tracing is disabled)
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err (if any) and ends the span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func NewTraceableClient(client *http.Client) *http.Client {
	if IsEnabled() {
		transport := client.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		client.Transport = otelhttp.NewTransport(transport)
	}
	return client
}
