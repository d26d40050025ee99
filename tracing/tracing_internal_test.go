// Package tracing offers support for distributed tracing utilizing OpenTelemetry (OTEL).
/*
 * Copyright (c) 2024-2025, NVIDIA CORPORATION. All rights reserved.
 */
package tracing

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/NVIDIA/aishuffle/cmn"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var _ = Describe("Tracing", func() {
	const version = "v1.0"

	var (
		exporter     *tracetest.InMemoryExporter
		origExporter = newExporter
		conf         = &cmn.TracingConf{
			Enabled:            true,
			ExporterEndpoint:   "dummy",
			ServiceName:        "aishuffle-test",
			SamplerProbability: 1.0,
		}
	)

	BeforeEach(func() {
		exporter = tracetest.NewInMemoryExporter()
		newExporter = func(*cmn.TracingConf) (sdktrace.SpanExporter, error) {
			return exporter, nil
		}
	})

	AfterEach(func() {
		Expect(Shutdown(context.Background())).To(Succeed())
		newExporter = origExporter
	})

	It("should be a no-op when disabled", func() {
		Expect(Init(&cmn.TracingConf{}, version)).To(Succeed())
		Expect(IsEnabled()).To(BeFalse())
		client := NewTraceableClient(&http.Client{})
		Expect(client.Transport).To(BeNil())
	})

	It("should export spans with attributes and errors", func() {
		Expect(Init(conf, version)).To(Succeed())
		Expect(IsEnabled()).To(BeTrue())

		_, span := Start(context.Background(), "spill", attribute.Int("spill", 3))
		EndSpan(span, errors.New("disk full"))
		Expect(tp.Load().ForceFlush(context.Background())).To(Succeed())

		spans := exporter.GetSpans()
		Expect(spans).To(HaveLen(1))
		Expect(spans[0].Name).To(Equal("spill"))
		Expect(spans[0].Attributes).To(ContainElement(attribute.Int("spill", 3)))
		Expect(spans[0].Events).ToNot(BeEmpty())

		var found bool
		for _, kv := range spans[0].Resource.Attributes() {
			if kv.Key == "service.name" {
				found = kv.Value.AsString() == conf.ServiceName
			}
		}
		Expect(found).To(BeTrue())
	})

	It("should trace client requests", func() {
		Expect(Init(conf, version)).To(Succeed())
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("-"))
		}))
		defer srv.Close()

		client := NewTraceableClient(&http.Client{})
		resp, err := client.Get(srv.URL)
		Expect(err).ToNot(HaveOccurred())
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		Expect(tp.Load().ForceFlush(context.Background())).To(Succeed())
		Expect(exporter.GetSpans()).ToNot(BeEmpty())
	})
})
