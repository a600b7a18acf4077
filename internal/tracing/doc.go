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

/*
Package tracing provides distributed tracing and observability for the run
execution coordinator.

This package implements OpenTelemetry-based tracing for chunk execution and
outbound endpoint HTTP calls. It also provides OTel-metric gauges/counters
and correlation ID propagation for distributed debugging across the
coordinator, the queue, and the user's endpoint.

# Overview

The tracing package supports:

  - Distributed tracing via OpenTelemetry
  - Correlation ID propagation across services
  - Chunk and endpoint-call span creation
  - Span-attached counters for chunks, timeouts, yields, and retries

# Quick Start

Create an OTel provider:

	cfg := tracing.Config{
	    Enabled:        true,
	    ServiceName:    "coordinator",
	    ServiceVersion: "1.0.0",
	    Sampling: tracing.SamplingConfig{
	        Rate: 0.1, // 10% sampling
	    },
	}

	provider, err := tracing.NewOTelProviderWithConfig(cfg)

Get a tracer and create a chunk span:

	tracer := provider.Tracer("execute")

	ctx, span := tracing.StartChunk(ctx, tracer, runID, executionCount)
	defer span.End()

	ctx, callSpan := tracing.StartEndpointCall(ctx, tracer, endpointID, url)
	defer callSpan.End()

# Correlation IDs

Correlation IDs link requests across service boundaries:

	// In HTTP middleware
	correlationID := tracing.FromContext(ctx)

	// Add to outbound requests
	req.Header.Set("X-Correlation-ID", string(correlationID))

	// Middleware extracts and injects
	handler = tracing.CorrelationMiddleware(handler)

# Metrics Collection

	collector, err := tracing.NewMetricsCollector(meterProvider)
	collector.RecordChunkComplete(ctx, endpointID, "complete", duration)
	collector.RecordTimeout(ctx, endpointID)
	collector.RecordYield(ctx, "auto")

Counters exposed alongside internal/coordinator/metrics's promauto
collectors:

  - coordinator_chunks_total{endpoint,outcome}
  - coordinator_chunk_duration_seconds{endpoint,outcome}
  - coordinator_timeouts_total{endpoint}
  - coordinator_yields_total{kind}
  - coordinator_retries_total{reason}
  - coordinator_in_flight_runs

# Configuration

Full configuration options:

	daemon:
	  observability:
	    enabled: true
	    service_name: coordinator
	    sampling:
	      type: ratio
	      rate: 0.1
	      always_sample_errors: true
	    exporters:
	      - type: otlp
	        endpoint: localhost:4317
	    redaction:
	      level: standard
	      patterns:
	        - name: api_key
	          regex: "sk-[a-zA-Z0-9]+"
	          replacement: "[REDACTED]"

# Key Components

  - OTelProvider: OpenTelemetry SDK wrapper
  - MetricsCollector: chunk/timeout/yield/retry metric recording
  - CorrelationID: Request correlation across services
  - Sampler: Configurable trace sampling
  - Exporter: Trace export to backends (OTLP, etc.)
*/
package tracing
