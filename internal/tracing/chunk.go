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

package tracing

import (
	"context"
	"fmt"

	"github.com/tombee/conductor/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ChunkSpan wraps an OpenTelemetry span with coordinator-specific helpers.
type ChunkSpan struct {
	span trace.Span
}

// StartChunk creates the root span for one execute-driver chunk
// (one pass through preflight, the endpoint call, and response handling).
func StartChunk(ctx context.Context, tracer trace.Tracer, runID string, executionCount int) (context.Context, *ChunkSpan) {
	ctx, span := tracer.Start(ctx, "execute.chunk",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("run.execution_count", executionCount),
			attribute.String("span.type", "execute.chunk"),
		),
	)

	return ctx, &ChunkSpan{span: span}
}

// StartEndpointCall creates a child span for the outbound HTTP call to the
// task's endpoint, nested under the enclosing execute.chunk span.
func StartEndpointCall(ctx context.Context, tracer trace.Tracer, endpointID, url string) (context.Context, *ChunkSpan) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("endpoint.call: %s", endpointID),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("endpoint.id", endpointID),
			attribute.String("endpoint.url", url),
			attribute.String("span.type", "endpoint.call"),
		),
	)

	return ctx, &ChunkSpan{span: span}
}

// StartBranch creates a child span for one of the chunk's transactional
// branches (complete, resume, retry, yield, auto-yield).
func StartBranch(ctx context.Context, tracer trace.Tracer, branch string) (context.Context, *ChunkSpan) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("execute.branch: %s", branch),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("branch.name", branch),
			attribute.String("span.type", "execute.branch"),
		),
	)

	return ctx, &ChunkSpan{span: span}
}

// SetAttributes adds key-value attributes to the span.
func (c *ChunkSpan) SetAttributes(attrs map[string]any) {
	if c == nil || c.span == nil {
		return
	}

	var otelAttrs []attribute.KeyValue
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			otelAttrs = append(otelAttrs, attribute.String(k, val))
		case int:
			otelAttrs = append(otelAttrs, attribute.Int(k, val))
		case int64:
			otelAttrs = append(otelAttrs, attribute.Int64(k, val))
		case float64:
			otelAttrs = append(otelAttrs, attribute.Float64(k, val))
		case bool:
			otelAttrs = append(otelAttrs, attribute.Bool(k, val))
		default:
			otelAttrs = append(otelAttrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	c.span.SetAttributes(otelAttrs...)
}

// AddEvent records a timestamped event within the span.
func (c *ChunkSpan) AddEvent(name string, attrs map[string]any) {
	if c == nil || c.span == nil {
		return
	}

	var otelAttrs []attribute.KeyValue
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			otelAttrs = append(otelAttrs, attribute.String(k, val))
		case int:
			otelAttrs = append(otelAttrs, attribute.Int(k, val))
		case int64:
			otelAttrs = append(otelAttrs, attribute.Int64(k, val))
		case float64:
			otelAttrs = append(otelAttrs, attribute.Float64(k, val))
		case bool:
			otelAttrs = append(otelAttrs, attribute.Bool(k, val))
		default:
			otelAttrs = append(otelAttrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	c.span.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

// RecordError records an error that occurred during the chunk.
func (c *ChunkSpan) RecordError(err error) {
	if c == nil || c.span == nil || err == nil {
		return
	}

	c.span.RecordError(err)
	c.span.SetStatus(codes.Error, err.Error())
}

// SetStatus sets the span's final status.
func (c *ChunkSpan) SetStatus(code observability.StatusCode, message string) {
	if c == nil || c.span == nil {
		return
	}

	var otelCode codes.Code
	switch code {
	case observability.StatusCodeOK:
		otelCode = codes.Ok
	case observability.StatusCodeError:
		otelCode = codes.Error
	default:
		otelCode = codes.Unset
	}

	c.span.SetStatus(otelCode, message)
}

// End marks the span as complete.
func (c *ChunkSpan) End() {
	if c == nil || c.span == nil {
		return
	}

	c.span.End()
}

// SpanContext returns the span's trace context for propagation.
func (c *ChunkSpan) SpanContext() trace.SpanContext {
	if c == nil || c.span == nil {
		return trace.SpanContext{}
	}

	return c.span.SpanContext()
}

// TraceID returns the trace ID as a string.
func (c *ChunkSpan) TraceID() string {
	if c == nil || c.span == nil {
		return ""
	}

	return c.span.SpanContext().TraceID().String()
}

// SpanID returns the span ID as a string.
func (c *ChunkSpan) SpanID() string {
	if c == nil || c.span == nil {
		return ""
	}

	return c.span.SpanContext().SpanID().String()
}
