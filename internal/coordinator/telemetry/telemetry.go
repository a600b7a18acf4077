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

// Package telemetry is the thin adapter standing in for the
// out-of-scope telemetry sink named as an external collaborator in
// §1: it turns §6's createExecutionEvent calls into OpenTelemetry
// span events plus structured log lines, so the core components
// depend only on the Sink interface below, not on a concrete
// observability backend.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EventType is the execution-event kind emitted around an endpoint call.
type EventType string

const (
	EventStart  EventType = "start"
	EventFinish EventType = "finish"
)

// Event is the execution event described in §6.
type Event struct {
	Type           EventType
	DriftMs        int64
	OrganisationID string
	EnvironmentID  string
	ProjectID      string
	JobID          string
	RunID          string
}

// Sink accepts execution events. Emission is best-effort (§9: "allowed
// to be best-effort and outside the transaction").
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// LogSpanSink is the default Sink: a structured log line plus an
// event on the current span, if any.
type LogSpanSink struct {
	logger *slog.Logger
}

// NewLogSpanSink creates a Sink that logs through logger and annotates
// the active ChunkSpan, if ctx carries one.
func NewLogSpanSink(logger *slog.Logger) *LogSpanSink {
	return &LogSpanSink{logger: logger}
}

// Emit implements Sink.
func (s *LogSpanSink) Emit(ctx context.Context, ev Event) {
	s.logger.InfoContext(ctx, "execution event",
		"event_type", string(ev.Type),
		"drift_ms", ev.DriftMs,
		"organisation_id", ev.OrganisationID,
		"environment_id", ev.EnvironmentID,
		"project_id", ev.ProjectID,
		"job_id", ev.JobID,
		"run_id", ev.RunID,
	)

	span := trace.SpanFromContext(ctx)
	span.AddEvent(string(ev.Type), trace.WithAttributes(
		attribute.Int64("drift_ms", ev.DriftMs),
		attribute.String("run_id", ev.RunID),
	))
}
