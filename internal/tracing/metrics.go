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
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InFlightCounter reports the number of runs currently registered with the
// yield coordinator (§4.D).
type InFlightCounter interface {
	InFlightRunCount() int
}

// MetricsCollector collects OTel-metric-backed counters and gauges for the
// run execution coordinator. It is separate from internal/coordinator/metrics,
// which holds only the prometheus persistence-error counter served on the
// /metrics endpoint; this collector is for components that already hold an
// OTel MeterProvider.
type MetricsCollector struct {
	meter metric.Meter

	chunksTotal   metric.Int64Counter
	timeoutsTotal metric.Int64Counter
	yieldsTotal   metric.Int64Counter
	retriesTotal  metric.Int64Counter

	chunkDuration metric.Float64Histogram

	inFlightMu sync.RWMutex
	inFlight   InFlightCounter
}

// NewMetricsCollector creates a new metrics collector using the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("coordinator")

	mc := &MetricsCollector{meter: meter}

	var err error

	mc.chunksTotal, err = meter.Int64Counter(
		"coordinator_chunks_total",
		metric.WithDescription("Total number of chunks processed by the execute driver"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return nil, err
	}

	mc.timeoutsTotal, err = meter.Int64Counter(
		"coordinator_timeouts_total",
		metric.WithDescription("Total number of endpoint calls that timed out"),
		metric.WithUnit("{timeout}"),
	)
	if err != nil {
		return nil, err
	}

	mc.yieldsTotal, err = meter.Int64Counter(
		"coordinator_yields_total",
		metric.WithDescription("Total number of run yields, by kind (cooperative, forced, auto)"),
		metric.WithUnit("{yield}"),
	)
	if err != nil {
		return nil, err
	}

	mc.retriesTotal, err = meter.Int64Counter(
		"coordinator_retries_total",
		metric.WithDescription("Total number of task retries scheduled by the retry policy"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	mc.chunkDuration, err = meter.Float64Histogram(
		"coordinator_chunk_duration_seconds",
		metric.WithDescription("Execute driver chunk duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"coordinator_in_flight_runs",
		metric.WithDescription("Number of runs currently registered with the yield coordinator"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.inFlightMu.RLock()
			counter := mc.inFlight
			mc.inFlightMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.InFlightRunCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordChunkComplete records the completion of one execute-driver chunk.
func (mc *MetricsCollector) RecordChunkComplete(ctx context.Context, endpointID, outcome string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpointID),
		attribute.String("outcome", outcome),
	}

	mc.chunksTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.chunkDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordTimeout records an endpoint call that was classified as a timeout.
func (mc *MetricsCollector) RecordTimeout(ctx context.Context, endpointID string) {
	mc.timeoutsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpointID)))
}

// RecordYield records a run yield of the given kind: "cooperative", "forced", or "auto".
func (mc *MetricsCollector) RecordYield(ctx context.Context, kind string) {
	mc.yieldsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRetry records a task scheduled for retry by the retry policy.
func (mc *MetricsCollector) RecordRetry(ctx context.Context, reason string) {
	mc.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// SetInFlightCounter sets the source for the in-flight runs gauge.
func (mc *MetricsCollector) SetInFlightCounter(counter InFlightCounter) {
	mc.inFlightMu.Lock()
	mc.inFlight = counter
	mc.inFlightMu.Unlock()
}
