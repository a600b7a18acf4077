package tracing

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
)

type fakeInFlightCounter struct{ n int }

func (f fakeInFlightCounter) InFlightRunCount() int { return f.n }

func TestNewMetricsCollector(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	if mc == nil {
		t.Fatal("Expected non-nil MetricsCollector")
	}

	if mc.meter == nil {
		t.Error("Expected meter to be set")
	}
}

func TestMetricsCollector_RecordChunkComplete(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()

	// Should not panic with valid inputs
	mc.RecordChunkComplete(ctx, "endpoint-1", "complete", 100*time.Millisecond)
	mc.RecordChunkComplete(ctx, "endpoint-1", "retry", 50*time.Millisecond)
	mc.RecordChunkComplete(ctx, "endpoint-2", "yield", 0)
}

func TestMetricsCollector_RecordTimeout(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()
	mc.RecordTimeout(ctx, "endpoint-1")
}

func TestMetricsCollector_RecordYield(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()
	mc.RecordYield(ctx, "cooperative")
	mc.RecordYield(ctx, "forced")
	mc.RecordYield(ctx, "auto")
}

func TestMetricsCollector_RecordRetry(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()
	mc.RecordRetry(ctx, "endpoint_error")
}

func TestMetricsCollector_SetInFlightCounter(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	mc.SetInFlightCounter(fakeInFlightCounter{n: 3})

	mc.inFlightMu.RLock()
	counter := mc.inFlight
	mc.inFlightMu.RUnlock()

	if counter == nil || counter.InFlightRunCount() != 3 {
		t.Errorf("expected in-flight counter reporting 3, got %v", counter)
	}
}

func TestMetricsCollector_ConcurrentAccess(t *testing.T) {
	provider := metric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	mc, err := NewMetricsCollector(provider)
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(4)

		go func(id int) {
			defer wg.Done()
			mc.RecordChunkComplete(ctx, "endpoint", "complete", time.Millisecond)
		}(i)

		go func(id int) {
			defer wg.Done()
			mc.RecordTimeout(ctx, "endpoint")
		}(i)

		go func(id int) {
			defer wg.Done()
			mc.RecordYield(ctx, "auto")
		}(i)

		go func(id int) {
			defer wg.Done()
			mc.SetInFlightCounter(fakeInFlightCounter{n: id})
		}(i)
	}

	wg.Wait()

	// Should complete without panics or races
}
