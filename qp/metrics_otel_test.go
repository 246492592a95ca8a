package qp

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	base := map[string]string{
		labelCategory: categoryRegular,
		labelService:  "uc",
	}
	metrics.QPCreated(base)
	metrics.QPDestroyed(base)
	metrics.QPCreateFailed(errors.New("boom"), map[string]string{
		labelCategory: categoryRegular,
		labelService:  "uc",
		labelCode:     "invalid parameter",
	})
	metrics.TransitionCompleted(map[string]string{
		labelCategory:   categoryRegular,
		labelService:    "uc",
		labelTransition: "rst2init",
	})
	metrics.TransitionFailed(errors.New("fail"), map[string]string{
		labelCategory:   categoryRegular,
		labelService:    "uc",
		labelTransition: "init->rtr",
		labelCode:       "interrupted",
	})
	metrics.CommandError("register", errors.New("no keys"), map[string]string{
		labelCategory: categoryRegular,
		labelCode:     "resources exhausted",
	})

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cases := map[string]float64{
		"hca.qp.created":            1,
		"hca.qp.create_failed":      1,
		"hca.qp.destroyed":          1,
		"hca.qp.transitions":        1,
		"hca.qp.transitions_failed": 1,
		"hca.qp.command_errors":     1,
	}

	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestOTelMetricsFromManager(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider, InstrumentationVersion: "test"})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}
	m, _ := newTestManager(t, Config{Metrics: metrics})
	ctx := context.Background()

	gsi := mustCreate(t, m, specialInit(SpecialGSI, 2), UserResources{})
	specialToRTR(t, m, gsi)
	if err := m.Destroy(ctx, gsi); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	cases := map[string]float64{
		"hca.qp.created":     1,
		"hca.qp.destroyed":   1,
		"hca.qp.transitions": 4,
	}
	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
	_ = provider.Shutdown(ctx)
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}
