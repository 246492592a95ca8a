package qp

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	base := map[string]string{
		labelCategory: categoryRegular,
		labelService:  "rc",
	}
	metrics.QPCreated(base)
	metrics.QPDestroyed(base)
	metrics.QPCreateFailed(errors.New("boom"), map[string]string{
		labelCategory: categoryRegular,
		labelService:  "rc",
		labelCode:     "resources exhausted",
	})

	transition := map[string]string{
		labelCategory:   categorySpecial,
		labelService:    "mlx",
		labelTransition: "init2rtr",
	}
	metrics.TransitionCompleted(transition)
	metrics.TransitionFailed(errors.New("fail"), map[string]string{
		labelCategory:   categorySpecial,
		labelService:    "mlx",
		labelTransition: "init->rtr",
		labelCode:       "busy",
	})
	metrics.CommandError("activate_port", errors.New("down"), map[string]string{
		labelCategory: categorySpecial,
		labelCode:     "fatal device error",
	})

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"hca_qp_created_total":            1,
		"hca_qp_create_failed_total":      1,
		"hca_qp_destroyed_total":          1,
		"hca_qp_transitions_total":        1,
		"hca_qp_transitions_failed_total": 1,
		"hca_qp_command_errors_total":     1,
	}

	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
}

func TestPrometheusMetricsReuseRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	second, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("second NewPrometheusMetrics: %v", err)
	}
	attrs := map[string]string{labelCategory: categoryRegular, labelService: "ud"}
	first.QPCreated(attrs)
	second.QPCreated(attrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "hca_qp_created_total"); got != 2 {
		t.Fatalf("expected shared counter, got %v", got)
	}
}

func TestPrometheusMetricsFromManager(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	m, _ := newTestManager(t, Config{Metrics: metrics})
	ctx := context.Background()

	qpn := mustCreate(t, m, rcInit(), UserResources{WQEBufSize: 4096})
	bringUp(t, m, qpn, StateRTS)
	if err := m.Modify(ctx, qpn, StateRTS, &Attr{State: StateInit}, AttrState); err == nil {
		t.Fatalf("expected RTS to INIT to fail")
	}
	if err := m.Destroy(ctx, qpn); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	cases := map[string]float64{
		"test_hca_qp_created_total":            1,
		"test_hca_qp_destroyed_total":          1,
		"test_hca_qp_transitions_total":        4,
		"test_hca_qp_transitions_failed_total": 1,
		"test_hca_qp_command_errors_total":     0,
	}
	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}
