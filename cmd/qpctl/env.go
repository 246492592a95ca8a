package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/rocketbitz/hcaqp-go/internal/config"
	"github.com/rocketbitz/hcaqp-go/internal/sim"
	"github.com/rocketbitz/hcaqp-go/qp"
)

// environment is one manager bound to a fresh simulated HCA, with the
// telemetry selected by the profile.
type environment struct {
	cfg     *config.Config
	logger  *zap.Logger
	hca     *sim.HCA
	manager *qp.Manager

	registry *prometheus.Registry
	reader   *sdkmetric.ManualReader
	meters   *sdkmetric.MeterProvider
	tracers  *sdktrace.TracerProvider
}

func newLogger(lc config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if lc.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

func newEnvironment(cfg *config.Config, trace bool) (*environment, error) {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	env := &environment{cfg: cfg, logger: logger, hca: sim.New()}

	qcfg, err := cfg.QPConfig()
	if err != nil {
		return nil, err
	}
	sugar := logger.Sugar()
	qcfg.Logger = sugar
	qcfg.StructuredLogger = sugar

	switch strings.ToLower(cfg.Metrics.Backend) {
	case "prometheus":
		env.registry = prometheus.NewRegistry()
		metrics, err := qp.NewPrometheusMetrics(qp.PrometheusMetricsOptions{
			Registerer: env.registry,
			Namespace:  cfg.Metrics.Namespace,
		})
		if err != nil {
			return nil, err
		}
		qcfg.Metrics = metrics
	case "otel":
		env.reader = sdkmetric.NewManualReader()
		env.meters = sdkmetric.NewMeterProvider(sdkmetric.WithReader(env.reader))
		metrics, err := qp.NewOTelMetrics(qp.OTelMetricsOptions{
			MeterProvider:          env.meters,
			InstrumentationVersion: Version,
		})
		if err != nil {
			return nil, err
		}
		qcfg.Metrics = metrics
	}

	if trace {
		env.tracers = sdktrace.NewTracerProvider(sdktrace.WithSyncer(spanLogger{logger: logger}))
		qcfg.Tracer = qp.NewOTelTracer(env.tracers.Tracer("qpctl"))
	}

	env.manager, err = qp.New(qcfg, qp.Device{
		Commands: env.hca.Device,
		Memory:   env.hca.Memory,
		Regions:  env.hca.Regions,
		Domains:  env.hca.Domains,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return env, nil
}

// close destroys what is left on the manager, reports leaks and writes the
// collected metrics to out.
func (e *environment) close(ctx context.Context, out io.Writer) error {
	errs := []error{e.manager.Close(ctx)}
	if allocs, mappings, regions := e.hca.Leaks(); allocs+mappings+regions != 0 {
		errs = append(errs, fmt.Errorf("leaked %d allocations, %d mappings, %d regions", allocs, mappings, regions))
	}
	errs = append(errs, e.writeMetrics(ctx, out))
	if e.meters != nil {
		errs = append(errs, e.meters.Shutdown(ctx))
	}
	if e.tracers != nil {
		errs = append(errs, e.tracers.Shutdown(ctx))
	}
	_ = e.logger.Sync()
	return errors.Join(errs...)
}

func (e *environment) writeMetrics(ctx context.Context, out io.Writer) error {
	switch {
	case e.registry != nil:
		mfs, err := e.registry.Gather()
		if err != nil {
			return err
		}
		for _, mf := range mfs {
			if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
				return err
			}
		}
	case e.reader != nil:
		var rm metricdata.ResourceMetrics
		if err := e.reader.Collect(ctx, &rm); err != nil {
			return err
		}
		var lines []string
		for _, scope := range rm.ScopeMetrics {
			for _, m := range scope.Metrics {
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					continue
				}
				for _, dp := range sum.DataPoints {
					lines = append(lines, fmt.Sprintf("%s{%s} %d", m.Name, dp.Attributes.Encoded(attribute.DefaultEncoder()), dp.Value))
				}
			}
		}
		sort.Strings(lines)
		for _, line := range lines {
			fmt.Fprintln(out, line)
		}
	}
	return nil
}

// spanLogger exports finished spans as log lines.
type spanLogger struct {
	logger *zap.Logger
}

func (s spanLogger) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		fields := []zap.Field{
			zap.String("span", span.Name()),
			zap.Duration("duration", span.EndTime().Sub(span.StartTime())),
			zap.Int("events", len(span.Events())),
		}
		if status := span.Status(); status.Code == codes.Error {
			fields = append(fields, zap.String("error", status.Description))
		}
		s.logger.Info("span", fields...)
	}
	return nil
}

func (spanLogger) Shutdown(context.Context) error { return nil }
