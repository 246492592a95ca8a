package qp

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter               metric.Meter
	created             metric.Int64Counter
	createFailed        metric.Int64Counter
	destroyed           metric.Int64Counter
	transitionCompleted metric.Int64Counter
	transitionFailed    metric.Int64Counter
	commandErrors       metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/hcaqp-go/qp"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	created, err := meter.Int64Counter("hca.qp.created")
	if err != nil {
		return nil, err
	}
	createFailed, err := meter.Int64Counter("hca.qp.create_failed")
	if err != nil {
		return nil, err
	}
	destroyed, err := meter.Int64Counter("hca.qp.destroyed")
	if err != nil {
		return nil, err
	}
	transitionCompleted, err := meter.Int64Counter("hca.qp.transitions")
	if err != nil {
		return nil, err
	}
	transitionFailed, err := meter.Int64Counter("hca.qp.transitions_failed")
	if err != nil {
		return nil, err
	}
	commandErrors, err := meter.Int64Counter("hca.qp.command_errors")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:               meter,
		created:             created,
		createFailed:        createFailed,
		destroyed:           destroyed,
		transitionCompleted: transitionCompleted,
		transitionFailed:    transitionFailed,
		commandErrors:       commandErrors,
	}, nil
}

// QPCreated records a successful create.
func (o *OTelMetrics) QPCreated(attrs map[string]string) {
	o.created.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// QPCreateFailed records a create that was rolled back.
func (o *OTelMetrics) QPCreateFailed(_ error, attrs map[string]string) {
	o.createFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithCode(attrs)...))
}

// QPDestroyed records a destroyed QP.
func (o *OTelMetrics) QPDestroyed(attrs map[string]string) {
	o.destroyed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// TransitionCompleted records one hardware state transition.
func (o *OTelMetrics) TransitionCompleted(attrs map[string]string) {
	attributes := otelAttrs(attrs)
	if v := attrs[labelTransition]; v != "" {
		attributes = append(attributes, attribute.String(labelTransition, v))
	}
	o.transitionCompleted.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// TransitionFailed records a failed modify.
func (o *OTelMetrics) TransitionFailed(_ error, attrs map[string]string) {
	attributes := otelAttrsWithCode(attrs)
	if v := attrs[labelTransition]; v != "" {
		attributes = append(attributes, attribute.String(labelTransition, v))
	}
	o.transitionFailed.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// CommandError counts collaborator commands that returned an error.
func (o *OTelMetrics) CommandError(command string, _ error, attrs map[string]string) {
	attributes := []attribute.KeyValue{
		attribute.String(labelCategory, attrs[labelCategory]),
		attribute.String(labelCommand, command),
		attribute.String(labelCode, attrs[labelCode]),
	}
	o.commandErrors.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelCategory, attrs[labelCategory]),
	}
	if v := attrs[labelService]; v != "" {
		kvs = append(kvs, attribute.String(labelService, v))
	}
	return kvs
}

func otelAttrsWithCode(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelCode]; v != "" {
		kvs = append(kvs, attribute.String(labelCode, v))
	}
	return kvs
}
