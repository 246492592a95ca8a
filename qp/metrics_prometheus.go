package qp

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	created             *prometheus.CounterVec
	createFailed        *prometheus.CounterVec
	destroyed           *prometheus.CounterVec
	transitionCompleted *prometheus.CounterVec
	transitionFailed    *prometheus.CounterVec
	commandErrors       *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "hca_qp_created_total",
			Help:        "Number of queue pairs created",
			ConstLabels: opts.ConstLabels,
		}, qpLabelKeys),
		createFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "hca_qp_create_failed_total",
			Help:        "Number of queue pair creations that were rolled back",
			ConstLabels: opts.ConstLabels,
		}, qpFailureLabelKeys),
		destroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "hca_qp_destroyed_total",
			Help:        "Number of queue pairs destroyed",
			ConstLabels: opts.ConstLabels,
		}, qpLabelKeys),
		transitionCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "hca_qp_transitions_total",
			Help:        "Number of hardware state transitions applied",
			ConstLabels: opts.ConstLabels,
		}, transitionLabelKeys),
		transitionFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "hca_qp_transitions_failed_total",
			Help:        "Number of modify requests that failed",
			ConstLabels: opts.ConstLabels,
		}, transitionFailureLabelKeys),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "hca_qp_command_errors_total",
			Help:        "Number of hardware or collaborator commands that returned an error",
			ConstLabels: opts.ConstLabels,
		}, commandLabelKeys),
	}

	var err error
	if p.created, err = registerCounterVec(reg, p.created); err != nil {
		return nil, err
	}
	if p.createFailed, err = registerCounterVec(reg, p.createFailed); err != nil {
		return nil, err
	}
	if p.destroyed, err = registerCounterVec(reg, p.destroyed); err != nil {
		return nil, err
	}
	if p.transitionCompleted, err = registerCounterVec(reg, p.transitionCompleted); err != nil {
		return nil, err
	}
	if p.transitionFailed, err = registerCounterVec(reg, p.transitionFailed); err != nil {
		return nil, err
	}
	if p.commandErrors, err = registerCounterVec(reg, p.commandErrors); err != nil {
		return nil, err
	}

	return p, nil
}

var (
	qpLabelKeys                = []string{labelCategory, labelService}
	qpFailureLabelKeys         = []string{labelCategory, labelService, labelCode}
	transitionLabelKeys        = []string{labelCategory, labelService, labelTransition}
	transitionFailureLabelKeys = []string{labelCategory, labelService, labelTransition, labelCode}
	commandLabelKeys           = []string{labelCategory, labelCommand, labelCode}
)

func (p *PrometheusMetrics) QPCreated(attrs map[string]string) {
	p.created.With(labels(attrs, qpLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) QPCreateFailed(_ error, attrs map[string]string) {
	p.createFailed.With(labels(attrs, qpFailureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) QPDestroyed(attrs map[string]string) {
	p.destroyed.With(labels(attrs, qpLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) TransitionCompleted(attrs map[string]string) {
	p.transitionCompleted.With(labels(attrs, transitionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) TransitionFailed(_ error, attrs map[string]string) {
	p.transitionFailed.With(labels(attrs, transitionFailureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CommandError(command string, _ error, attrs map[string]string) {
	labs := labels(attrs, commandLabelKeys...)
	labs[labelCommand] = command
	p.commandErrors.With(labs).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
