package qp

import (
	"fmt"
	"strings"
)

// Logger provides debug logging hooks for the manager.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to lifecycle spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap lifecycle operations.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records lifecycle operations, hardware commands and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures lifecycle telemetry events.
type MetricHook interface {
	QPCreated(attrs map[string]string)
	QPCreateFailed(err error, attrs map[string]string)
	QPDestroyed(attrs map[string]string)
	TransitionCompleted(attrs map[string]string)
	TransitionFailed(err error, attrs map[string]string)
	CommandError(command string, err error, attrs map[string]string)
}

const (
	labelCategory   = "category"
	labelService    = "service_type"
	labelTransition = "transition"
	labelCommand    = "command"
	labelCode       = "code"
)

const (
	categoryRegular = "regular"
	categorySpecial = "special"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (m *Manager) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+1)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (m *Manager) logEvent(event string, fields ...logField) {
	if m == nil {
		return
	}
	if m.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		m.structuredLogger.Debugw("qp manager", kv...)
		return
	}
	if m.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	m.logger.Debugf("qp manager %s", b.String())
}

// qpFields returns the labels describing q shared by logs, spans and metrics.
func qpFields(q *queuePair) []logField {
	return []logField{
		logKV(labelCategory, categoryOf(q)),
		logKV(labelService, q.service.String()),
	}
}

func (m *Manager) metricQPCreated(fields ...logField) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.QPCreated(m.metricAttrs(fields...))
}

func (m *Manager) metricQPCreateFailed(err error, fields ...logField) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.QPCreateFailed(err, m.metricAttrs(append(fields, logKV(labelCode, codeLabel(err)))...))
}

func (m *Manager) metricQPDestroyed(fields ...logField) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.QPDestroyed(m.metricAttrs(fields...))
}

func (m *Manager) metricTransitionCompleted(fields ...logField) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.TransitionCompleted(m.metricAttrs(fields...))
}

func (m *Manager) metricTransitionFailed(err error, fields ...logField) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.TransitionFailed(err, m.metricAttrs(append(fields, logKV(labelCode, codeLabel(err)))...))
}

func (m *Manager) metricCommandError(command string, err error, fields ...logField) {
	if m == nil {
		return
	}
	m.stats.commandErrors.Add(1)
	if m.metrics == nil {
		return
	}
	m.metrics.CommandError(command, err, m.metricAttrs(append(fields, logKV(labelCode, codeLabel(err)))...))
}

func codeLabel(err error) string {
	code := CodeOf(classify("", err, Fatal))
	if code == 0 {
		return "unknown"
	}
	return strings.TrimPrefix(code.Error(), "qp: ")
}

func (m *Manager) startSpan(name string, fields ...logField) Span {
	if m == nil || m.tracer == nil {
		return nil
	}
	return m.tracer.StartSpan(name, attributesFromFields(fields...)...)
}

func finishSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
