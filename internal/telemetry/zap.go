package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ZapLogger adapts a *zap.Logger (via go-logr) to the Logger interface.
// Nothing in this module constructs it by default: orchestrator.New falls
// back to the noop logger when given a nil Logger.
type ZapLogger struct {
	log logr.Logger
}

// NewZapLogger builds a production zap.Logger and wraps it as a Logger.
func NewZapLogger() (Logger, error) {
	zl, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return ZapLogger{log: zapr.NewLogger(zl)}, nil
}

func (z ZapLogger) Debug(_ context.Context, msg string, keyvals ...any) {
	z.log.V(1).Info(msg, keyvals...)
}

func (z ZapLogger) Info(_ context.Context, msg string, keyvals ...any) {
	z.log.Info(msg, keyvals...)
}

func (z ZapLogger) Warn(_ context.Context, msg string, keyvals ...any) {
	z.log.Info(msg, append(keyvals, "severity", "warning")...)
}

func (z ZapLogger) Error(_ context.Context, msg string, keyvals ...any) {
	z.log.Error(nil, msg, keyvals...)
}

// OTELMetrics delegates to an OpenTelemetry meter.
type OTELMetrics struct {
	meter metric.Meter
}

// NewOTELMetrics constructs a Metrics recorder bound to the named meter.
func NewOTELMetrics(instrumentationName string) Metrics {
	return OTELMetrics{meter: otel.Meter(instrumentationName)}
}

func (m OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m OTELMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m OTELMetrics) RecordGauge(name string, value float64, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// OTELTracer delegates to an OpenTelemetry tracer.
type OTELTracer struct {
	tracer trace.Tracer
}

// NewOTELTracer constructs a Tracer bound to the named tracer.
func NewOTELTracer(instrumentationName string) Tracer {
	return OTELTracer{tracer: otel.Tracer(instrumentationName)}
}

func (t OTELTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, otelSpan{span: span}
}

func (t OTELTracer) Span(ctx context.Context) Span {
	return otelSpan{span: trace.SpanFromContext(ctx)}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }
func (s otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvToAttrs(attrs)...))
}
func (s otelSpan) SetStatus(code codes.Code, description string) { s.span.SetStatus(code, description) }
func (s otelSpan) RecordError(err error, opts ...trace.EventOption) { s.span.RecordError(err, opts...) }

func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

func kvToAttrs(kv []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, attribute.String(k, stringify(kv[i+1])))
	}
	return attrs
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
