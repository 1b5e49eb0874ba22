package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/query"
	"github.com/joescharf/triage/internal/store"
)

const storeScopeName = "github.com/joescharf/triage/store"

// InstrumentedStore wraps store.Store with OTel tracing and metrics.
// Every method gets a span and is counted in triage.store.* metrics.
type InstrumentedStore struct {
	inner  store.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is.
func WrapStore(s store.Store) store.Store {
	if !Enabled() {
		return s
	}
	return newInstrumentedStore(s, Tracer(storeScopeName), Meter(storeScopeName))
}

func newInstrumentedStore(s store.Store, tracer trace.Tracer, m metric.Meter) *InstrumentedStore {
	ops, _ := m.Int64Counter("triage.store.operations",
		metric.WithDescription("Total store operations executed"),
	)
	dur, _ := m.Float64Histogram("triage.store.operation.duration",
		metric.WithDescription("Store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("triage.store.errors",
		metric.WithDescription("Total store operation errors"),
	)
	return &InstrumentedStore{inner: s, tracer: tracer, ops: ops, dur: dur, errs: errs}
}

// op starts a span and records a metric for the named store operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "store."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (s *InstrumentedStore) Insert(ctx context.Context, issue *models.Issue) (string, error) {
	attrs := []attribute.KeyValue{
		attribute.String("triage.issue.status", string(issue.Status)),
		attribute.String("triage.issue.priority", string(issue.Priority)),
	}
	ctx, span, t := s.op(ctx, "Insert", attrs...)
	id, err := s.inner.Insert(ctx, issue)
	s.done(ctx, span, t, err, attrs...)
	return id, err
}

func (s *InstrumentedStore) Get(ctx context.Context, id string) (*models.Issue, error) {
	attrs := []attribute.KeyValue{attribute.String("triage.issue.id", id)}
	ctx, span, t := s.op(ctx, "Get", attrs...)
	v, err := s.inner.Get(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetAll(ctx context.Context) ([]*models.Issue, error) {
	ctx, span, t := s.op(ctx, "GetAll")
	v, err := s.inner.GetAll(ctx)
	span.SetAttributes(attribute.Int("triage.issue.count", len(v)))
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) Query(ctx context.Context, spec query.FilterSpec) ([]*models.Issue, error) {
	attrs := []attribute.KeyValue{attribute.String("triage.query", spec.String())}
	ctx, span, t := s.op(ctx, "Query", attrs...)
	v, err := s.inner.Query(ctx, spec)
	span.SetAttributes(attribute.Int("triage.issue.count", len(v)))
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) Patch(ctx context.Context, id string, patch models.IssuePatch) error {
	attrs := []attribute.KeyValue{attribute.String("triage.issue.id", id)}
	ctx, span, t := s.op(ctx, "Patch", attrs...)
	err := s.inner.Patch(ctx, id, patch)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) Remove(ctx context.Context, id string) error {
	attrs := []attribute.KeyValue{attribute.String("triage.issue.id", id)}
	ctx, span, t := s.op(ctx, "Remove", attrs...)
	err := s.inner.Remove(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
