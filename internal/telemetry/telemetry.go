// Package telemetry provides the structured event emission contract
// wrapping every significant operation: for each operation a start
// event, then either a success or a failure event carrying the elapsed
// duration.  Emission is a side effect of error propagation, never a
// substitute for it -- observability must not suppress an error.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Category groups operations by the subsystem they belong to.
type Category string

const (
	CategoryMachine  Category = "machine"
	CategoryForge    Category = "forge"
	CategoryProvider Category = "provider"
	CategorySSH      Category = "ssh"
)

// Metadata is the key-value context attached to an event.  Every
// operation carries at minimum tenant_id, plus machine_id and
// provider_type when applicable.
type Metadata map[string]string

// merged returns a copy of m with extra layered on top.
func (m Metadata) merged(extra Metadata) Metadata {
	out := make(Metadata, len(m)+len(extra))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Event is one emitted telemetry event.  Name is "<op>_start",
// "<op>_success", or "<op>_failure".  Duration is zero for start
// events; Err is non-nil only for failure events.
type Event struct {
	Category Category
	Name     string
	Duration time.Duration
	Err      error
	Meta     Metadata
}

// Emitter receives telemetry events.  Emit must not fail and must not
// block the wrapped operation for longer than strictly necessary.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Span wraps a unit of work: it emits "<op>_start", runs fn inside an
// OpenTelemetry span, and emits "<op>_success" or "<op>_failure" with
// the elapsed duration.  fn may return extra metadata to attach to the
// success event (e.g. an install path); failure events carry the error
// instead.  The error is always propagated to the caller after being
// recorded.
func Span(
	ctx context.Context,
	e Emitter,
	cat Category,
	op string,
	meta Metadata,
	fn func(ctx context.Context) (Metadata, error),
) error {
	attrs := make([]attribute.KeyValue, 0, len(meta))
	for k, v := range meta {
		attrs = append(attrs, attribute.String(k, v))
	}
	ctx, span := otel.Tracer("nimbus/telemetry").Start(ctx, string(cat)+"."+op,
		trace.WithAttributes(attrs...))
	defer span.End()

	e.Emit(ctx, Event{Category: cat, Name: op + "_start", Meta: meta})
	start := time.Now()

	extra, err := fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.Emit(ctx, Event{Category: cat, Name: op + "_failure", Duration: elapsed, Err: err, Meta: meta})
		return err
	}

	e.Emit(ctx, Event{Category: cat, Name: op + "_success", Duration: elapsed, Meta: meta.merged(extra)})
	return nil
}

// Log is the default Emitter: structured slog output plus OTel
// counters and an operation duration histogram.
type Log struct {
	logger *slog.Logger

	events   metric.Int64Counter
	duration metric.Float64Histogram
}

// Compile-time check.
var _ Emitter = (*Log)(nil)

// NewLog creates a Log emitter.  Metric creation errors are logged but
// not fatal -- telemetry must never prevent the system from working.
func NewLog(logger *slog.Logger) *Log {
	l := &Log{logger: logger}
	meter := otel.Meter("nimbus/telemetry")

	var err error
	l.events, err = meter.Int64Counter(
		"nimbus.telemetry.events",
		metric.WithDescription("Total number of telemetry events emitted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create events counter", slog.String("error", err.Error()))
	}

	l.duration, err = meter.Float64Histogram(
		"nimbus.telemetry.operation.duration",
		metric.WithDescription("Operation duration (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", slog.String("error", err.Error()))
	}

	return l
}

// Emit logs the event and records metrics.
func (l *Log) Emit(ctx context.Context, ev Event) {
	attrs := make([]slog.Attr, 0, len(ev.Meta)+3)
	attrs = append(attrs, slog.String("category", string(ev.Category)))
	for k, v := range ev.Meta {
		attrs = append(attrs, slog.String(k, v))
	}
	if ev.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", ev.Duration))
	}

	level := slog.LevelInfo
	if ev.Err != nil {
		level = slog.LevelError
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}
	l.logger.LogAttrs(ctx, level, ev.Name, attrs...)

	if l.events != nil {
		l.events.Add(ctx, 1, metric.WithAttributes(
			attribute.String("category", string(ev.Category)),
			attribute.String("event", ev.Name),
		))
	}
	if l.duration != nil && ev.Duration > 0 {
		l.duration.Record(ctx, ev.Duration.Seconds(), metric.WithAttributes(
			attribute.String("category", string(ev.Category)),
			attribute.String("event", ev.Name),
		))
	}
}

// Nop is an Emitter that discards every event.
type Nop struct{}

var _ Emitter = Nop{}

func (Nop) Emit(context.Context, Event) {}
