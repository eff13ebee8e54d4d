package outcome

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanName is the name of the span recorded for every emission cycle.
const SpanName = "tracker.emit"

// OTelObserver records one OpenTelemetry span per emission cycle.
//
// The span starts at Outcome.Start and lasts Outcome.Duration. Cycles with
// failures get an error status.
//
// Example:
//
//	tracer := otel.Tracer("tracker")
//	emitter, _ := tracker.NewEmitter(conn, st,
//	    tracker.WithObserver(outcome.NewOTelObserver(tracer)),
//	)
type OTelObserver struct {
	tracer trace.Tracer
}

// NewOTelObserver creates an OTelObserver. A nil tracer uses the global
// provider's "tracker" tracer.
func NewOTelObserver(tracer trace.Tracer) *OTelObserver {
	if tracer == nil {
		tracer = otel.Tracer("tracker")
	}
	return &OTelObserver{tracer: tracer}
}

// Observe records o as a span.
func (t *OTelObserver) Observe(o Outcome) {
	_, span := t.tracer.Start(context.Background(), SpanName,
		trace.WithTimestamp(o.Start),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("tracker.namespace", o.Namespace),
		attribute.Int("tracker.events.success", o.Success),
		attribute.Int("tracker.events.failure", o.Failure),
		attribute.Int("tracker.events.will_retry", o.WillRetry),
		attribute.Int("tracker.events.dropped", o.Dropped),
		attribute.Int("tracker.requests", o.Requests),
	)
	if o.Failure > 0 {
		msg := fmt.Sprintf("%d events failed, %d will retry", o.Failure, o.WillRetry)
		span.SetStatus(codes.Error, msg)
	}
	span.End(trace.WithTimestamp(o.Start.Add(o.Duration)))
}

// Flush forces export of pending spans when the global provider supports it.
func (t *OTelObserver) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
