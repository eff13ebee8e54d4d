package outcome

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestFunc(t *testing.T) {
	var gotS, gotF int
	obs := Func(func(success, failure int) { gotS, gotF = success, failure })
	obs.Observe(Outcome{Success: 3, Failure: 2, WillRetry: 2})
	if gotS != 3 || gotF != 2 {
		t.Errorf("callback got (%d, %d), want (3, 2)", gotS, gotF)
	}
}

func TestMulti(t *testing.T) {
	a, b := NewBufferedObserver(), NewBufferedObserver()
	Multi{a, nil, b, Null{}}.Observe(Outcome{Success: 1})
	if len(a.History()) != 1 || len(b.History()) != 1 {
		t.Errorf("expected both observers to receive the outcome")
	}
}

func TestBufferedObserver(t *testing.T) {
	buf := NewBufferedObserver()
	buf.Observe(Outcome{Namespace: "a", Success: 2, Requests: 1})
	buf.Observe(Outcome{Namespace: "b", Failure: 3, WillRetry: 1, Dropped: 2, Requests: 2})
	buf.Observe(Outcome{Namespace: "a", Success: 1, Failure: 1, Dropped: 1, Requests: 2})

	select {
	case <-buf.Notify():
	default:
		t.Error("expected a notification")
	}

	totals := buf.Totals()
	if totals.Success != 3 || totals.Failure != 4 || totals.WillRetry != 1 || totals.Dropped != 3 || totals.Requests != 5 {
		t.Errorf("unexpected totals %+v", totals)
	}

	if got := buf.HistoryWithFilter(HistoryFilter{Namespace: "a"}); len(got) != 2 {
		t.Errorf("expected 2 outcomes for namespace a, got %d", len(got))
	}
	if got := buf.HistoryWithFilter(HistoryFilter{OnlyFailure: true}); len(got) != 2 {
		t.Errorf("expected 2 failing outcomes, got %d", len(got))
	}

	buf.Clear()
	if len(buf.History()) != 0 {
		t.Error("expected empty history after Clear")
	}
}

func TestLogObserver(t *testing.T) {
	tests := []struct {
		name      string
		outcome   Outcome
		wantLevel string
	}{
		{"clean cycle", Outcome{Namespace: "app", Success: 4, Requests: 1}, "debug"},
		{"failures", Outcome{Namespace: "app", Success: 1, Failure: 2, WillRetry: 2, Requests: 2}, "warn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
			NewLogObserver(logger).Observe(tt.outcome)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("invalid log line %q: %v", buf.String(), err)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
			if entry["namespace"] != "app" {
				t.Errorf("namespace = %v", entry["namespace"])
			}
			if entry["success"] != float64(tt.outcome.Success) {
				t.Errorf("success = %v, want %d", entry["success"], tt.outcome.Success)
			}
		})
	}
}

func TestOTelObserver(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	obs := NewOTelObserver(tp.Tracer("test"))
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	obs.Observe(Outcome{Namespace: "app", Success: 2, Requests: 1, Start: start, Duration: 40 * time.Millisecond})
	obs.Observe(Outcome{Namespace: "app", Failure: 1, WillRetry: 1, Requests: 1, Start: start})

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != SpanName {
		t.Errorf("span name = %q, want %q", spans[0].Name, SpanName)
	}
	if d := spans[0].EndTime.Sub(spans[0].StartTime); d != 40*time.Millisecond {
		t.Errorf("span duration = %v, want 40ms", d)
	}
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	if attrs["tracker.events.success"].AsInt64() != 2 {
		t.Errorf("success attribute = %v", attrs["tracker.events.success"])
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("clean cycle should not have error status")
	}
	if spans[1].Status.Code != codes.Error {
		t.Error("failed cycle should have error status")
	}
}
