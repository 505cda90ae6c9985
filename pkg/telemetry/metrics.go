package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Outcome classifies how an outbound call ended.
type Outcome string

// Outcomes recorded for outbound calls.
const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeMalformed Outcome = "malformed"
)

type instruments struct {
	calls   metric.Int64Counter
	errors  metric.Int64Counter
	latency metric.Float64Histogram
}

// Instruments are built lazily from the global MeterProvider and rebuilt
// after SetupMeterProvider installs a new one.
var (
	instrumentsMu sync.Mutex
	current       *instruments
)

// UpstreamCall captures the fields needed to record an outbound call.
type UpstreamCall struct {
	// Call is "identity" or "prediction".
	Call       string
	Outcome    Outcome
	StatusCode int
	Duration   time.Duration
}

// RecordUpstreamCall emits counters and histograms that describe an outbound call.
func RecordUpstreamCall(ctx context.Context, call UpstreamCall) {
	inst, err := loadInstruments()
	if err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("relay.call", call.Call),
		attribute.String("relay.outcome", string(call.Outcome)),
	}
	if call.StatusCode > 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", call.StatusCode))
	}

	inst.calls.Add(ctx, 1, metric.WithAttributes(attrs...))

	if call.Duration > 0 {
		inst.latency.Record(ctx, float64(call.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if call.Outcome != OutcomeSuccess {
		inst.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func loadInstruments() (*instruments, error) {
	instrumentsMu.Lock()
	defer instrumentsMu.Unlock()

	if current != nil {
		return current, nil
	}

	inst, err := newInstruments(otel.GetMeterProvider().Meter(InstrumentationName))
	if err != nil {
		return nil, err
	}
	current = inst
	return inst, nil
}

func resetInstruments() {
	instrumentsMu.Lock()
	current = nil
	instrumentsMu.Unlock()
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	calls, err := meter.Int64Counter(
		"relay.upstream.calls_total",
		metric.WithDescription("Outbound calls partitioned by leg and outcome"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	errs, err := meter.Int64Counter(
		"relay.upstream.errors_total",
		metric.WithDescription("Outbound calls that did not succeed"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram(
		"relay.upstream.duration_ms",
		metric.WithDescription("Observed outbound call latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &instruments{calls: calls, errors: errs, latency: latency}, nil
}

// Redactor scrubs secrets from text before it leaves the process.
type Redactor interface {
	Redact(string) string
}

// EndSpan records err on span (if any) and ends it. The error text is passed
// through redactor so exported spans carry the same text as logs.
func EndSpan(span trace.Span, statusCode int, err error, redactor Redactor) {
	if span == nil {
		return
	}
	if statusCode > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", statusCode))
	}
	if err != nil {
		msg := err.Error()
		if redactor != nil {
			msg = redactor.Redact(msg)
		}
		span.AddEvent(semconv.ExceptionEventName, trace.WithAttributes(
			semconv.ExceptionType(fmt.Sprintf("%T", err)),
			semconv.ExceptionMessage(msg),
		))
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}
