package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the callagent tracer.
const tracerName = "github.com/MrWong99/callagent"

// Span attribute and log keys shared by the call controller and the turn
// processor.
const (
	KeyCallID  = "call_id"
	KeyTurn    = "turn"
	KeyStage   = "stage"
	KeyAttempt = "attempt"
)

// Tracer returns the callagent tracer of the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// tracerFor keeps child spans on their local parent's provider. Root spans
// and spans continuing a remote trace use the global provider.
func tracerFor(ctx context.Context) trace.Tracer {
	if parent := trace.SpanFromContext(ctx); parent.IsRecording() {
		return parent.TracerProvider().Tracer(tracerName)
	}
	return Tracer()
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tracerFor(ctx).Start(ctx, name, opts...)
}

// ─── Call scope ──────────────────────────────────────────────────────────────

type callKey struct{}

type callScope struct {
	id   string
	turn int
}

// WithCall tags ctx with a call and turn. [Logger] and [StartStageSpan] pick
// the tags up.
func WithCall(ctx context.Context, callID string, turn int) context.Context {
	return context.WithValue(ctx, callKey{}, callScope{id: callID, turn: turn})
}

// CallFromContext returns the tags set by [WithCall].
func CallFromContext(ctx context.Context) (callID string, turn int, ok bool) {
	s, ok := ctx.Value(callKey{}).(callScope)
	return s.id, s.turn, ok
}

// StartTurnSpan starts the root span of one turn and tags the returned
// context with the call.
func StartTurnSpan(ctx context.Context, callID string, turn int) (context.Context, trace.Span) {
	ctx = WithCall(ctx, callID, turn)
	return StartSpan(ctx, "turn", trace.WithAttributes(
		attribute.String(KeyCallID, callID),
		attribute.Int(KeyTurn, turn),
	))
}

// StartStageSpan starts the span of one attempt at a turn stage.
func StartStageSpan(ctx context.Context, stage string, attempt int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String(KeyStage, stage),
		attribute.Int(KeyAttempt, attempt),
	}
	if id, turn, ok := CallFromContext(ctx); ok {
		attrs = append(attrs, attribute.String(KeyCallID, id), attribute.Int(KeyTurn, turn))
	}
	return StartSpan(ctx, "turn."+stage, trace.WithAttributes(attrs...))
}

// FailSpan marks span as failed with err. A nil err leaves it untouched.
func FailSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID extracts the trace ID from the span context in ctx, or ""
// when there is none. The HTTP middleware returns it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id of the active
// span and the call_id and turn set by [WithCall], whichever are present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id, turn, ok := CallFromContext(ctx); ok {
		l = l.With(slog.String(KeyCallID, id), slog.Int(KeyTurn, turn))
	}
	return l
}
