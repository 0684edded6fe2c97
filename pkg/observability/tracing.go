package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every span the worker starts.
const TracerName = "github.com/otherjamesbrown/penf-transcribe"

// Span names. Stage spans are "transcription.stage.<stage>".
const (
	SpanProcessTask = "transcription.process_task"
	SpanStagePrefix = "transcription.stage."
)

var (
	keyMeetingID = attribute.Key("meeting.id")
	keyTaskID    = attribute.Key("task.id")
	keyStage     = attribute.Key("pipeline.stage")
	keyTurns     = attribute.Key("chunk.turns")
	keySpeakers  = attribute.Key("chunk.speakers")
	keyErrKind   = attribute.Key("error.kind")
	keyErrCode   = attribute.Key("error.code")
	keyRetryable = attribute.Key("error.retryable")
)

// Tracer starts task and stage spans on the global provider. Without a
// configured provider the spans are no-ops.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer binds to the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// StartTaskSpan opens the consumer span covering one chunk task.
func (t *Tracer) StartTaskSpan(ctx context.Context, meetingID, taskID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanProcessTask,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(keyMeetingID.String(meetingID), keyTaskID.String(taskID)),
	)
}

// StartStageSpan opens a child span for one pipeline stage.
func (t *Tracer) StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanStagePrefix+stage, trace.WithAttributes(keyStage.String(stage)))
}

// SpanHelper records task outcomes on a span.
type SpanHelper struct {
	span trace.Span
}

func NewSpanHelper(span trace.Span) *SpanHelper {
	return &SpanHelper{span: span}
}

// SetCounts records how many turns and speakers a chunk produced.
func (h *SpanHelper) SetCounts(turns, speakers int) {
	h.span.SetAttributes(keyTurns.Int(turns), keySpeakers.Int(speakers))
}

// SetError marks the span failed with the error's classification.
func (h *SpanHelper) SetError(err error, kind, code string, retryable bool) {
	h.span.RecordError(err)
	h.span.SetStatus(codes.Error, err.Error())
	h.span.SetAttributes(keyErrKind.String(kind), keyErrCode.String(code), keyRetryable.Bool(retryable))
}

func (h *SpanHelper) SetSuccess() {
	h.span.SetStatus(codes.Ok, "")
}

func (h *SpanHelper) AddEvent(name string, attrs ...attribute.KeyValue) {
	h.span.AddEvent(name, trace.WithAttributes(attrs...))
}
