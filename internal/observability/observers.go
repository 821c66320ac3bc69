package observability

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ent0n29/chatstream/internal/delta"
	"github.com/ent0n29/chatstream/internal/policy"
	"github.com/ent0n29/chatstream/internal/sse"
	"github.com/ent0n29/chatstream/internal/stream"
)

// LogObserver writes stream diagnostics to a zap logger. Frame-level events
// are logged at debug level.
type LogObserver struct {
	logger *zap.Logger
}

func NewLogObserver(logger *zap.Logger) *LogObserver {
	return &LogObserver{logger: logger.Named("stream")}
}

func (o *LogObserver) StreamStarted(id string) {
	o.logger.Debug("stream started", zap.String("message_id", id))
}

func (o *LogObserver) FrameParsed(id string, stage sse.Stage, matcher string) {
	if stage == sse.StageStrict {
		return
	}
	o.logger.Debug("frame recovered",
		zap.String("message_id", id),
		zap.String("stage", string(stage)),
		zap.String("matcher", matcher),
	)
}

func (o *LogObserver) FrameDropped(id string, err error) {
	o.logger.Warn("frame dropped", zap.String("message_id", id), zap.Error(err))
}

func (o *LogObserver) Rendered(string, int, bool, time.Duration) {}

func (o *LogObserver) StreamFinished(final delta.State, elapsed time.Duration) {
	fields := []zap.Field{
		zap.String("message_id", final.ID),
		zap.String("status", string(final.Status)),
		zap.Int("chars", len(final.Text)),
		zap.Duration("elapsed", elapsed),
	}
	if final.Err != nil {
		detail, _ := policy.RedactDetail(final.Err.Message)
		fields = append(fields,
			zap.String("kind", string(final.Err.Kind)),
			zap.String("code", final.Err.Code),
			zap.Bool("retryable", final.Err.Retryable),
			zap.String("detail", detail),
		)
		o.logger.Warn("stream failed", fields...)
		return
	}
	o.logger.Info("stream finished", fields...)
}

// MetricsObserver feeds stream events into Prometheus instruments.
type MetricsObserver struct {
	m *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

func (o *MetricsObserver) StreamStarted(string) {
	o.m.ActiveStreams.Inc()
}

func (o *MetricsObserver) FrameParsed(_ string, stage sse.Stage, _ string) {
	o.m.Frames.WithLabelValues(string(stage)).Inc()
	o.m.window.frameParsed(stage)
}

func (o *MetricsObserver) FrameDropped(string, error) {
	o.m.FramesDropped.Inc()
	o.m.window.frameDropped()
}

func (o *MetricsObserver) Rendered(_ string, _ int, first bool, elapsed time.Duration) {
	o.m.Renders.Inc()
	if first {
		o.m.ObserveFirstRenderLatency(elapsed)
	}
}

func (o *MetricsObserver) StreamFinished(final delta.State, elapsed time.Duration) {
	o.m.ActiveStreams.Dec()
	o.m.ObserveStreamDuration(elapsed)
	kind := ""
	if final.Err != nil {
		kind = string(final.Err.Kind)
		o.m.UpstreamErrors.WithLabelValues(kind, final.Err.Code).Inc()
	}
	o.m.StreamOutcomes.WithLabelValues(string(final.Status), kind).Inc()
	o.m.window.finished(final.Status)
}

// TracingObserver records one span per stream.
type TracingObserver struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewTracingObserver uses the global tracer provider when tracer is nil.
func NewTracingObserver(tracer trace.Tracer) *TracingObserver {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &TracingObserver{tracer: tracer, spans: make(map[string]trace.Span)}
}

func (o *TracingObserver) StreamStarted(id string) {
	_, span := o.tracer.Start(context.Background(), "stream",
		trace.WithAttributes(attribute.String("message_id", id)))
	o.mu.Lock()
	o.spans[id] = span
	o.mu.Unlock()
}

func (o *TracingObserver) span(id string) trace.Span {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.spans[id]
}

func (o *TracingObserver) FrameParsed(id string, stage sse.Stage, matcher string) {
	if stage == sse.StageStrict {
		return
	}
	if span := o.span(id); span != nil {
		span.AddEvent("frame_recovered", trace.WithAttributes(
			attribute.String("stage", string(stage)),
			attribute.String("matcher", matcher),
		))
	}
}

func (o *TracingObserver) FrameDropped(id string, err error) {
	if span := o.span(id); span != nil {
		span.AddEvent("frame_dropped", trace.WithAttributes(attribute.String("error", err.Error())))
	}
}

func (o *TracingObserver) Rendered(id string, chars int, first bool, elapsed time.Duration) {
	if !first {
		return
	}
	if span := o.span(id); span != nil {
		span.AddEvent("first_render", trace.WithAttributes(
			attribute.Int("chars", chars),
			attribute.Int64("elapsed_ms", elapsed.Milliseconds()),
		))
	}
}

func (o *TracingObserver) StreamFinished(final delta.State, _ time.Duration) {
	o.mu.Lock()
	span := o.spans[final.ID]
	delete(o.spans, final.ID)
	o.mu.Unlock()
	if span == nil {
		return
	}

	span.SetAttributes(
		attribute.String("status", string(final.Status)),
		attribute.Int("chars", len(final.Text)),
	)
	switch {
	case final.Err != nil:
		span.SetAttributes(
			attribute.String("error.kind", string(final.Err.Kind)),
			attribute.Bool("error.retryable", final.Err.Retryable),
		)
		RecordError(span, errors.New(final.Err.Error()))
	case final.Status == delta.StatusCancelled:
		span.SetStatus(codes.Unset, "cancelled")
	default:
		SetOK(span)
	}
	span.End()
}

var (
	_ stream.Observer = (*LogObserver)(nil)
	_ stream.Observer = (*MetricsObserver)(nil)
	_ stream.Observer = (*TracingObserver)(nil)
)
