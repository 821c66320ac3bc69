package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ent0n29/chatstream/internal/delta"
	"github.com/ent0n29/chatstream/internal/reliability"
	"github.com/ent0n29/chatstream/internal/sse"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("info", "json", &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("hello")
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"level":"info"`)
	assert.Contains(t, out, `"message":"hello"`)
	assert.Contains(t, out, `"timestamp":`)
}

func TestNewLoggerRejectsBadInput(t *testing.T) {
	_, err := NewLogger("loud", "json", nil)
	assert.Error(t, err)
	_, err = NewLogger("info", "xml", nil)
	assert.Error(t, err)
}

func TestLogObserverReportsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("debug", "json", &buf)
	require.NoError(t, err)
	o := NewLogObserver(logger)

	o.FrameDropped("m1", sse.ErrParseFailure)
	o.StreamFinished(delta.State{
		ID:     "m1",
		Status: delta.StatusErrored,
		Err:    &delta.ErrorInfo{Kind: reliability.KindRateLimit, Code: "429", Retryable: true},
	}, time.Second)

	out := buf.String()
	assert.Contains(t, out, `"message":"frame dropped"`)
	assert.Contains(t, out, `"message":"stream failed"`)
	assert.Contains(t, out, `"kind":"rate_limit"`)
	assert.Contains(t, out, `"logger":"stream"`)
}

func TestMetricsObserver(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")
	o := NewMetricsObserver(m)

	o.StreamStarted("m1")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams))

	o.FrameParsed("m1", sse.StageStrict, "content")
	o.FrameParsed("m1", sse.StageRepaired, "content")
	o.FrameDropped("m1", sse.ErrParseFailure)
	o.Rendered("m1", 3, true, 120*time.Millisecond)
	o.Rendered("m1", 6, false, 200*time.Millisecond)
	o.StreamFinished(delta.State{ID: "m1", Status: delta.StatusCompleted}, 2*time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveStreams))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Frames.WithLabelValues("strict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Frames.WithLabelValues("repaired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Renders))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamOutcomes.WithLabelValues("completed", "")))

	snap := m.SnapshotStreamStages()
	require.Len(t, snap.Stages, 2)
	assert.Equal(t, StageFirstRender, snap.Stages[0].Stage)
	assert.Equal(t, 120.0, snap.Stages[0].LastMS)
	assert.Equal(t, 550.0, snap.Stages[0].TargetP95MS)
	assert.Equal(t, StageStreamTotal, snap.Stages[1].Stage)
	assert.Equal(t, map[sse.Stage]int{sse.StageStrict: 1, sse.StageRepaired: 1}, snap.Frames.ByStage)
	assert.Equal(t, 1, snap.Frames.Dropped)
	assert.Equal(t, 0.5, snap.Frames.Recovered)
	assert.Equal(t, map[delta.Status]int{delta.StatusCompleted: 1}, snap.Outcomes)
}

func TestStreamWindowLatency(t *testing.T) {
	w := newStreamWindow(4)
	for _, ms := range []int{500, 700, 900} {
		w.observeLatency(StageFirstRender, time.Duration(ms)*time.Millisecond)
	}
	w.observeLatency(StageFirstRender, -time.Millisecond)

	snap := w.snapshot()
	require.Len(t, snap.Stages, 1)
	s := snap.Stages[0]
	assert.Equal(t, 4, snap.WindowSize)
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 900.0, s.LastMS)
	assert.Equal(t, 700.0, s.P50MS)
	assert.Equal(t, 900.0, s.P95MS)
	assert.Equal(t, 2, s.OverTarget)

	for i := 1; i <= 10; i++ {
		w.observeLatency(StageStreamTotal, time.Duration(i)*time.Second)
	}
	snap = w.snapshot()
	require.Len(t, snap.Stages, 2)
	total := snap.Stages[1]
	assert.Equal(t, 4, total.Samples)
	assert.Equal(t, 10000.0, total.LastMS)
	assert.Equal(t, 8000.0, total.P50MS)
	assert.Equal(t, 0, total.OverTarget)
	assert.Zero(t, snap.Frames.Recovered)
}

func TestTracingObserverSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	o := NewTracingObserver(tp.Tracer("test"))

	o.StreamStarted("ok")
	o.FrameParsed("ok", sse.StagePartial, "content")
	o.Rendered("ok", 2, true, time.Millisecond)
	o.StreamFinished(delta.State{ID: "ok", Status: delta.StatusCompleted, Text: "hi"}, time.Second)

	o.StreamStarted("bad")
	o.FrameDropped("bad", errors.New("boom"))
	o.StreamFinished(delta.State{
		ID:     "bad",
		Status: delta.StatusErrored,
		Err:    &delta.ErrorInfo{Kind: reliability.KindServer, Message: "down"},
	}, time.Second)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 2)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Empty(t, o.spans)
}

func TestSetupTracing(t *testing.T) {
	for _, tc := range []struct {
		enabled  bool
		exporter string
		wantErr  bool
	}{
		{false, "", false},
		{true, "noop", false},
		{true, "stdout", false},
		{true, "zipkin", true},
	} {
		shutdown, err := SetupTracing(context.Background(), tc.enabled, tc.exporter)
		if tc.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		require.NoError(t, shutdown(context.Background()))
	}
}
