package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ent0n29/chatstream/internal/chat"
	"github.com/ent0n29/chatstream/internal/config"
	"github.com/ent0n29/chatstream/internal/httpapi"
	"github.com/ent0n29/chatstream/internal/observability"
	"github.com/ent0n29/chatstream/internal/session"
	"github.com/ent0n29/chatstream/internal/stream"
	"github.com/ent0n29/chatstream/internal/transport"
)

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "perfchat_test")
	sessions := session.NewManager(time.Minute)
	engine := stream.New(transport.NewEcho(time.Millisecond), stream.Options{
		RenderInterval: 5 * time.Millisecond,
		Observer:       observability.NewMetricsObserver(metrics),
	})
	orch := chat.NewOrchestrator(sessions, engine, metrics, zap.NewNop(), chat.Config{Model: "echo"})
	api := httpapi.New(cfg, sessions, orch, metrics, nil, zap.NewNop())
	ts := httptest.NewServer(api.Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestRunDrivesTurnsThroughRelay(t *testing.T) {
	ts := newRelay(t)

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{
		"--base-url", ts.URL,
		"--turns", "3",
		"--inter-turn", "0s",
		"--turn-timeout", "5s",
		"--texts", "first prompt|second prompt",
	})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	text := out.String()
	assert.Contains(t, text, "perfchat: turn 1/3 reason=completed")
	assert.Contains(t, text, "perfchat: turn 3/3 reason=completed")
	assert.Contains(t, text, "perfchat: completed 3/3 turns")
	assert.Contains(t, text, "perfchat: server stages")
}

func TestFinishOptionsValidates(t *testing.T) {
	cfg := options{baseURL: " ", turns: 1}
	require.Error(t, finishOptions(&cfg, ""))

	cfg = options{baseURL: "http://x", turns: 0}
	require.Error(t, finishOptions(&cfg, ""))

	cfg = options{baseURL: "http://x/", turns: 1}
	require.Error(t, finishOptions(&cfg, " | "))

	cfg = options{baseURL: "http://x/", turns: 1}
	require.NoError(t, finishOptions(&cfg, "a| b |"))
	assert.Equal(t, "http://x", cfg.baseURL)
	assert.Equal(t, []string{"a", "b"}, cfg.texts)
	assert.Equal(t, time.Second, cfg.turnTimeout)

	cfg = options{baseURL: "http://x", turns: 1, turnTimeout: time.Minute}
	require.NoError(t, finishOptions(&cfg, ""))
	assert.Equal(t, defaultPrompts, cfg.texts)
}

func TestWSURLForSession(t *testing.T) {
	got, err := wsURLForSession("https://relay.example/base/", "s 1")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example/base/v1/chat/session/ws?session_id=s+1", got)

	_, err = wsURLForSession("ftp://relay.example", "s1")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "scheme"))
}

func TestAwaitTurnEndTimesOut(t *testing.T) {
	events := make(chan wsEnvelope, 1)
	events <- wsEnvelope{Type: "assistant_text_snapshot", Text: "partial"}
	res, err := awaitTurnEnd(events, make(chan error), time.Now(), 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 1, res.snapshots)
}
