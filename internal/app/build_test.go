package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chatstream/internal/chat"
	"github.com/ent0n29/chatstream/internal/config"
	"github.com/ent0n29/chatstream/internal/delta"
	"github.com/ent0n29/chatstream/internal/session"
	"github.com/ent0n29/chatstream/internal/stream"
)

func TestBuildFallsBackToEcho(t *testing.T) {
	cfg := config.Default()
	cfg.MetricsNamespace = "chatstream_app_test"

	res, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup(context.Background()) })
	assert.Equal(t, "echo", res.Upstream)
	require.NotNil(t, res.API.Router())

	final := res.Engine.Start(context.Background(), stream.Request{
		Payload: chat.CompletionRequest{
			Stream:   true,
			Messages: []session.Turn{{Role: session.RoleUser, Content: "ping"}},
		},
	}, stream.Handlers{}).Wait()
	assert.Equal(t, delta.StatusCompleted, final.Status)
	assert.Equal(t, "I heard you: ping", final.Text)
}
