package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/chatstream/internal/chat"
	"github.com/ent0n29/chatstream/internal/config"
	"github.com/ent0n29/chatstream/internal/httpapi"
	"github.com/ent0n29/chatstream/internal/observability"
	"github.com/ent0n29/chatstream/internal/policy"
	"github.com/ent0n29/chatstream/internal/session"
	"github.com/ent0n29/chatstream/internal/sse"
	"github.com/ent0n29/chatstream/internal/stream"
	"github.com/ent0n29/chatstream/internal/transport"
)

const echoWordDelay = 40 * time.Millisecond

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *chat.Orchestrator
	Engine       *stream.Engine
	Metrics      *observability.Metrics
	// Upstream names the transport in use: the upstream URL or "echo".
	Upstream string

	// Cleanup flushes traces; call it on shutdown.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing.Enabled, cfg.Tracing.Exporter)
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}

	var (
		upstream     stream.Transport
		breaker      *transport.Breaker
		upstreamName = "echo"
	)
	if url := strings.TrimSpace(cfg.Upstream.URL); url != "" {
		breaker = transport.NewBreaker(
			transport.NewHTTP(url, cfg.Upstream.APIKey, cfg.Upstream.HeaderTimeout),
			"upstream",
			transport.BreakerConfig{
				MaxFailures: uint32(cfg.Breaker.MaxFailures),
				Timeout:     cfg.Breaker.Timeout,
			},
			logger,
		)
		upstream = breaker
		upstreamName = url
	} else {
		logger.Warn("no upstream url configured, answering with the local echo transport")
		upstream = transport.NewEcho(echoWordDelay)
	}

	engine := stream.New(upstream, stream.Options{
		Dialect:             sse.ParseDialect(cfg.Upstream.Dialect),
		PlainText:           cfg.Upstream.PlainText,
		RenderInterval:      cfg.Stream.RenderInterval,
		MinInitialChars:     cfg.Stream.InitialBufferChars,
		ConnectTimeout:      cfg.Stream.ConnectTimeout,
		MaxDuration:         cfg.Stream.MaxDuration,
		CloseDanglingMarkup: cfg.Stream.CloseDanglingMarkup,
		Redact: func(text string) string {
			out, changed := policy.RedactDetail(text)
			if changed {
				metrics.SessionEvents.WithLabelValues("detail_redacted").Inc()
			}
			return out
		},
		Observer: stream.Observers{
			observability.NewLogObserver(logger),
			observability.NewMetricsObserver(metrics),
			observability.NewTracingObserver(nil),
		},
	})

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	orchestrator := chat.NewOrchestrator(sessions, engine, metrics, logger, chat.Config{
		Model: cfg.Upstream.Model,
	})

	var health httpapi.Upstream
	if breaker != nil {
		health = breaker
	}
	api := httpapi.New(cfg, sessions, orchestrator, metrics, health, logger)

	cleanup := func(ctx context.Context) error {
		var errs []error
		if err := shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Engine:       engine,
		Metrics:      metrics,
		Upstream:     upstreamName,
		Cleanup:      cleanup,
	}, nil
}
