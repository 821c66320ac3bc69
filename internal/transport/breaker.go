package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/ent0n29/chatstream/internal/reliability"
	"github.com/ent0n29/chatstream/internal/stream"
)

const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// ErrCircuitOpen is returned without contacting upstream while the breaker is open.
var ErrCircuitOpen = &circuitOpenError{}

type circuitOpenError struct{}

func (*circuitOpenError) Error() string { return "upstream circuit open" }

// ErrorKind reports an open circuit as a retryable server failure.
func (*circuitOpenError) ErrorKind() (reliability.Kind, bool) {
	return reliability.KindServer, true
}

type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed opens before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration `yaml:"timeout"`
	// Interval clears failure counts while closed.
	Interval time.Duration `yaml:"interval"`
}

// Breaker guards stream opens with a circuit breaker. Only the open counts;
// errors after the body starts streaming do not trip the circuit.
type Breaker struct {
	inner   stream.Transport
	breaker *gobreaker.CircuitBreaker[io.ReadCloser]
}

func NewBreaker(inner stream.Transport, name string, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[io.ReadCloser](gobreaker.Settings{
		Name:        "upstream:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err)
		},
	})
	return &Breaker{inner: inner, breaker: cb}
}

func (b *Breaker) Open(ctx context.Context, req stream.Request) (io.ReadCloser, error) {
	body, err := b.breaker.Execute(func() (io.ReadCloser, error) {
		return b.inner.Open(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, err
	}
	return body, nil
}

func (b *Breaker) State() gobreaker.State { return b.breaker.State() }

// countsAsFailure reports whether err says something about upstream health.
// Client errors such as a rejected key and caller cancellation do not.
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		_, retryable := reliability.ClassifyHTTPStatus(se.Code)
		return retryable || se.Code >= 500
	}
	return true
}

var (
	_ stream.Transport = (*HTTP)(nil)
	_ stream.Transport = (*Breaker)(nil)
)
