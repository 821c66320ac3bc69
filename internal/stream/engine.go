// Package stream runs one request/response cycle against a streaming chat
// backend: it reads the transport, reassembles frames, accumulates text and
// paces renders towards the caller.
package stream

import (
	"context"
	"io"
	"time"

	"github.com/ent0n29/chatstream/internal/clock"
	"github.com/ent0n29/chatstream/internal/delta"
	"github.com/ent0n29/chatstream/internal/render"
	"github.com/ent0n29/chatstream/internal/sse"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultMaxDuration    = 5 * time.Minute
	readBufferSize        = 4096
)

// Transport opens the byte stream for one request.
type Transport interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// Request describes one assistant message to stream.
type Request struct {
	// MessageID identifies the response; a new id is generated when empty.
	MessageID string
	Payload   any
}

// Handlers receive the outcome of a stream. OnDelta gets the full text so far
// at a throttled rate, possibly from a timer goroutine; calls for one stream
// never overlap. Exactly one of OnError and OnComplete is called, after the
// final OnDelta.
type Handlers struct {
	OnDelta    func(text, messageID string)
	OnError    func(info delta.ErrorInfo, messageID string)
	OnComplete func(finalText, messageID string)
}

type Options struct {
	Dialect sse.Dialect
	// PlainText treats non-JSON lines as content in the lines dialect.
	PlainText           bool
	RenderInterval      time.Duration
	MinInitialChars     int
	ConnectTimeout      time.Duration
	MaxDuration         time.Duration
	CloseDanglingMarkup bool
	Matchers            []delta.Matcher
	Observer            Observer
	Clock               clock.Clock
	// Redact rewrites upstream error and warning text before it is appended
	// to the response. Nil keeps it verbatim.
	Redact func(string) string
}

// Engine starts stream sessions. It holds no per-stream state, so one Engine
// serves any number of concurrent sessions.
type Engine struct {
	transport Transport
	opts      Options
	parser    *sse.Parser
	extractor *delta.Extractor
	acc       *delta.Accumulator
}

func New(transport Transport, opts Options) *Engine {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.MaxDuration == 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	var parserOpts []sse.ParserOption
	if opts.PlainText {
		parserOpts = append(parserOpts, sse.WithPlainText())
	}
	var accOpts []delta.AccumulatorOption
	if opts.CloseDanglingMarkup {
		accOpts = append(accOpts, delta.WithCloseDanglingMarkup())
	}

	return &Engine{
		transport: transport,
		opts:      opts,
		parser:    sse.NewParser(parserOpts...),
		extractor: delta.NewExtractor(opts.Matchers...),
		acc:       delta.NewAccumulator(accOpts...),
	}
}

// Start opens the stream in the background and returns immediately.
func (e *Engine) Start(ctx context.Context, req Request, h Handlers) *Handle {
	if req.MessageID == "" {
		req.MessageID = NewMessageID()
	}
	ctx, cancel := context.WithCancel(ctx)
	handle := &Handle{
		id:     req.MessageID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s := &session{
		engine:   e,
		req:      req,
		handlers: h,
		handle:   handle,
		obs:      e.opts.Observer,
		clock:    e.opts.Clock,
		splitter: sse.NewSplitter(e.opts.Dialect),
		state:    delta.NewState(req.MessageID),
	}
	s.throttle = render.New(s.render, render.Options{
		Interval:        e.opts.RenderInterval,
		MinInitialChars: e.opts.MinInitialChars,
		Clock:           e.opts.Clock,
	})

	go s.run(ctx)
	return handle
}

// Handle controls a running stream.
type Handle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	final  delta.State
}

func (h *Handle) ID() string { return h.id }

// Cancel stops the stream after the read in flight resolves. The text
// received so far is rendered once more and OnError reports a cancellation.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed after the terminal callbacks have returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the stream is finished and returns its terminal state.
func (h *Handle) Wait() delta.State {
	<-h.done
	return h.final
}
