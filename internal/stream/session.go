package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ent0n29/chatstream/internal/clock"
	"github.com/ent0n29/chatstream/internal/delta"
	"github.com/ent0n29/chatstream/internal/reliability"
	"github.com/ent0n29/chatstream/internal/render"
	"github.com/ent0n29/chatstream/internal/sse"
)

type chunk struct {
	data []byte
	err  error
}

// session is the single writer of one ResponseState. Everything except the
// transport reads and deferred renders runs on the run goroutine.
type session struct {
	engine   *Engine
	req      Request
	handlers Handlers
	handle   *Handle
	obs      Observer
	clock    clock.Clock
	splitter *sse.Splitter
	throttle *render.Throttler

	state      delta.State
	started    time.Time
	sawFrame   bool
	sawDone    bool
	connectTmr clock.Timer

	renderMu sync.Mutex
	renders  int
}

func (s *session) run(ctx context.Context) {
	defer close(s.handle.done)

	s.started = s.clock.Now()
	s.obs.StreamStarted(s.req.MessageID)

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	chunks := make(chan chunk)
	go s.pump(pumpCtx, chunks)

	timeouts := make(chan timeout, 2)
	s.connectTmr = s.arm(s.engine.opts.ConnectTimeout, timeouts, timeout{
		connect: true,
		msg:     fmt.Sprintf("no response from server within %s", s.engine.opts.ConnectTimeout),
	})
	maxTmr := s.arm(s.engine.opts.MaxDuration, timeouts, timeout{
		msg: fmt.Sprintf("response exceeded the maximum duration of %s", s.engine.opts.MaxDuration),
	})
	defer stopTimer(maxTmr)
	defer func() { stopTimer(s.connectTmr) }()

	for !s.state.Status.Terminal() {
		select {
		case <-ctx.Done():
			s.update(s.engine.acc.Cancel(s.state))
		case to := <-timeouts:
			// A connect timer that fired while the first frame was being
			// handled is stale.
			if to.connect && s.sawFrame {
				continue
			}
			s.fail(delta.ErrorInfo{
				Kind:      reliability.KindNetwork,
				Message:   to.msg,
				Retryable: true,
			})
		case c, ok := <-chunks:
			switch {
			case ctx.Err() != nil:
				s.update(s.engine.acc.Cancel(s.state))
			case !ok:
				s.endOfInput()
			case c.err != nil:
				s.fail(ClassifyTransportError(c.err))
			default:
				for _, f := range s.splitter.Push(c.data) {
					s.frame(f)
					if s.state.Status.Terminal() {
						break
					}
				}
			}
		}
	}
	stopPump()

	<-s.throttle.Settled(s.req.MessageID)
	s.finish()
}

// pump opens the transport and forwards raw reads until EOF, an error or
// cancellation. The channel is closed on clean EOF.
func (s *session) pump(ctx context.Context, out chan<- chunk) {
	send := func(c chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	body, err := s.engine.transport.Open(ctx, s.req)
	if err != nil {
		send(chunk{err: err})
		return
	}
	defer body.Close()

	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !send(chunk{data: data}) {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			close(out)
			return
		}
		if err != nil {
			send(chunk{err: err})
			return
		}
	}
}

func (s *session) frame(f sse.Frame) {
	if f.Done {
		s.markFrame()
		s.sawDone = true
		s.update(s.engine.acc.Apply(delta.Delta{Done: true}, s.state))
		return
	}

	payload, stage, err := s.engine.parser.Parse(f.Data)
	if err != nil {
		s.obs.FrameDropped(s.req.MessageID, err)
		return
	}
	s.markFrame()
	d, matcher := s.engine.extractor.ExtractFrameNamed(f, payload)
	s.obs.FrameParsed(s.req.MessageID, stage, matcher)
	if d.Done {
		s.sawDone = true
	}
	s.update(s.engine.acc.Apply(s.scrub(d), s.state))
}

// markFrame disarms the connect timeout on the first usable frame.
func (s *session) markFrame() {
	if s.sawFrame {
		return
	}
	s.sawFrame = true
	stopTimer(s.connectTmr)
	s.connectTmr = nil
}

func (s *session) fail(info delta.ErrorInfo) {
	d := s.scrub(delta.Delta{Err: &info})
	s.update(s.engine.acc.Apply(d, s.state))
}

// scrub passes upstream-authored annotation text through the redactor before
// it becomes part of the response.
func (s *session) scrub(d delta.Delta) delta.Delta {
	redact := s.engine.opts.Redact
	if redact == nil {
		return d
	}
	if d.Err != nil {
		info := *d.Err
		info.Message = redact(info.Message)
		d.Err = &info
	}
	if d.Warning {
		d.Text = redact(d.Text)
	}
	return d
}

func (s *session) endOfInput() {
	for _, f := range s.splitter.Flush() {
		if s.state.Status.Terminal() {
			return
		}
		s.frame(f)
	}
	if !s.state.Status.Terminal() {
		s.update(s.engine.acc.Complete(s.state, !s.sawDone))
	}
}

// update installs next and hands it to the throttler when it differs.
func (s *session) update(next delta.State) {
	changed := next.Text != s.state.Text || next.Status != s.state.Status
	s.state = next
	if changed {
		s.throttle.Notify(next)
	}
}

func (s *session) render(text, messageID string) {
	s.renderMu.Lock()
	s.renders++
	first := s.renders == 1
	s.renderMu.Unlock()

	s.obs.Rendered(messageID, len(text), first, s.clock.Now().Sub(s.started))
	if s.handlers.OnDelta != nil {
		s.handlers.OnDelta(text, messageID)
	}
}

func (s *session) finish() {
	final := s.state
	s.handle.final = final
	s.obs.StreamFinished(final, s.clock.Now().Sub(s.started))

	switch final.Status {
	case delta.StatusCompleted:
		if s.handlers.OnComplete != nil {
			s.handlers.OnComplete(final.Text, final.ID)
		}
	case delta.StatusErrored:
		if s.handlers.OnError != nil && final.Err != nil {
			s.handlers.OnError(*final.Err, final.ID)
		}
	case delta.StatusCancelled:
		if s.handlers.OnError != nil {
			s.handlers.OnError(delta.ErrorInfo{
				Kind:    reliability.KindCancelled,
				Message: "stream cancelled",
			}, final.ID)
		}
	}
}

type timeout struct {
	connect bool
	msg     string
}

func (s *session) arm(d time.Duration, ch chan<- timeout, to timeout) clock.Timer {
	if d <= 0 {
		return nil
	}
	return s.clock.AfterFunc(d, func() {
		select {
		case ch <- to:
		default:
		}
	})
}

func stopTimer(t clock.Timer) {
	if t != nil {
		t.Stop()
	}
}
