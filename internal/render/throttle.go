// Package render paces response snapshots towards a UI so that fast streams
// do not trigger a re-render per frame.
package render

import (
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/ent0n29/chatstream/internal/clock"
	"github.com/ent0n29/chatstream/internal/delta"
)

const DefaultInterval = 50 * time.Millisecond

// Func receives the full text rendered so far for a message.
type Func func(text, messageID string)

type Options struct {
	// Interval is the minimum gap between two non-final renders of one message.
	Interval time.Duration
	// MinInitialChars holds back the first render until the text has at
	// least this many characters. Terminal states always render.
	MinInitialChars int
	Clock           clock.Clock
}

type phase uint8

const (
	phaseIdle phase = iota
	phaseScheduled
	phaseFlushing
)

type entry struct {
	phase    phase
	limiter  *rate.Limiter
	latest   delta.State
	rendered string
	shown    bool
	// dirty records a notify that arrived while the render callback ran.
	dirty bool
	timer   clock.Timer
	gen     uint64
	settled chan struct{}
}

// Throttler coalesces accumulator updates into bounded-frequency renders.
// At most one render is scheduled per message at any time.
type Throttler struct {
	render     Func
	interval   time.Duration
	minInitial int
	clock      clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
}

func New(fn Func, opts Options) *Throttler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.MinInitialChars < 0 {
		opts.MinInitialChars = 0
	}
	return &Throttler{
		render:     fn,
		interval:   opts.Interval,
		minInitial: opts.MinInitialChars,
		clock:      opts.Clock,
		entries:    make(map[string]*entry),
	}
}

// Notify records the latest state of a message and renders it now, later, or
// not at all depending on how recently the message was last rendered.
// A terminal state cancels any pending render and renders once more
// unconditionally.
func (t *Throttler) Notify(s delta.State) {
	t.mu.Lock()
	e, ok := t.entries[s.ID]
	if !ok {
		e = &entry{
			limiter: rate.NewLimiter(rate.Every(t.interval), 1),
			settled: make(chan struct{}),
		}
		t.entries[s.ID] = e
	}
	e.latest = s

	if s.Status.Terminal() {
		t.stopTimerLocked(e)
		if e.phase == phaseFlushing {
			// the running flush picks the terminal state up when the callback returns
			e.dirty = true
			t.mu.Unlock()
			return
		}
		e.phase = phaseFlushing
		t.flushLocked(e)
		return
	}

	if !e.shown && utf8.RuneCountInString(s.Text) < t.minInitial {
		t.mu.Unlock()
		return
	}
	e.shown = true

	switch e.phase {
	case phaseFlushing:
		e.dirty = true
		t.mu.Unlock()
	case phaseScheduled:
		t.mu.Unlock()
	default:
		t.scheduleLocked(e)
	}
}

// Pending reports whether a deferred render is armed for the message.
func (t *Throttler) Pending(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[messageID]
	return ok && e.phase == phaseScheduled
}

// Settled returns a channel that is closed once the terminal render of the
// message has returned. Messages the throttler does not track are settled.
func (t *Throttler) Settled(messageID string) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[messageID]; ok {
		return e.settled
	}
	return closedChan
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Forget drops any pending render for the message without rendering.
func (t *Throttler) Forget(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[messageID]; ok {
		t.stopTimerLocked(e)
		delete(t.entries, messageID)
		close(e.settled)
	}
}

// scheduleLocked is called with t.mu held and an idle entry; it releases the lock.
func (t *Throttler) scheduleLocked(e *entry) {
	now := t.clock.Now()
	wait := e.limiter.ReserveN(now, 1).DelayFrom(now)
	if wait <= 0 {
		e.phase = phaseFlushing
		t.flushLocked(e)
		return
	}
	e.phase = phaseScheduled
	e.gen++
	gen := e.gen
	e.timer = t.clock.AfterFunc(wait, func() { t.fire(e, gen) })
	t.mu.Unlock()
}

func (t *Throttler) fire(e *entry, gen uint64) {
	t.mu.Lock()
	if e.gen != gen || e.phase != phaseScheduled {
		t.mu.Unlock()
		return
	}
	e.timer = nil
	e.phase = phaseFlushing
	t.flushLocked(e)
}

// flushLocked renders the latest state outside the lock. It is called with
// t.mu held and the entry in phaseFlushing, and releases the lock.
func (t *Throttler) flushLocked(e *entry) {
	for {
		s := e.latest
		e.dirty = false
		terminal := s.Status.Terminal()
		skip := !terminal && s.Text == e.rendered
		t.mu.Unlock()

		if !skip {
			t.render(s.Text, s.ID)
		}

		t.mu.Lock()
		e.rendered = s.Text
		if terminal {
			if t.entries[s.ID] == e {
				delete(t.entries, s.ID)
				close(e.settled)
			}
			e.phase = phaseIdle
			t.mu.Unlock()
			return
		}
		if e.latest.Status.Terminal() {
			continue
		}
		e.phase = phaseIdle
		if e.dirty && e.latest.Text != e.rendered {
			e.dirty = false
			t.scheduleLocked(e)
			return
		}
		e.dirty = false
		t.mu.Unlock()
		return
	}
}

func (t *Throttler) stopTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	if e.phase == phaseScheduled {
		e.phase = phaseIdle
	}
}
