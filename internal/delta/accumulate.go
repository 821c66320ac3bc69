package delta

import (
	"strings"

	"github.com/ent0n29/chatstream/internal/reliability"
)

// AccumulatorOption configures an Accumulator.
type AccumulatorOption func(*Accumulator)

// WithCloseDanglingMarkup closes an unbalanced math block, code fence or
// emphasis marker when a stream ends without an explicit completion.
func WithCloseDanglingMarkup() AccumulatorOption {
	return func(a *Accumulator) { a.closeMarkup = true }
}

// Accumulator folds deltas into a State in arrival order. Text is only ever
// appended; once the status is terminal the state is frozen.
type Accumulator struct {
	closeMarkup bool
}

func NewAccumulator(opts ...AccumulatorOption) *Accumulator {
	a := &Accumulator{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Accumulator) Apply(d Delta, s State) State {
	if s.Status.Terminal() {
		return s
	}
	if d.Final != "" && len(d.Final) > len(s.Text) && strings.HasPrefix(d.Final, s.Text) {
		s.Text = d.Final
	}
	if d.Text != "" {
		if d.Warning {
			s.Text += separator(s.Text) + d.Text + "\n\n"
		} else {
			s.Text += d.Text
		}
	}
	if d.Err != nil {
		info := *d.Err
		s.Text += separator(s.Text) + FormatError(info)
		s.Status = StatusErrored
		s.Err = &info
		return s
	}
	if d.Done {
		s.Status = StatusCompleted
	}
	return s
}

// Fail terminates s with info, as if an error frame had arrived.
func (a *Accumulator) Fail(s State, info ErrorInfo) State {
	return a.Apply(Delta{Err: &info}, s)
}

// Cancel freezes s without annotating it.
func (a *Accumulator) Cancel(s State) State {
	if s.Status.Terminal() {
		return s
	}
	s.Status = StatusCancelled
	return s
}

// Complete finishes s at end of input. truncated is set when the producer
// never sent an explicit completion.
func (a *Accumulator) Complete(s State, truncated bool) State {
	if s.Status.Terminal() {
		return s
	}
	if truncated && a.closeMarkup {
		s.Text += danglingMarkupSuffix(s.Text)
	}
	s.Status = StatusCompleted
	return s
}

// FormatError renders the visible annotation appended for a failure.
func FormatError(info ErrorInfo) string {
	msg := strings.TrimRight(strings.TrimSpace(info.Message), ".")
	switch info.Kind {
	case reliability.KindRateLimit:
		if msg == "" {
			msg = "Too many requests"
		}
		return "[Rate limited: " + msg + ". Please wait a moment and try again.]"
	case reliability.KindNetwork:
		if msg == "" {
			msg = "Connection problem"
		}
		return "[Network error: " + msg + ". Please try again.]"
	default:
		if msg == "" {
			msg = "Something went wrong"
		}
		if info.Retryable {
			return "[Error: " + msg + ". Please try again.]"
		}
		return "[Error: " + msg + "]"
	}
}

func separator(text string) string {
	switch {
	case text == "", strings.HasSuffix(text, "\n\n"):
		return ""
	case strings.HasSuffix(text, "\n"):
		return "\n"
	default:
		return "\n\n"
	}
}
