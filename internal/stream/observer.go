package stream

import (
	"time"

	"github.com/ent0n29/chatstream/internal/delta"
	"github.com/ent0n29/chatstream/internal/sse"
)

// Observer receives diagnostics for every stream an Engine runs. Methods are
// called synchronously and must not block; Rendered may be called from a
// timer goroutine.
type Observer interface {
	StreamStarted(messageID string)
	FrameParsed(messageID string, stage sse.Stage, matcher string)
	FrameDropped(messageID string, err error)
	Rendered(messageID string, chars int, first bool, elapsed time.Duration)
	StreamFinished(final delta.State, elapsed time.Duration)
}

type NopObserver struct{}

func (NopObserver) StreamStarted(string) {}
func (NopObserver) FrameParsed(string, sse.Stage, string) {}
func (NopObserver) FrameDropped(string, error) {}
func (NopObserver) Rendered(string, int, bool, time.Duration) {}
func (NopObserver) StreamFinished(delta.State, time.Duration) {}

// Observers fans every call out to each element in order.
type Observers []Observer

func (o Observers) StreamStarted(id string) {
	for _, ob := range o {
		ob.StreamStarted(id)
	}
}

func (o Observers) FrameParsed(id string, stage sse.Stage, matcher string) {
	for _, ob := range o {
		ob.FrameParsed(id, stage, matcher)
	}
}

func (o Observers) FrameDropped(id string, err error) {
	for _, ob := range o {
		ob.FrameDropped(id, err)
	}
}

func (o Observers) Rendered(id string, chars int, first bool, elapsed time.Duration) {
	for _, ob := range o {
		ob.Rendered(id, chars, first, elapsed)
	}
}

func (o Observers) StreamFinished(final delta.State, elapsed time.Duration) {
	for _, ob := range o {
		ob.StreamFinished(final, elapsed)
	}
}
