// Package delta turns decoded stream payloads into incremental text and folds
// them into the growing response for one in-flight message.
package delta

import (
	"fmt"

	"github.com/ent0n29/chatstream/internal/reliability"
)

// Status is the lifecycle of one response.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored || s == StatusCancelled
}

// ErrorInfo is the caller-facing description of a stream failure.
type ErrorInfo struct {
	Kind      reliability.Kind `json:"kind"`
	Message   string           `json:"message"`
	Code      string           `json:"code,omitempty"`
	Retryable bool             `json:"retryable"`
}

func (e ErrorInfo) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewErrorInfo classifies a backend code and message.
func NewErrorInfo(code, message string) ErrorInfo {
	kind, retryable := reliability.ClassifyCode(code, message)
	return ErrorInfo{Kind: kind, Message: message, Code: code, Retryable: retryable}
}

// Delta is what one frame contributes to a response.
type Delta struct {
	Text string
	// Done marks an explicit end of the response.
	Done bool
	// Err terminates the response with a visible annotation.
	Err *ErrorInfo
	// Warning marks Text as an advisory annotation.
	Warning bool
	// Final carries the producer's own idea of the full text so far, used
	// to recover a suffix that was lost to an unparseable frame.
	Final string
}

// Empty reports whether applying d would be a no-op.
func (d Delta) Empty() bool {
	return d.Text == "" && !d.Done && d.Err == nil && d.Final == ""
}

// State is the accumulated response for one message.
type State struct {
	ID     string
	Text   string
	Status Status
	Err    *ErrorInfo
}

func NewState(id string) State {
	return State{ID: id, Status: StatusStreaming}
}
