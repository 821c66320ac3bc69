package stream

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/ent0n29/chatstream/internal/delta"
	"github.com/ent0n29/chatstream/internal/reliability"
)

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Classified is implemented by transport errors that know their own kind,
// such as an open circuit breaker.
type Classified interface {
	ErrorKind() (reliability.Kind, bool)
}

// ClassifyTransportError maps an open or read failure onto caller-facing
// error info. Failures without a status are network errors.
func ClassifyTransportError(err error) delta.ErrorInfo {
	msg := strings.TrimSpace(err.Error())

	var sc StatusCoder
	if errors.As(err, &sc) {
		kind, retryable := reliability.ClassifyHTTPStatus(sc.StatusCode())
		return delta.ErrorInfo{Kind: kind, Message: msg, Code: strconv.Itoa(sc.StatusCode()), Retryable: retryable}
	}
	var cl Classified
	if errors.As(err, &cl) {
		kind, retryable := cl.ErrorKind()
		return delta.ErrorInfo{Kind: kind, Message: msg, Retryable: retryable}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return delta.ErrorInfo{Kind: reliability.KindNetwork, Message: "request timed out", Retryable: true}
	}
	return delta.ErrorInfo{Kind: reliability.KindNetwork, Message: msg, Retryable: true}
}
