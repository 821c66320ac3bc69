package reliability

import (
	"strconv"
	"strings"
)

// Kind is the caller-facing class of a stream failure.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindRateLimit Kind = "rate_limit"
	KindServer    Kind = "server"
	KindMalformed Kind = "malformed"
	KindCancelled Kind = "cancelled"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ClassifyHTTPStatus maps a non-2xx status onto a Kind.
func ClassifyHTTPStatus(code int) (Kind, bool) {
	switch {
	case code == 429:
		return KindRateLimit, true
	case code == 408:
		return KindNetwork, true
	case code >= 500:
		return KindServer, IsRetryableHTTPStatus(code) || code == 529
	default:
		return KindServer, false
	}
}

// IsRetryableErrorCode classifies retryable backend error codes reported
// inside the stream.
func IsRetryableErrorCode(code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "rate_limited", "rate_limit_exceeded", "resource_exhausted", "server_error",
		"overloaded", "overloaded_error", "service_unavailable", "timeout", "internal_error":
		return true
	default:
		return false
	}
}

// ClassifyCode maps a backend-reported error code (numeric status or
// symbolic) and message onto a Kind.
func ClassifyCode(code, message string) (Kind, bool) {
	code = strings.TrimSpace(code)
	if n, err := strconv.Atoi(code); err == nil && n >= 400 && n < 600 {
		return ClassifyHTTPStatus(n)
	}

	lc := strings.ToLower(code)
	lm := strings.ToLower(message)
	switch {
	case strings.Contains(lc, "rate_limit") || lc == "rate_limited" || lc == "resource_exhausted":
		return KindRateLimit, true
	case lc == "timeout":
		return KindNetwork, true
	case IsRetryableErrorCode(lc):
		return KindServer, true
	case lc != "":
		return KindServer, false
	case strings.Contains(lm, "rate limit"):
		return KindRateLimit, true
	case strings.Contains(lm, "timed out") || strings.Contains(lm, "timeout"):
		return KindNetwork, true
	default:
		return KindServer, false
	}
}
