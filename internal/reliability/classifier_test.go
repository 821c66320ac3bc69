package reliability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsRetryableHTTPStatus(tc.code), "code %d", tc.code)
	}
}

func TestClassifyCode(t *testing.T) {
	cases := []struct {
		code      string
		message   string
		kind      Kind
		retryable bool
	}{
		{"429", "rate limited", KindRateLimit, true},
		{"503", "", KindServer, true},
		{"401", "bad key", KindServer, false},
		{"rate_limit_exceeded", "", KindRateLimit, true},
		{"overloaded", "", KindServer, true},
		{"invalid_api_key", "", KindServer, false},
		{"timeout", "", KindNetwork, true},
		{"", "You hit the rate limit", KindRateLimit, true},
		{"", "upstream timed out", KindNetwork, true},
		{"", "boom", KindServer, false},
	}
	for _, tc := range cases {
		kind, retryable := ClassifyCode(tc.code, tc.message)
		assert.Equal(t, tc.kind, kind, "code %q message %q", tc.code, tc.message)
		assert.Equal(t, tc.retryable, retryable, "code %q message %q", tc.code, tc.message)
	}
}
