package policy

import (
	"regexp"
	"strings"
)

var (
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/\-]+=*`)
	apiKeyPattern = regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{8,}`)
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactDetail masks credentials and common PII in upstream error text before
// it is logged or relayed to a client. Providers routinely echo the rejected
// key back in 401 bodies.
func RedactDetail(input string) (redacted string, changed bool) {
	out := input

	// Bearer first so the token inside it is not half-matched as an api key.
	next := bearerPattern.ReplaceAllString(out, "Bearer [REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = apiKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	next = cardPattern.ReplaceAllStringFunc(out, func(m string) string {
		if !luhnValid(m) {
			return m
		}
		return "[REDACTED_CARD]"
	})
	changed = changed || next != out
	out = next

	return out, changed
}

// Redact is RedactDetail without the change report.
func Redact(input string) string {
	out, _ := RedactDetail(input)
	return out
}

// luhnValid keeps timestamps and numeric request ids out of card redaction.
func luhnValid(candidate string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, candidate)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	for i := 0; i < len(digits); i++ {
		d := int(digits[len(digits)-1-i] - '0')
		if i%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}
