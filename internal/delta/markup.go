package delta

import "strings"

// danglingMarkupSuffix returns what has to be appended so that a response
// cut off mid-markup renders sanely: an odd number of "$$", an open code
// fence, or an odd number of '*' outside code.
func danglingMarkupSuffix(text string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	if strings.Count(text, "$$")%2 != 0 {
		b.WriteString(" $$")
	}
	fences := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			fences++
		}
	}
	if fences%2 != 0 {
		b.WriteString("\n```")
		return b.String()
	}
	if strings.Count(text, "*")%2 != 0 {
		b.WriteString("*")
	}
	return b.String()
}
