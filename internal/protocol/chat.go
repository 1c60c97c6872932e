package protocol

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"
)

// sanitizeChat trims msg, drops control characters and invalid bytes, caps
// it at maxRunes and escapes HTML.
func sanitizeChat(msg string, maxRunes int) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.TrimSpace(msg) {
		if n >= maxRunes {
			break
		}
		if r == utf8.RuneError || unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return html.EscapeString(strings.TrimSpace(b.String()))
}
