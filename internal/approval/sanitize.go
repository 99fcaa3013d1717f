package approval

import (
	"regexp"
	"strings"
)

// ANSI escape sequences (CSI, OSC, and lone ESC-prefixed codes).
var ansiPattern = regexp.MustCompile(`\x1b(\[[0-9;?]*[a-zA-Z]|\][^\x07\x1b]*(\x07|\x1b\\)|[a-zA-Z=<>])`)

// Sanitize strips ANSI escape sequences and control codes from untrusted
// text before it is rendered in an approval prompt. Tabs become spaces;
// newlines become the visible separator so previews stay single-line.
func Sanitize(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n':
			b.WriteString(" ⏎ ")
		case r == '\t':
			b.WriteRune(' ')
		case r < 0x20 || r == 0x7f:
			// drop remaining control codes
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TruncateLine caps a string at max runes, appending an ellipsis when cut.
func TruncateLine(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}
