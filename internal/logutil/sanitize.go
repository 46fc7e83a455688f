package logutil

import "strings"

// maxLogValue caps user-supplied values in log lines.
const maxLogValue = 256

// SanitizeForLog flattens user-provided strings before they reach a log
// line: newlines and tabs become spaces, other control characters are
// dropped and overlong values are cut.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), maxLogValue))
	n := 0
	for _, r := range s {
		if n >= maxLogValue {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
