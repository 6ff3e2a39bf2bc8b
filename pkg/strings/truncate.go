package strings

import (
	"strings"
)

// DefaultCellMaxLen is the widest a free-text table cell is rendered.
const DefaultCellMaxLen = 60

// minTruncateLen leaves room for one character plus "...".
const minTruncateLen = 4

// Truncate collapses s onto a single line and shortens it to maxLen runes,
// marking a cut with "...". Values of maxLen below 4 are raised to 4.
func Truncate(s string, maxLen int) string {
	if maxLen < minTruncateLen {
		maxLen = minTruncateLen
	}
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}
