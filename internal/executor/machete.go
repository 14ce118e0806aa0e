package executor

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const truncMarkerFmt = "\n...[OUTPUT TRUNCATED AT %d CHARS]"

// Truncate applies the output cap: anything past limit bytes is cut and
// replaced with a visible marker. The operation is idempotent, so
// output that already carries the marker passes through untouched no
// matter how many layers re-apply the cap.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	marker := fmt.Sprintf(truncMarkerFmt, limit)
	if strings.HasSuffix(s, marker) && len(s) <= limit+len(marker) {
		return s
	}

	cut := limit
	// Back off to a rune boundary so the cut never splits a character.
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}
