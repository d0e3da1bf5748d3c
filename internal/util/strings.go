package util

import "unicode/utf8"

// Truncate shortens s to at most max bytes without splitting a UTF-8 rune,
// appending marker when anything was cut. marker counts toward max.
func Truncate(s string, max int, marker string) string {
	if len(s) <= max {
		return s
	}
	cut := max - len(marker)
	if cut <= 0 {
		return marker[:max]
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}
