package utils

import (
	"strings"
	"unicode/utf8"
)

const ellipsis = "..."

// Truncate shortens s to at most n bytes of valid UTF-8, marking a cut
// with an ellipsis. Invalid byte sequences are replaced first; a cut
// never lands inside a rune.
func Truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "�")
	if len(s) <= n {
		return s
	}
	if n <= len(ellipsis) {
		return s[:runeBoundary(s, n)]
	}
	return s[:runeBoundary(s, n-len(ellipsis))] + ellipsis
}

func runeBoundary(s string, i int) int {
	if i <= 0 {
		return 0
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
