package store

import (
	"strings"
	"unicode"
)

// NormalizeQuery collapses a natural-language question into a
// case/punctuation-insensitive key: lowercased, punctuation removed,
// whitespace runs collapsed to single spaces.
func NormalizeQuery(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	space := false
	for _, r := range strings.ToLower(q) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		default:
			// Punctuation separates words the same way whitespace does, so
			// "what's" and "whats" differ but "cite?" matches "cite".
			space = true
		}
	}
	return b.String()
}
