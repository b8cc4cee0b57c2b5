package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from caller-provided
// strings (handles, commands) so a malicious caller cannot inject fake log
// entries by embedding newline characters.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Snippet sanitizes s and truncates it to at most max runes, appending an
// ellipsis when truncated. Used when logging arbitrarily long command lines.
func Snippet(s string, max int) string {
	s = SanitizeForLog(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
