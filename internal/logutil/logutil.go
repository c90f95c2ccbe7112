// Package logutil provides helpers for safely logging user-controlled strings.
package logutil

import "strings"

// SanitizeForLog replaces newlines, carriage returns and tabs with spaces and
// drops every other character below U+0020 from user-provided strings before
// they are written to the log, preventing an
// attacker from forging log entries by embedding newlines in a hostname,
// username, or command.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 || r == ' ' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
