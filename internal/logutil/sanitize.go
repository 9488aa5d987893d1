// Package logutil holds helpers for putting user-controlled text into logs.
package logutil

import (
	"strings"
	"unicode"
)

// maxLoggedLength caps how much of a user-supplied string reaches the log.
const maxLoggedLength = 200

// SanitizeForLog strips newlines and other control characters from
// user-provided strings (custom entry names, profile names) so they cannot
// forge extra log lines, and truncates overly long values.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), maxLoggedLength))
	n := 0
	for _, r := range s {
		if n >= maxLoggedLength {
			b.WriteString("…")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
