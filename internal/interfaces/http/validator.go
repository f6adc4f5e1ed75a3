package http

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Input validation constants
const (
	MaxIdentifierLength = 128
	MaxMessageLength    = 10000
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_:.@-]+$`)

// ValidIdentifier checks a path id (bot id, chat id) is safe to look up.
// Telegram group chat ids are negative, so a leading '-' is allowed.
func ValidIdentifier(s string) bool {
	if s == "" || len(s) > MaxIdentifierLength {
		return false
	}
	return identifierPattern.MatchString(s)
}

// SanitizeString removes null bytes and invalid UTF-8
func SanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")

	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return s
}

// TruncateString cuts s to at most maxLen bytes without splitting a rune
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
