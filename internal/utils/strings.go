// Package utils provides common utility functions.
package utils

import "unicode/utf8"

// MaskKey masks a bearer token for safe logging (shows first 8 and last 4 chars).
// Use this to avoid logging credentials in plain text.
func MaskKey(key string) string {
	if key == "" {
		return "(empty)"
	}
	if len(key) < 16 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// Truncate shortens s to at most maxLen bytes, appending an ellipsis marker
// when content was dropped. The cut never splits a multibyte rune, so the
// result stays valid UTF-8. maxLen <= 0 means no limit.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
