package textutil

import (
	"regexp"
	"strings"
)

// escapeSeq matches terminal escape sequences: a lone ESC followed by a
// single final byte, or a CSI sequence (ESC [ params intermediates final).
var escapeSeq = regexp.MustCompile("\x1b(?:[@-Z\\\\-_]|\\[[0-?]*[ -/]*[@-~])")

// StripEscapeCodes removes terminal escape sequences from s, leaving every
// other byte untouched. Safe on empty input and idempotent.
func StripEscapeCodes(s string) string {
	if !strings.ContainsRune(s, 0x1b) {
		return s
	}
	return escapeSeq.ReplaceAllString(s, "")
}

// Truncate shortens s to at most max runes, replacing the tail with suffix
// when truncation occurs.
func Truncate(s string, max int, suffix string) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	cut := max - len([]rune(suffix))
	if cut < 0 {
		cut = 0
	}
	return string(runes[:cut]) + suffix
}

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// SanitizeFilename replaces characters that are unsafe in filenames with
// underscores and trims leading/trailing dots and spaces. The result is
// capped at 255 bytes and never empty.
func SanitizeFilename(name string) string {
	sanitized := unsafeFilenameChars.ReplaceAllString(name, "_")
	sanitized = strings.Trim(sanitized, ". ")

	const maxLen = 255
	if len(sanitized) > maxLen {
		if dot := strings.LastIndex(sanitized, "."); dot > 0 {
			ext := sanitized[dot:]
			keep := maxLen - len(ext)
			if keep < 0 {
				keep = 0
			}
			sanitized = sanitized[:keep] + ext
		} else {
			sanitized = sanitized[:maxLen]
		}
	}

	if sanitized == "" {
		return "unnamed"
	}
	return sanitized
}
