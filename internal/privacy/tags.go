// Package privacy provides utilities for protecting sensitive data.
package privacy

import (
	"regexp"
	"strings"
)

// privateRegionPattern matches bracketed private regions in user-originating
// text. Everything between the tags is removed before persistence.
var privateRegionPattern = regexp.MustCompile(`(?s)<private>.*?</private>`)

// openPrivatePattern matches an unterminated private region; everything from
// the opening tag onward is removed.
var openPrivatePattern = regexp.MustCompile(`(?s)<private>.*$`)

// StripPrivate removes bracketed private regions from text.
func StripPrivate(text string) string {
	if !strings.Contains(text, "<private>") {
		return text
	}
	out := privateRegionPattern.ReplaceAllString(text, "")
	out = openPrivatePattern.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// IsEntirelyPrivate reports whether nothing remains after stripping private
// regions. Such prompts are acknowledged but never persisted or enqueued.
func IsEntirelyPrivate(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false // Empty is not private, just empty
	}
	return StripPrivate(text) == ""
}

// Clean strips private regions and redacts secret-looking values. This is
// the single entry point for sanitizing user-originating text.
func Clean(text string) string {
	return RedactSecrets(StripPrivate(text))
}
