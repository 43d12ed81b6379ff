package util

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9\p{Han}]+`)

// GenerateSlug creates a path-friendly slug, used for asset keys
func GenerateSlug(title string) string {
	slug := strings.ToLower(title)
	slug = slugPattern.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")

	if utf8.RuneCountInString(slug) > 50 {
		slug = string([]rune(slug)[:50])
		slug = strings.Trim(slug, "-")
	}

	return slug
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
