package observability

import (
	"strings"
	"unicode"
)

const maxLoggedValueLen = 256

// scrub strips control characters and truncates, keeping log fields single
// line and bounded.
func scrub(value string, limit int) string {
	if limit <= 0 {
		limit = maxLoggedValueLen
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if len(cleaned) > limit {
		cleaned = cleaned[:limit]
	}
	return cleaned
}

// SanitizeRoute bounds a route pattern before it is logged or used as a
// metric attribute.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return scrub(route, 180)
}

// SanitizeMethod bounds an HTTP method string.
func SanitizeMethod(method string) string {
	return scrub(method, 10)
}

// SanitizeUserID truncates identifiers so auth subjects never leak full
// tokens into logs.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return scrub(uid, 64)
}
