package browser

import "strings"

// internalPrefixes are schemes that never correspond to a navigable page.
var internalPrefixes = []string{
	"about:",
	"chrome:",
	"chrome-error://",
	"devtools://",
}

// NormalizeStartURL cleans a configured start URL. It returns "" for
// values that mean "unset" (empty, none, off, false) and defaults the
// scheme to https when none is present.
func NormalizeStartURL(value string) string {
	normalized := strings.TrimSpace(value)
	if normalized == "" {
		return ""
	}

	switch strings.ToLower(normalized) {
	case "none", "off", "false":
		return ""
	}

	normalized = strings.TrimPrefix(normalized, "//")

	if !strings.Contains(normalized, "://") &&
		!strings.HasPrefix(normalized, "about:") &&
		!strings.HasPrefix(normalized, "chrome:") &&
		!strings.HasPrefix(normalized, "file:") {
		normalized = "https://" + normalized
	}

	return normalized
}

// IsInternalURL reports whether url is a browser-internal or error page
// that must never be used as a resume target.
func IsInternalURL(url string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(url))
	if trimmed == "" {
		return true
	}
	for _, prefix := range internalPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// LastNavigableURL returns the most recent entry in urls that refers to
// a real page, or "" when none qualifies. urls is ordered oldest first.
func LastNavigableURL(urls []string) string {
	for i := len(urls) - 1; i >= 0; i-- {
		if !IsInternalURL(urls[i]) {
			return strings.TrimSpace(urls[i])
		}
	}
	return ""
}
