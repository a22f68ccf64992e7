package bus

import (
	"go/token"
	"strings"
	"unicode"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/text/unicode/norm"
)

// namePrefix is prepended to every registry-issued bus identifier so that
// generated names are traceable back to agent buses in logs.
const namePrefix = "Agent_"

// fallbackPrefix is used for emergency identifiers minted outside the
// registry, e.g. by the sanitizing factory.
const fallbackPrefix = "EventBus"

const tokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// randomToken returns a short random alphanumeric token for identifier
// suffixes. nanoid never fails with a non-empty alphabet and positive size,
// so the error path only guards against future alphabet edits.
func randomToken(size int) string {
	token, err := gonanoid.Generate(tokenAlphabet, size)
	if err != nil {
		return strings.Repeat("0", size)
	}
	return token
}

// FallbackIdentifier returns a guaranteed valid identifier for emergency
// fallbacks.
func FallbackIdentifier() string {
	return fallbackPrefix + "_" + randomToken(16)
}

// IsValidIdentifier reports whether s is a valid bare identifier: it must
// start with a letter or underscore, continue with letters, digits or
// underscores, and not collide with a language keyword.
func IsValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return !token.IsKeyword(s)
}

func replaceUnsafe(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func collapseUnderscores(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prev := false
	for _, r := range s {
		if r == '_' {
			if prev {
				continue
			}
			prev = true
		} else {
			prev = false
		}
		b.WriteRune(r)
	}
	return strings.Trim(b.String(), "_")
}

// maxNameLength caps issued identifiers so they stay usable in log fields
// and file names.
const maxNameLength = 64

// Sanitize returns a valid prefixed identifier derived from name. It
// preserves alphanumeric characters and underscores, swaps everything else
// for underscores, collapses duplicate underscores, enforces the Agent_
// prefix and caps the length. If sanitisation produces an empty or invalid
// identifier it retries with a random suffix, so it never returns an
// invalid name.
func Sanitize(name string) string {
	candidate := name
	for {
		sanitized := collapseUnderscores(replaceUnsafe(norm.NFKC.String(candidate)))

		if sanitized == "" {
			candidate = namePrefix + randomToken(12)
			continue
		}

		if !strings.HasPrefix(sanitized, namePrefix) {
			sanitized = namePrefix + sanitized
		}
		if len(sanitized) > maxNameLength {
			sanitized = strings.TrimRight(sanitized[:maxNameLength], "_")
		}

		if sanitized == namePrefix || sanitized == strings.TrimRight(namePrefix, "_") || !IsValidIdentifier(sanitized) {
			candidate = namePrefix + randomToken(12)
			continue
		}

		return sanitized
	}
}
