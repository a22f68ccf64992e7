package bus

import (
	"go/token"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Factory constructs named buses. The zero factory is New; wrap it with
// WithSanitizer for callers whose names come from untrusted input.
type Factory interface {
	NewBus(name string) (*Bus, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(name string) (*Bus, error)

func (f FactoryFunc) NewBus(name string) (*Bus, error) {
	return f(name)
}

// sanitizingFactory normalizes caller-supplied names before the underlying
// constructor's own validation runs. The concrete type doubles as the
// idempotency marker checked by WithSanitizer.
type sanitizingFactory struct {
	inner Factory
}

// WithSanitizer wraps f so every non-empty name is normalized before
// construction. Wrapping is idempotent: an already-sanitizing factory is
// returned unchanged. A nil f defaults to New.
func WithSanitizer(f Factory) Factory {
	if f == nil {
		f = FactoryFunc(New)
	}
	if _, ok := f.(*sanitizingFactory); ok {
		return f
	}
	return &sanitizingFactory{inner: f}
}

// IsSanitizing reports whether f already carries the sanitizer wrapper.
func IsSanitizing(f Factory) bool {
	_, ok := f.(*sanitizingFactory)
	return ok
}

func (s *sanitizingFactory) NewBus(name string) (*Bus, error) {
	if name == "" {
		// Absent names pass through unchanged: the constructor picks
		// an anonymous identifier itself.
		return s.inner.NewBus("")
	}
	return s.inner.NewBus(NormalizeIdentifier(name))
}

// NormalizeIdentifier returns a safe identifier derived from arbitrary
// input. Unlike Sanitize it enforces no prefix: it preserves letters,
// digits and underscores, replaces everything else with underscores,
// collapses duplicates and trims the ends. An empty, digit-leading,
// keyword-colliding or otherwise invalid result is replaced by a freshly
// generated fallback identifier rather than failing.
func NormalizeIdentifier(candidate string) string {
	sanitized := collapseUnderscores(replaceUnsafe(norm.NFKC.String(candidate)))

	if sanitized == "" {
		return FallbackIdentifier()
	}

	var first rune
	for _, r := range sanitized {
		first = r
		break
	}
	if unicode.IsDigit(first) || token.IsKeyword(sanitized) || !IsValidIdentifier(sanitized) {
		return FallbackIdentifier()
	}

	return sanitized
}
