package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Registry issues process-unique, syntactically valid bus names and tracks
// which names are bound to live buses. The reserved-name set is guarded by
// the registry's own lock, independent of any caller locking, and can be
// fully reset for test isolation.
type Registry struct {
	mu      sync.Mutex
	names   map[string]struct{}
	factory Factory
	logger  zerolog.Logger
}

// NewRegistry creates a registry backed by factory. A nil factory defaults
// to a sanitizing wrapper around New.
func NewRegistry(factory Factory, logger zerolog.Logger) *Registry {
	if factory == nil {
		factory = WithSanitizer(FactoryFunc(New))
	}
	return &Registry{
		names:   make(map[string]struct{}),
		factory: factory,
		logger:  logger,
	}
}

// trailingAlnum keeps the alphanumeric characters of seed and returns the
// last n of them, which stays stable across repeated calls with the same
// seed and keeps issued names traceable to their owner.
func trailingAlnum(seed string, n int) string {
	var runes []rune
	for _, r := range seed {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			runes = append(runes, r)
		}
	}
	if len(runes) > n {
		runes = runes[len(runes)-n:]
	}
	return string(runes)
}

// candidate builds the initial raw name for a seed hint.
func (r *Registry) candidate(seedHint string, forceRandom bool) string {
	suffix := ""
	if !forceRandom {
		suffix = trailingAlnum(seedHint, 8)
	}
	if suffix == "" {
		suffix = randomToken(8)
	}
	return namePrefix + suffix
}

// ensureUnique returns a variant of name that is not currently reserved.
// It retries a few times with short random suffixes before giving up and
// issuing a fully random name. Callers must hold r.mu.
func (r *Registry) ensureUnique(name string) string {
	if _, taken := r.names[name]; !taken {
		return name
	}
	for i := 0; i < 5; i++ {
		candidate := Sanitize(name + "_" + randomToken(6))
		if _, taken := r.names[candidate]; !taken {
			return candidate
		}
	}
	return Sanitize(namePrefix + randomToken(16))
}

// Create instantiates a bus with a safe, unique identifier derived from
// seedHint (or fully random when forceRandom is set). Construction failures
// escalate through three tiers: the preferred derived name, a forced-random
// name, then an emergency random name. If all three fail the registry falls
// back to an anonymous bus rather than returning an error, so callers
// always receive a usable bus.
func (r *Registry) Create(seedHint string, forceRandom bool) (*Bus, string) {
	type attempt struct {
		label string
		raw   string
	}
	attempts := []attempt{{"preferred", r.candidate(seedHint, forceRandom)}}

	var created *Bus
	var createdName string
	var lastErr error

	for i := 0; i < len(attempts); i++ {
		a := attempts[i]

		// Reserve before constructing so a concurrent Create cannot be
		// issued the same name while the bus is being built.
		r.mu.Lock()
		name := r.ensureUnique(Sanitize(a.raw))
		r.names[name] = struct{}{}
		r.mu.Unlock()

		b, err := r.factory.NewBus(name)
		if err == nil {
			created = b
			createdName = name
			break
		}
		r.Release(name)
		lastErr = err

		switch a.label {
		case "preferred":
			r.logger.Warn().Err(err).
				Str("name", name).
				Str("raw", a.raw).
				Msg("Failed to create bus with preferred name; trying fallback name")
			attempts = append(attempts, attempt{"fallback", r.candidate(seedHint, true)})
		case "fallback":
			r.logger.Error().Err(err).
				Str("name", name).
				Str("raw", a.raw).
				Msg("Failed to create bus with fallback name; using emergency name")
			attempts = append(attempts, attempt{"emergency", namePrefix + uuid.NewString()})
		default:
			r.logger.Error().Err(err).
				Str("name", name).
				Str("raw", a.raw).
				Msg("Failed to create bus with emergency name; no more candidates")
		}
	}

	if created == nil {
		if lastErr != nil {
			r.logger.Error().Err(lastErr).
				Msg("Creating named bus failed; falling back to anonymous bus")
		}
		b, err := r.factory.NewBus("")
		if err != nil {
			// The anonymous path generates its own valid name, so this
			// only fires on a broken custom factory. Fall back to the
			// plain constructor as the last line of defence.
			b, _ = New("")
		}
		created = b
		createdName = created.Name()
		r.mu.Lock()
		r.names[createdName] = struct{}{}
		r.mu.Unlock()
	}

	return created, createdName
}

// Release removes a name from the reserved set. Releasing an unknown or
// empty name is a no-op.
func (r *Registry) Release(name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	delete(r.names, name)
	r.mu.Unlock()
}

// Reserved reports whether a name is currently bound.
func (r *Registry) Reserved(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.names[name]
	return ok
}

// Len returns the number of reserved names.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

// Reset clears the reserved-name set. Intended for test isolation.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.names = make(map[string]struct{})
	r.mu.Unlock()
}
