package bus

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithSanitizer_Idempotent(t *testing.T) {
	base := FactoryFunc(New)

	wrapped := WithSanitizer(base)
	assert.True(t, IsSanitizing(wrapped))

	rewrapped := WithSanitizer(wrapped)
	assert.Same(t, wrapped, rewrapped, "re-wrapping must return the existing wrapper")
}

func TestWithSanitizer_NilDefaultsToNew(t *testing.T) {
	f := WithSanitizer(nil)
	b, err := f.NewBus("already_valid")
	require.NoError(t, err)
	defer b.Stop(true, time.Second)
	assert.Equal(t, "already_valid", b.Name())
}

func TestSanitizingFactory_EmptyNamePassesThrough(t *testing.T) {
	f := WithSanitizer(nil)
	b, err := f.NewBus("")
	require.NoError(t, err)
	defer b.Stop(true, time.Second)
	// Anonymous buses pick their own generated identifier.
	assert.True(t, IsValidIdentifier(b.Name()))
}

func TestSanitizingFactory_NormalizesBeforeValidation(t *testing.T) {
	f := WithSanitizer(nil)

	b, err := f.NewBus("session--bus//42")
	require.NoError(t, err)
	defer b.Stop(true, time.Second)
	assert.Equal(t, "session_bus_42", b.Name())
}

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		want     string
		fallback bool
	}{
		{"valid untouched", "Agent_abc123", "Agent_abc123", false},
		{"hyphens replaced", "my-bus-name", "my_bus_name", false},
		{"collapse and trim", "__a///b__", "a_b", false},
		{"digit leading", "42bus", "", true},
		{"keyword collision", "func", "", true},
		{"only punctuation", "!!!", "", true},
		{"unicode normalized", "ｂｕｓ４２", "bus42", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeIdentifier(tt.in)
			if tt.fallback {
				assert.True(t, strings.HasPrefix(got, fallbackPrefix+"_"), "got %q", got)
				assert.True(t, IsValidIdentifier(got))
			} else {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"uuid", "0198c123-4a5b-7c8d-9e0f-112233445566"},
		{"punctuation", "###"},
		{"emoji", "🚀🔥"},
		{"empty", ""},
		{"bare prefix", "Agent_"},
		{"overlong", strings.Repeat("x", 200)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sanitize(tt.in)
			assert.True(t, IsValidIdentifier(got), "got %q", got)
			assert.True(t, strings.HasPrefix(got, namePrefix))
			assert.NotEqual(t, namePrefix, got)
			assert.LessOrEqual(t, len(got), maxNameLength)
		})
	}
}

func TestSanitize_PreservesDerivedContent(t *testing.T) {
	assert.Equal(t, "Agent_run_7", Sanitize("run-7"))
	assert.Equal(t, "Agent_abc", Sanitize("Agent_abc"))
}

func TestIsValidIdentifier(t *testing.T) {
	assert.True(t, IsValidIdentifier("Agent_1"))
	assert.True(t, IsValidIdentifier("_x"))
	assert.False(t, IsValidIdentifier(""))
	assert.False(t, IsValidIdentifier("1agent"))
	assert.False(t, IsValidIdentifier("a-b"))
	assert.False(t, IsValidIdentifier("func"))
}
