package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectionWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model_settings.json")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	}
	write(`{"selection": {"browser": {"provider": "openai", "model": "gpt-5.1"}}}`)

	var mu sync.Mutex
	var got []ModelSelection
	sw, err := WatchSelection(path, "browser", zerolog.Nop(), func(sel ModelSelection) {
		mu.Lock()
		got = append(got, sel)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sw.Stop()

	write(`{"selection": {"browser": {"provider": "claude", "model": "claude-sonnet-4"}}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].Provider == "claude"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSelectionWatcher_KeepsPreviousOnInvalidDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model_settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	var mu sync.Mutex
	calls := 0
	sw, err := WatchSelection(path, "browser", zerolog.Nop(), func(ModelSelection) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sw.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0644))

	// Give the debounce window plenty of time to fire.
	time.Sleep(600 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestSelectionWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model_settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	var mu sync.Mutex
	calls := 0
	sw, err := WatchSelection(path, "browser", zerolog.Nop(), func(ModelSelection) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{"provider":"x","model":"y"}`), 0644))

	time.Sleep(600 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestSelectionWatcher_StopCancelsPendingReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model_settings.json")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	}
	write(`{"selection": {"browser": {"provider": "openai", "model": "gpt-5.1"}}}`)

	var mu sync.Mutex
	calls := 0
	sw, err := WatchSelection(path, "browser", zerolog.Nop(), func(ModelSelection) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, err)

	// Stop inside the debounce window: the queued reload must not fire.
	write(`{"selection": {"browser": {"provider": "claude", "model": "claude-sonnet-4"}}}`)
	require.NoError(t, sw.Stop())

	time.Sleep(600 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)

	require.NoError(t, sw.Stop(), "stop must be idempotent")
}
