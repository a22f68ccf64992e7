package browser

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kota-kawa/web-agent02-sub000/pkg/bus"
)

func newTestSession(t *testing.T) (*Session, *bus.Registry) {
	t.Helper()
	registry := bus.NewRegistry(nil, zerolog.Nop())
	s, err := NewSession(Options{
		ControlURL: "ws://127.0.0.1:9222/devtools/browser/test",
		KeepAlive:  true,
		Registry:   registry,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return s, registry
}

func TestNewSession_RequiresControlURLAndRegistry(t *testing.T) {
	_, err := NewSession(Options{Registry: bus.NewRegistry(nil, zerolog.Nop())})
	require.Error(t, err)

	_, err = NewSession(Options{ControlURL: "ws://x"})
	require.Error(t, err)
}

func TestNewSession_ReservesBusName(t *testing.T) {
	s, registry := newTestSession(t)

	name := s.EventBusName()
	assert.True(t, strings.HasPrefix(name, "Agent_"))
	assert.True(t, registry.Reserved(name))
}

func TestSession_DrainEventBus(t *testing.T) {
	s, _ := newTestSession(t)

	handled := make(chan struct{}, 1)
	require.NoError(t, s.EventBus().Subscribe("step", func(bus.Event) {
		handled <- struct{}{}
	}))
	require.NoError(t, s.EventBus().Dispatch(bus.Event{Name: "step"}))

	ok, err := s.DrainEventBus(time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	<-handled
}

func TestSession_ResetEventBusState(t *testing.T) {
	s, registry := newTestSession(t)
	require.NoError(t, s.AttachAllWatchdogs())

	oldName := s.EventBusName()
	oldBus := s.EventBus()

	require.NoError(t, s.ResetEventBusState())

	newName := s.EventBusName()
	assert.NotEqual(t, oldName, newName)
	assert.False(t, registry.Reserved(oldName))
	assert.True(t, registry.Reserved(newName))
	assert.NotSame(t, oldBus, s.EventBus())
	assert.True(t, oldBus.Stopped())

	// Watchdog cache is cleared, so re-attaching registers handlers again.
	require.NoError(t, s.AttachAllWatchdogs())
	require.NoError(t, s.EventBus().Dispatch(bus.Event{Name: "page.navigated", Payload: "https://example.com"}))
	ok, err := s.DrainEventBus(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://example.com", s.LastObservedURL())
}

func TestSession_WatchdogsTrackCrashes(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.AttachAllWatchdogs())
	// Second attach is a no-op, handlers are not duplicated.
	require.NoError(t, s.AttachAllWatchdogs())

	require.NoError(t, s.EventBus().Dispatch(bus.Event{Name: "target.crashed"}))
	ok, err := s.DrainEventBus(time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, s.CrashCount())
}

func TestSession_StopReleasesBusName(t *testing.T) {
	s, registry := newTestSession(t)
	name := s.EventBusName()

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, registry.Reserved(name))

	// Stop is idempotent.
	require.NoError(t, s.Stop(context.Background()))

	// A stopped session cannot be started again.
	assert.Error(t, s.Start(context.Background()))
}

func TestSession_OperationsRequireStart(t *testing.T) {
	s, _ := newTestSession(t)

	_, err := s.Tabs(context.Background())
	require.Error(t, err)

	err = s.NavigateTo(context.Background(), "https://example.com")
	require.Error(t, err)

	_, err = s.Evaluate(context.Background(), "1 + 1")
	require.Error(t, err)

	var berr *BrowserError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, ErrCodeSession, berr.Code)
}

func TestSession_EvaluateRejectsEmptyScript(t *testing.T) {
	s, _ := newTestSession(t)

	_, err := s.Evaluate(context.Background(), "   ")
	var berr *BrowserError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, ErrCodeScript, berr.Code)
}

func TestSession_KeepAlive(t *testing.T) {
	s, _ := newTestSession(t)
	assert.True(t, s.KeepAlive())
}
