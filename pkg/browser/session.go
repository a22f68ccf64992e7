package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"github.com/kota-kawa/web-agent02-sub000/pkg/bus"
)

// Options configures a Session.
type Options struct {
	// ControlURL is the DevTools websocket URL to attach to.
	ControlURL string

	// KeepAlive keeps the session alive between runs. When false the
	// controller stops the session after every run.
	KeepAlive bool

	WindowWidth  int
	WindowHeight int

	// Registry names the session's event bus. Required.
	Registry *bus.Registry

	Logger zerolog.Logger
}

// Session owns one attached browser and its event bus. All methods are
// expected to be called from a single goroutine (the controller's
// executor); only the event-bus fields carry their own synchronization.
type Session struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	cancel  context.CancelFunc
	started bool
	stopped bool

	bus      *bus.Bus
	busName  string
	watchdog *watchdogState
}

// watchdogState caches the last lifecycle events seen on the bus so the
// controller can inspect them after a run.
type watchdogState struct {
	mu       sync.Mutex
	attached bool
	crashes  int
	lastURL  string
}

// NewSession creates a session and reserves its event bus. The browser
// is not attached until Start.
func NewSession(opts Options) (*Session, error) {
	if opts.ControlURL == "" {
		return nil, &BrowserError{
			Code:    ErrCodeSession,
			Message: "control URL is required",
		}
	}
	if opts.Registry == nil {
		return nil, &BrowserError{
			Code:    ErrCodeSession,
			Message: "bus registry is required",
		}
	}

	b, name := opts.Registry.Create(opts.ControlURL, false)

	return &Session{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "browser_session").Str("bus", name).Logger(),
		bus:      b,
		busName:  name,
		watchdog: &watchdogState{},
	}, nil
}

// Start attaches to the remote browser.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return &BrowserError{Code: ErrCodeSession, Message: "session is stopped"}
	}
	if s.started {
		return nil
	}

	browserCtx, cancel := context.WithCancel(context.Background())
	b := rod.New().ControlURL(s.opts.ControlURL).Context(browserCtx)
	if err := b.Connect(); err != nil {
		cancel()
		return &BrowserError{
			Code:    ErrCodeSession,
			Message: fmt.Sprintf("failed to attach to browser at %s: %v", s.opts.ControlURL, err),
		}
	}

	s.browser = b
	s.cancel = cancel
	s.started = true

	s.logger.Info().Str("control_url", s.opts.ControlURL).Msg("Browser session attached")
	return nil
}

// KeepAlive reports whether the session persists between runs.
func (s *Session) KeepAlive() bool {
	return s.opts.KeepAlive
}

// EventBusName returns the registry-reserved bus name.
func (s *Session) EventBusName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busName
}

// AttachAllWatchdogs subscribes the session's lifecycle handlers on the
// event bus. Attaching twice is a no-op.
func (s *Session) AttachAllWatchdogs() error {
	s.watchdog.mu.Lock()
	attached := s.watchdog.attached
	s.watchdog.attached = true
	s.watchdog.mu.Unlock()
	if attached {
		return nil
	}

	s.mu.Lock()
	b := s.bus
	s.mu.Unlock()

	if err := b.Subscribe("target.crashed", func(bus.Event) {
		s.watchdog.mu.Lock()
		s.watchdog.crashes++
		s.watchdog.mu.Unlock()
		s.logger.Warn().Msg("Browser target crashed")
	}); err != nil {
		return &BrowserError{Code: ErrCodeBusLifecycle, Message: fmt.Sprintf("failed to attach crash watchdog: %v", err)}
	}

	if err := b.Subscribe("page.navigated", func(evt bus.Event) {
		url, _ := evt.Payload.(string)
		s.watchdog.mu.Lock()
		s.watchdog.lastURL = url
		s.watchdog.mu.Unlock()
	}); err != nil {
		return &BrowserError{Code: ErrCodeBusLifecycle, Message: fmt.Sprintf("failed to attach navigation watchdog: %v", err)}
	}

	return nil
}

// DrainEventBus flushes pending bus handlers within timeout. The bool
// reports whether the bus fully drained.
func (s *Session) DrainEventBus(timeout time.Duration) (bool, error) {
	s.mu.Lock()
	b := s.bus
	s.mu.Unlock()
	return b.Drain(timeout)
}

// ResetEventBusState stops the current bus, releases its name, and
// reserves a fresh one. Cached watchdog state is cleared so handlers are
// re-attached against the new bus.
func (s *Session) ResetEventBusState() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.bus.Stop(true, 2*time.Second); err != nil {
		s.logger.Warn().Err(err).Msg("Old event bus did not stop cleanly")
	}
	s.opts.Registry.Release(s.busName)

	b, name := s.opts.Registry.Create(s.opts.ControlURL, true)
	s.bus = b
	s.busName = name

	s.watchdog.mu.Lock()
	s.watchdog.attached = false
	s.watchdog.crashes = 0
	s.watchdog.lastURL = ""
	s.watchdog.mu.Unlock()

	s.logger.Info().Str("bus", name).Msg("Event bus replaced")
	return nil
}

// EventBus exposes the current bus for agent binding.
func (s *Session) EventBus() *bus.Bus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus
}

// Stop detaches from the browser and stops the event bus. The remote
// browser itself keeps running.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	if err := s.bus.Stop(false, 5*time.Second); err != nil {
		s.logger.Warn().Err(err).Msg("Event bus stop failed during session stop")
	}
	s.opts.Registry.Release(s.busName)

	if s.cancel != nil {
		s.cancel()
	}
	s.browser = nil
	s.started = false

	s.logger.Info().Msg("Browser session stopped")
	return nil
}

// Kill closes the remote browser, then detaches. Used on rotation when
// a graceful stop is not enough.
func (s *Session) Kill(ctx context.Context) error {
	s.mu.Lock()
	b := s.browser
	s.mu.Unlock()

	if b != nil {
		if err := (proto.BrowserClose{}).Call(b); err != nil {
			s.logger.Warn().Err(err).Msg("Browser close call failed during kill")
		}
	}
	return s.Stop(ctx)
}

// activePage returns the focused page, creating one when the browser
// has none.
func (s *Session) activePage(ctx context.Context) (*rod.Page, error) {
	s.mu.Lock()
	b := s.browser
	started := s.started
	s.mu.Unlock()

	if !started || b == nil {
		return nil, &BrowserError{Code: ErrCodeSession, Message: "session is not started"}
	}

	pages, err := b.Context(ctx).Pages()
	if err != nil {
		return nil, &BrowserError{Code: ErrCodeSession, Message: fmt.Sprintf("failed to list pages: %v", err)}
	}
	if len(pages) == 0 {
		page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			return nil, &BrowserError{Code: ErrCodeSession, Message: fmt.Sprintf("failed to create page: %v", err)}
		}
		s.applyViewport(page)
		return page, nil
	}

	// Prefer the focused page when one is marked attached.
	for _, page := range pages {
		info, err := page.Info()
		if err != nil {
			continue
		}
		if info.Type == "page" && info.Attached {
			return page, nil
		}
	}
	return pages[0], nil
}

func (s *Session) applyViewport(page *rod.Page) {
	if s.opts.WindowWidth <= 0 || s.opts.WindowHeight <= 0 {
		return
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  s.opts.WindowWidth,
		Height: s.opts.WindowHeight,
	}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to apply viewport")
	}
}

// NavigateTo drives the focused page to url and waits for load. The bus
// is notified so watchdogs track the latest location.
func (s *Session) NavigateTo(ctx context.Context, url string) error {
	page, err := s.activePage(ctx)
	if err != nil {
		return err
	}

	if err := page.Context(ctx).Navigate(url); err != nil {
		return &BrowserError{
			Code:    ErrCodeNavigation,
			Message: fmt.Sprintf("failed to navigate to %s: %v", url, err),
		}
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		return &BrowserError{
			Code:    ErrCodeTimeout,
			Message: fmt.Sprintf("page load timed out for %s: %v", url, err),
		}
	}

	s.mu.Lock()
	b := s.bus
	s.mu.Unlock()
	if err := b.Dispatch(bus.Event{Name: "page.navigated", Payload: url}); err != nil {
		s.logger.Debug().Err(err).Msg("Navigation event not dispatched")
	}
	return nil
}

// CurrentPageURL returns the focused page's URL.
func (s *Session) CurrentPageURL(ctx context.Context) (string, error) {
	page, err := s.activePage(ctx)
	if err != nil {
		return "", err
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		return "", &BrowserError{Code: ErrCodeSession, Message: fmt.Sprintf("failed to read page info: %v", err)}
	}
	return info.URL, nil
}

// Tabs lists open page targets.
func (s *Session) Tabs(ctx context.Context) ([]Tab, error) {
	s.mu.Lock()
	b := s.browser
	started := s.started
	s.mu.Unlock()

	if !started || b == nil {
		return nil, &BrowserError{Code: ErrCodeSession, Message: "session is not started"}
	}

	pages, err := b.Context(ctx).Pages()
	if err != nil {
		return nil, &BrowserError{Code: ErrCodeSession, Message: fmt.Sprintf("failed to list pages: %v", err)}
	}

	tabs := make([]Tab, 0, len(pages))
	for _, page := range pages {
		info, err := page.Info()
		if err != nil {
			continue
		}
		if info.Type != "page" {
			continue
		}
		tabs = append(tabs, Tab{
			TargetID: string(info.TargetID),
			URL:      info.URL,
			Title:    info.Title,
		})
	}
	return tabs, nil
}

// ClosePage closes the tab with the given target ID.
func (s *Session) ClosePage(ctx context.Context, targetID string) error {
	s.mu.Lock()
	b := s.browser
	started := s.started
	s.mu.Unlock()

	if !started || b == nil {
		return &BrowserError{Code: ErrCodeSession, Message: "session is not started"}
	}

	pages, err := b.Context(ctx).Pages()
	if err != nil {
		return &BrowserError{Code: ErrCodeSession, Message: fmt.Sprintf("failed to list pages: %v", err)}
	}
	for _, page := range pages {
		if string(page.TargetID) == targetID {
			if err := page.Close(); err != nil {
				return &BrowserError{Code: ErrCodeSession, Message: fmt.Sprintf("failed to close page %s: %v", targetID, err)}
			}
			return nil
		}
	}
	return &BrowserError{Code: ErrCodeNotFound, Message: fmt.Sprintf("page not found: %s", targetID)}
}

// CloseAdditionalTabs closes every page but the focused one and returns
// how many were closed. Failures on individual tabs are logged and
// skipped so one stuck tab cannot block cleanup.
func (s *Session) CloseAdditionalTabs(ctx context.Context) (int, error) {
	focused, err := s.activePage(ctx)
	if err != nil {
		return 0, err
	}

	tabs, err := s.Tabs(ctx)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, tab := range tabs {
		if tab.TargetID == string(focused.TargetID) {
			continue
		}
		if err := s.ClosePage(ctx, tab.TargetID); err != nil {
			s.logger.Warn().Err(err).Str("target_id", tab.TargetID).Msg("Failed to close additional tab")
			continue
		}
		closed++
	}
	return closed, nil
}

// Evaluate runs a JavaScript expression on the focused page and returns
// its JSON-compatible result.
func (s *Session) Evaluate(ctx context.Context, script string) (any, error) {
	if strings.TrimSpace(script) == "" {
		return nil, &BrowserError{Code: ErrCodeScript, Message: "script is empty"}
	}

	page, err := s.activePage(ctx)
	if err != nil {
		return nil, err
	}

	obj, err := page.Context(ctx).Eval(script)
	if err != nil {
		return nil, &BrowserError{
			Code:    ErrCodeScript,
			Message: fmt.Sprintf("script evaluation failed: %v", err),
		}
	}
	return obj.Value.Val(), nil
}

// CrashCount reports how many target crashes the watchdogs observed.
func (s *Session) CrashCount() int {
	s.watchdog.mu.Lock()
	defer s.watchdog.mu.Unlock()
	return s.watchdog.crashes
}

// LastObservedURL reports the last navigation seen by the watchdogs.
func (s *Session) LastObservedURL() string {
	s.watchdog.mu.Lock()
	defer s.watchdog.mu.Unlock()
	return s.watchdog.lastURL
}
