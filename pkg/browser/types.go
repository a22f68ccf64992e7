// Package browser attaches to a remote Chrome DevTools endpoint and owns
// the browser session used by the agent controller: endpoint discovery,
// navigation, tab management, script evaluation, and the session's event
// bus lifecycle.
package browser

// Tab represents an open browser tab
type Tab struct {
	TargetID string `json:"targetId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
}

// BrowserError is the typed error returned by this package
type BrowserError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *BrowserError) Error() string {
	return e.Message
}

// Error codes
const (
	ErrCodeDiscovery    = "DISCOVERY_ERROR"
	ErrCodeNavigation   = "NAVIGATION_ERROR"
	ErrCodeTimeout      = "TIMEOUT_ERROR"
	ErrCodeScript       = "SCRIPT_EXECUTION_ERROR"
	ErrCodeSession      = "SESSION_ERROR"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeBusLifecycle = "BUS_LIFECYCLE_ERROR"
)
