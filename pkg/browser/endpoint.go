package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// versionPaths are probed in order on each candidate base URL.
var versionPaths = []string{"/json/version", "/devtools/version", "/json"}

// ProbeOptions configures endpoint discovery.
type ProbeOptions struct {
	Candidates []string
	Retries    int
	Delay      time.Duration
	Timeout    time.Duration
	Logger     zerolog.Logger
}

// DiscoverEndpoint locates the DevTools websocket URL by probing each
// candidate base URL over the DevTools HTTP surface, then over the
// WebDriver surface for Selenium-style containers. Advertised URLs are
// dial-validated before being returned; unreachable debuggers are
// skipped like any other failed candidate. The returned cleanup
// releases any temporary WebDriver session that was created during
// discovery; it is safe to call more than once and may be nil-checked
// away by callers that never rotate.
func DiscoverEndpoint(ctx context.Context, opts ProbeOptions) (string, func(), error) {
	if len(opts.Candidates) == 0 {
		return "", nil, &BrowserError{
			Code:    ErrCodeDiscovery,
			Message: "no candidate endpoints configured",
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	retries := opts.Retries
	if retries < 1 {
		retries = 1
	}

	client := &http.Client{Timeout: timeout}

	for attempt := 1; attempt <= retries; attempt++ {
		for _, candidate := range opts.Candidates {
			wsURL := probeDevTools(ctx, client, candidate)
			if wsURL == "" {
				continue
			}
			if err := ValidateEndpoint(ctx, wsURL, timeout); err != nil {
				opts.Logger.Debug().Err(err).Str("endpoint", candidate).Msg("Advertised DevTools websocket failed validation")
				continue
			}
			opts.Logger.Info().Str("endpoint", candidate).Msg("Detected Chrome DevTools endpoint")
			return wsURL, func() {}, nil
		}

		for _, candidate := range opts.Candidates {
			wsURL, cleanup := probeWebDriver(ctx, client, candidate, opts.Logger)
			if wsURL == "" {
				continue
			}
			if err := ValidateEndpoint(ctx, wsURL, timeout); err != nil {
				if cleanup != nil {
					cleanup()
				}
				opts.Logger.Debug().Err(err).Str("endpoint", candidate).Msg("Advertised DevTools websocket failed validation")
				continue
			}
			opts.Logger.Info().Str("endpoint", candidate).Msg("Detected Chrome DevTools endpoint via WebDriver")
			return wsURL, cleanup, nil
		}

		if attempt < retries {
			opts.Logger.Info().
				Int("attempt", attempt+1).
				Int("retries", retries).
				Msg("DevTools endpoint not found, retrying")
			select {
			case <-ctx.Done():
				return "", nil, ctx.Err()
			case <-time.After(opts.Delay):
			}
		}
	}

	return "", nil, &BrowserError{
		Code:    ErrCodeDiscovery,
		Message: fmt.Sprintf("no DevTools endpoint found among %d candidates", len(opts.Candidates)),
	}
}

// probeDevTools checks the DevTools HTTP surface of one candidate.
func probeDevTools(ctx context.Context, client *http.Client, baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return ""
	}

	for _, path := range versionPaths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}

		var payload json.RawMessage
		decodeErr := json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || decodeErr != nil {
			continue
		}

		if wsURL := extractWebSocketURL(payload); wsURL != "" {
			return wsURL
		}
	}
	return ""
}

// extractWebSocketURL pulls the debugger URL out of either the object
// form (/json/version) or the target-list form (/json).
func extractWebSocketURL(payload json.RawMessage) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err == nil {
		for _, key := range []string{"webSocketDebuggerUrl", "webSocketUrl", "websocketUrl"} {
			var s string
			if raw, ok := obj[key]; ok && json.Unmarshal(raw, &s) == nil {
				if s = strings.TrimSpace(s); s != "" {
					return s
				}
			}
		}
		return ""
	}

	var list []map[string]json.RawMessage
	if err := json.Unmarshal(payload, &list); err == nil {
		for _, item := range list {
			var s string
			if raw, ok := item["webSocketDebuggerUrl"]; ok && json.Unmarshal(raw, &s) == nil {
				if s = strings.TrimSpace(s); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// probeWebDriver opens a throwaway WebDriver session to read the se:cdp
// capability Selenium Grid publishes. The session is deleted by the
// returned cleanup, or immediately when it carries no CDP URL.
func probeWebDriver(ctx context.Context, client *http.Client, baseURL string, logger zerolog.Logger) (string, func()) {
	normalized := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.HasPrefix(strings.ToLower(normalized), "http://") &&
		!strings.HasPrefix(strings.ToLower(normalized), "https://") {
		return "", nil
	}

	endpoints := []string{normalized}
	if !strings.HasSuffix(normalized, "/wd/hub") {
		endpoints = append(endpoints, normalized+"/wd/hub")
	}

	for _, endpoint := range endpoints {
		wsURL, sessionID := createWebDriverSession(ctx, client, endpoint)
		if wsURL == "" {
			if sessionID != "" {
				deleteWebDriverSession(ctx, client, endpoint, sessionID, logger)
			}
			continue
		}

		var once sync.Once
		cleanup := func() {}
		if sessionID != "" {
			endpoint := endpoint
			sessionID := sessionID
			cleanup = func() {
				once.Do(func() {
					deleteWebDriverSession(context.Background(), client, endpoint, sessionID, logger)
				})
			}
		}
		return wsURL, cleanup
	}
	return "", nil
}

func createWebDriverSession(ctx context.Context, client *http.Client, endpoint string) (wsURL, sessionID string) {
	body := []byte(`{"capabilities":{"alwaysMatch":{"browserName":"chrome"}}}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/session", bytes.NewReader(body))
	if err != nil {
		return "", ""
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", ""
	}

	var data struct {
		SessionID    string         `json:"sessionId"`
		Capabilities map[string]any `json:"capabilities"`
		Value        struct {
			SessionID    string         `json:"sessionId"`
			Capabilities map[string]any `json:"capabilities"`
		} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", ""
	}

	caps := data.Value.Capabilities
	if caps == nil {
		caps = data.Capabilities
	}
	sessionID = strings.TrimSpace(data.Value.SessionID)
	if sessionID == "" {
		sessionID = strings.TrimSpace(data.SessionID)
	}

	for _, key := range []string{"se:cdp", "se:cdpUrl", "se:cdpURL"} {
		if raw, ok := caps[key].(string); ok {
			if raw = strings.TrimSpace(raw); raw != "" {
				return raw, sessionID
			}
		}
	}
	return "", sessionID
}

func deleteWebDriverSession(ctx context.Context, client *http.Client, endpoint, sessionID string, logger zerolog.Logger) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint+"/session/"+sessionID, nil)
	if err != nil {
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Debug().Err(err).Str("session_id", sessionID).Msg("Failed to clean up temporary WebDriver session")
		return
	}
	resp.Body.Close()
}

// ValidateEndpoint dials the websocket URL to confirm the debugger is
// actually reachable before a session attaches to it.
func ValidateEndpoint(ctx context.Context, wsURL string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return &BrowserError{
			Code:    ErrCodeDiscovery,
			Message: fmt.Sprintf("DevTools websocket %s is not reachable: %v", wsURL, err),
		}
	}
	return conn.Close()
}
