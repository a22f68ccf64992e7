// Package config defines the service configuration, the viper-backed
// loader, and the shared model-selection document used to pick the LLM
// provider at runtime.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kota-kawa/web-agent02-sub000/internal/logger"
)

// Config represents the main service configuration.
type Config struct {
	// Browser session settings
	Browser BrowserConfig `json:"browser" mapstructure:"browser"`

	// Agent run settings
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Model selection file settings
	Selection SelectionConfig `json:"selection" mapstructure:"selection"`

	// History store settings
	History HistoryConfig `json:"history" mapstructure:"history"`

	// Logging
	Logging logger.Config `json:"logging" mapstructure:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Maintenance jobs
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// BrowserConfig holds remote-browser connection settings.
type BrowserConfig struct {
	// CDPURL pins the DevTools endpoint. Empty means discover from
	// CandidateHosts.
	CDPURL          string        `json:"cdp_url" mapstructure:"cdp_url"`
	CandidateHosts  []string      `json:"candidate_hosts" mapstructure:"candidate_hosts"`
	ProbeRetries    int           `json:"probe_retries" mapstructure:"probe_retries"`
	ProbeDelay      time.Duration `json:"probe_delay" mapstructure:"probe_delay"`
	WindowWidth     int           `json:"window_width" mapstructure:"window_width"`
	WindowHeight    int           `json:"window_height" mapstructure:"window_height"`
	KeepAlive       bool          `json:"keep_alive" mapstructure:"keep_alive"`
	DefaultStartURL string        `json:"default_start_url" mapstructure:"default_start_url"`
}

// AgentConfig holds per-run agent settings.
type AgentConfig struct {
	MaxSteps       int           `json:"max_steps" mapstructure:"max_steps"`
	StepTimeout    time.Duration `json:"step_timeout" mapstructure:"step_timeout"`
	RunTimeout     time.Duration `json:"run_timeout" mapstructure:"run_timeout"`
	UseVision      bool          `json:"use_vision" mapstructure:"use_vision"`
	Language       string        `json:"language" mapstructure:"language"`
	PromptTemplate string        `json:"prompt_template" mapstructure:"prompt_template"` // optional template file path
}

// SelectionConfig locates the shared model-selection document.
type SelectionConfig struct {
	Path     string `json:"path" mapstructure:"path"`
	AgentKey string `json:"agent_key" mapstructure:"agent_key"`
	Watch    bool   `json:"watch" mapstructure:"watch"`
}

// HistoryConfig holds the sqlite message store settings.
type HistoryConfig struct {
	Path string `json:"path" mapstructure:"path"` // empty means in-memory
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// MaintenanceConfig holds the cron schedules for background upkeep.
type MaintenanceConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	WarmupSchedule  string `json:"warmup_schedule" mapstructure:"warmup_schedule"`
	CleanupSchedule string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			CandidateHosts: []string{
				"http://localhost:9222",
				"http://127.0.0.1:9222",
				"http://chrome:9222",
			},
			ProbeRetries:    3,
			ProbeDelay:      500 * time.Millisecond,
			WindowWidth:     1920,
			WindowHeight:    1080,
			KeepAlive:       true,
			DefaultStartURL: "https://www.yahoo.co.jp",
		},
		Agent: AgentConfig{
			MaxSteps:    20,
			StepTimeout: 90 * time.Second,
			UseVision:   true,
			Language:    "ja",
		},
		Selection: SelectionConfig{
			Path:     "model_settings.json",
			AgentKey: "browser",
			Watch:    true,
		},
		History: HistoryConfig{},
		Logging: logger.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9091",
		},
		Maintenance: MaintenanceConfig{
			Enabled:         false,
			WarmupSchedule:  "@every 5m",
			CleanupSchedule: "@every 15m",
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Browser.CDPURL == "" && len(c.Browser.CandidateHosts) == 0 {
		return fmt.Errorf("browser: cdp_url or candidate_hosts is required")
	}
	if c.Browser.WindowWidth <= 0 || c.Browser.WindowHeight <= 0 {
		return fmt.Errorf("browser: window dimensions must be positive, got %dx%d",
			c.Browser.WindowWidth, c.Browser.WindowHeight)
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent: max_steps must be positive, got %d", c.Agent.MaxSteps)
	}
	if c.Agent.StepTimeout < 0 {
		return fmt.Errorf("agent: step_timeout must not be negative")
	}
	if c.Selection.AgentKey == "" {
		return fmt.Errorf("selection: agent_key is required")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics: addr is required when metrics are enabled")
	}
	return nil
}
