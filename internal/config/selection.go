package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ModelSelection names the provider/model pair an agent should use. The
// document is shared with the rest of the platform, so loading tolerates
// both the nested `{"selection": {"<agent>": {...}}}` layout and a flat
// `{provider, model}` object.
type ModelSelection struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	BaseURL  string `json:"base_url,omitempty"`
}

// ProviderDefaults describes where a provider reads its credentials from.
type ProviderDefaults struct {
	APIKeyEnv      string
	BaseURLEnv     string
	DefaultBaseURL string
}

// providerTable maps known providers to their credential sources.
var providerTable = map[string]ProviderDefaults{
	"openai": {
		APIKeyEnv:  "OPENAI_API_KEY",
		BaseURLEnv: "OPENAI_BASE_URL",
	},
	"claude": {
		APIKeyEnv:  "CLAUDE_API_KEY",
		BaseURLEnv: "CLAUDE_API_BASE",
	},
	"gemini": {
		APIKeyEnv:      "GEMINI_API_KEY",
		BaseURLEnv:     "GEMINI_API_BASE",
		DefaultBaseURL: "https://generativelanguage.googleapis.com/v1beta",
	},
	"groq": {
		APIKeyEnv:      "GROQ_API_KEY",
		BaseURLEnv:     "GROQ_API_BASE",
		DefaultBaseURL: "https://api.groq.com/openai/v1",
	},
}

// DefaultSelection is used when the document is missing or malformed.
func DefaultSelection() ModelSelection {
	return ModelSelection{Provider: "openai", Model: "gpt-5.1"}
}

// selectionSchema validates a single selection entry.
const selectionSchema = `{
	"type": "object",
	"properties": {
		"provider": {"type": "string", "minLength": 1},
		"model": {"type": "string", "minLength": 1},
		"base_url": {"type": "string"}
	},
	"required": ["provider", "model"]
}`

// LoadSelection reads the selection for agentKey from the document at
// path. A missing file, unreadable document, or invalid entry falls back
// to the default selection with an error describing what went wrong so
// callers can log it.
func LoadSelection(path, agentKey string) (ModelSelection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultSelection(), fmt.Errorf("failed to read selection file: %w", err)
	}
	return ParseSelection(data, agentKey)
}

// ParseSelection extracts and validates the entry for agentKey.
func ParseSelection(data []byte, agentKey string) (ModelSelection, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return DefaultSelection(), fmt.Errorf("invalid selection document: %w", err)
	}

	entries := doc
	if nested, ok := doc["selection"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(nested, &inner); err != nil {
			return DefaultSelection(), fmt.Errorf("invalid selection block: %w", err)
		}
		entries = inner
	}

	raw, ok := entries[agentKey]
	if !ok {
		// A flat {provider, model} document applies to every agent.
		if _, hasProvider := entries["provider"]; hasProvider {
			raw = data
		} else {
			return DefaultSelection(), fmt.Errorf("selection has no entry for agent %q", agentKey)
		}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(selectionSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return DefaultSelection(), fmt.Errorf("selection validation failed: %w", err)
	}
	if !result.Valid() {
		return DefaultSelection(), fmt.Errorf("selection entry for %q is invalid: %v", agentKey, result.Errors())
	}

	var sel ModelSelection
	if err := json.Unmarshal(raw, &sel); err != nil {
		return DefaultSelection(), fmt.Errorf("failed to decode selection: %w", err)
	}
	sel.Provider = strings.TrimSpace(sel.Provider)
	sel.Model = strings.TrimSpace(sel.Model)
	return sel, nil
}

// Defaults returns the credential sources for the selection's provider.
// Unknown providers resolve through the OpenAI-compatible surface.
func (s ModelSelection) Defaults() ProviderDefaults {
	if meta, ok := providerTable[s.Provider]; ok {
		return meta
	}
	return providerTable["openai"]
}

// ResolveAPIKey reads the provider's API key from the environment,
// falling back to OPENAI_API_KEY for OpenAI-compatible providers.
func (s ModelSelection) ResolveAPIKey() string {
	meta := s.Defaults()
	if key := os.Getenv(meta.APIKeyEnv); key != "" {
		return key
	}
	if key := os.Getenv(strings.ToLower(meta.APIKeyEnv)); key != "" {
		return key
	}
	return os.Getenv("OPENAI_API_KEY")
}

// ResolveBaseURL returns the effective base URL for the selection. An
// explicit base_url in the document wins; otherwise the provider's
// environment variable is consulted, and both are scrubbed of leftover
// cross-provider URLs before the provider default applies.
func (s ModelSelection) ResolveBaseURL() string {
	meta := s.Defaults()

	explicit := strings.TrimSpace(s.BaseURL) != ""
	raw := s.BaseURL
	if !explicit && meta.BaseURLEnv != "" {
		raw = os.Getenv(meta.BaseURLEnv)
	}

	url := normalizeBaseURL(s.Provider, raw, explicit)
	if url == "" && !explicit {
		url = meta.DefaultBaseURL
	}
	return url
}

// normalizeBaseURL strips provider-mismatched base URLs left over from
// previous selections. Explicit values are preserved unless they clearly
// belong to a different provider.
func normalizeBaseURL(provider, baseURL string, explicit bool) string {
	normalized := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if normalized == "" {
		return ""
	}

	if provider != "groq" && strings.Contains(normalized, "api.groq.com") {
		return ""
	}
	if provider != "gemini" && strings.Contains(normalized, "generativelanguage.googleapis.com") {
		return ""
	}
	if provider == "claude" && strings.Contains(normalized, "openrouter.ai") {
		return ""
	}
	if provider == "gemini" && strings.HasSuffix(normalized, "/openai/v1") {
		return ""
	}

	if !explicit {
		for key, meta := range providerTable {
			if key == provider || meta.DefaultBaseURL == "" {
				continue
			}
			if normalized == strings.TrimRight(meta.DefaultBaseURL, "/") {
				return ""
			}
		}
	}

	return normalized
}
