package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Default returns a Config with the same conservative defaults the
// teacher's config_load.go ships (explicit host/port/limits, nothing
// implicit), adapted to ripd's single-endpoint/single-workspace model.
func Default() *Config {
	return &Config{
		DataDir:       "~/.ripd/data",
		WorkspaceRoot: "~/.ripd/workspace",
		Provider: ProviderConfig{
			Endpoint:     "https://api.openai.com/v1/responses",
			Model:        "gpt-4.1",
			APIKeySource: "RIPD_API_KEY",
			ToolChoice:   "auto",
		},
		Session: SessionConfig{
			ParallelToolCalls: false,
			MaxToolCalls:      32,
		},
		HTTP: HTTPConfig{
			ListenAddr: "127.0.0.1:8790",
		},
		Tools: ToolsConfig{
			MaxConcurrent: 4,
		},
		Tracing: TracingConfig{
			ServiceName: "ripd",
		},
	}
}

// Load reads config from a JSON5 file, then overlays environment
// variables (spec §6: "a small, enumerated set ... all resolved by the
// config loader before core starts"). A missing file is not an error —
// defaults plus env overrides are returned, matching the teacher's
// Load's not-found handling in config_load.go.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides reads the enumerated env vars spec §6 names, plus
// RIPD_LISTEN_ADDR for the HTTP listen address, directly via os.Getenv,
// matching the teacher's applyEnvOverrides style (no reflection-based env
// binding library).
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RIPD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RIPD_WORKSPACE_ROOT"); v != "" {
		c.WorkspaceRoot = v
	}
	if v := os.Getenv("RIPD_PROVIDER_ENDPOINT"); v != "" {
		c.Provider.Endpoint = v
	}
	if v := os.Getenv("RIPD_API_KEY_SOURCE"); v != "" {
		c.Provider.APIKeySource = v
	}
	if v := os.Getenv("RIPD_MODEL"); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv("RIPD_TOOL_CHOICE"); v != "" {
		c.Provider.ToolChoice = v
	}
	if v := os.Getenv("RIPD_STATELESS_HISTORY"); v != "" {
		c.Session.StatelessHistory = v == "1" || v == "true"
	}
	if v := os.Getenv("RIPD_PARALLEL_TOOL_CALLS"); v != "" {
		c.Session.ParallelToolCalls = v == "1" || v == "true"
	}
	if v := os.Getenv("RIPD_FOLLOWUP_USER_MESSAGE"); v != "" {
		c.Session.FollowupUserMessage = v == "1" || v == "true"
	}
	if v := os.Getenv("RIPD_LISTEN_ADDR"); v != "" {
		c.HTTP.ListenAddr = v
	}
}

// APIKey resolves the actual provider API key from the environment
// variable named by Provider.APIKeySource — the key itself is never
// persisted to the config file or logged (spec §6 "api_key_source").
func (c *Config) APIKey() string {
	if c.Provider.APIKeySource == "" {
		return ""
	}
	return os.Getenv(c.Provider.APIKeySource)
}
