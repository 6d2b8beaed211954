// Package config loads and resolves the authority's configuration: an
// on-disk JSON5 file overlaid with the small enumerated set of
// environment variables spec §6 names, matching the teacher's
// internal/config/config.go + config_load.go split (Config type here,
// Default/Load/env overrides in config_load.go).
package config

// Config is the root configuration for one ripd authority process.
type Config struct {
	DataDir      string `json:"data_dir"`
	WorkspaceRoot string `json:"workspace_root"`

	Provider ProviderConfig `json:"provider"`
	Session  SessionConfig  `json:"session"`
	HTTP     HTTPConfig     `json:"http"`
	Tools    ToolsConfig    `json:"tools"`
	Tracing  TracingConfig  `json:"tracing,omitempty"`
}

// ProviderConfig configures the single OpenResponses-compatible endpoint
// this authority drives sessions against (spec §4.8/§6).
type ProviderConfig struct {
	Endpoint     string `json:"endpoint"`
	Model        string `json:"model"`
	APIKeySource string `json:"api_key_source"` // env var name holding the key, never the key itself
	ToolChoice   string `json:"tool_choice,omitempty"`
}

// SessionConfig controls the session engine's request-shaping knobs
// named in spec §6's environment variable list.
type SessionConfig struct {
	StatelessHistory    bool `json:"stateless_history"`
	ParallelToolCalls   bool `json:"parallel_tool_calls"`
	FollowupUserMessage bool `json:"followup_user_message"`
	MaxToolCalls        int  `json:"max_tool_calls,omitempty"`
}

// HTTPConfig configures the authority's own listener.
type HTTPConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// ToolsConfig configures the tool runtime's admission control.
type ToolsConfig struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// TracingConfig configures the OTel exporter (SPEC_FULL.md DOMAIN STACK).
type TracingConfig struct {
	Enabled        bool   `json:"enabled"`
	OTLPEndpoint   string `json:"otlp_endpoint,omitempty"`
	OTLPProtocol   string `json:"otlp_protocol,omitempty"` // "grpc" | "http"
	ServiceName    string `json:"service_name,omitempty"`
}
