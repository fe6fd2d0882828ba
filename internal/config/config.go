// Package config loads and validates Cortex's YAML configuration file,
// layering CORTEX_* environment variable overrides on top (spec §4.10).
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Cortex agent
// runtime. Trimmed from the teacher's multi-channel gateway Config
// (DESIGN.md A1): Gateway/Commands/Database(postgres)/Auth(JWT)/
// Plugins/Marketplace/Skills/Templates/VectorMemory/RAG/MCP/Channels/
// Cron/Tasks/Transcription name concepts that exist only because the
// teacher bridges messaging platforms to an LLM; none have a
// SPEC_FULL.md component to bind to.
type Config struct {
	Version int `yaml:"version"`

	// Home is the Cortex home directory (rollout files, session store,
	// profiles). Overridden by CORTEX_HOME.
	Home string `yaml:"home"`

	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Session       SessionConfig       `yaml:"session"`
	LLM           LLMConfig           `yaml:"llm"`
	Tools         ToolsConfig         `yaml:"tools"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Server        ServerConfig        `yaml:"server"`

	// GitTimeoutSecs bounds git subprocess calls the workspace context
	// builder shells out to (spec §4.10). Overridden by
	// CORTEX_GIT_TIMEOUT_SECS.
	GitTimeoutSecs int `yaml:"git_timeout_secs"`
}

// Load reads path, expands environment variables, decodes exactly one
// YAML document into a Config, applies CORTEX_* env overrides and
// defaults, then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Home == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Home = home + "/.cortex"
		} else {
			cfg.Home = ".cortex"
		}
	}
	if cfg.GitTimeoutSecs == 0 {
		cfg.GitTimeoutSecs = 30
	}

	applyWorkspaceDefaults(&cfg.Workspace)
	applySessionDefaults(&cfg.Session)
	applyLLMDefaults(&cfg.LLM)
	applyToolsDefaults(&cfg.Tools)
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
}

func applyWorkspaceDefaults(cfg *WorkspaceConfig) {
	if cfg.Path == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Path = wd
		}
	}
	if cfg.MaxChars == 0 {
		cfg.MaxChars = 8000
	}
	if cfg.AgentsFile == "" {
		cfg.AgentsFile = "AGENTS.md"
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 50
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.Execution.MaxIterations == 0 {
		cfg.Execution.MaxIterations = 50
	}
	if cfg.Execution.Timeout == 0 {
		cfg.Execution.Timeout = 2 * time.Minute
	}
	if cfg.Execution.Approval.DefaultDecision == "" {
		cfg.Execution.Approval.DefaultDecision = "pending"
	}
	if cfg.Execution.Approval.RequestTTL == 0 {
		cfg.Execution.Approval.RequestTTL = 5 * time.Minute
	}
	if cfg.Execution.MaxOutputBytes == 0 {
		cfg.Execution.MaxOutputBytes = 1024 * 1024
	}
	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = "passthrough"
	}
	if cfg.Sandbox.Timeout == 0 {
		cfg.Sandbox.Timeout = 2 * time.Minute
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8091"
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

// applyEnvOverrides applies the CORTEX_* environment variable family
// (spec §4.10), which always wins over file-sourced values.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CORTEX_HOME")); v != "" {
		cfg.Home = v
	}
	if v := strings.TrimSpace(os.Getenv("CORTEX_API_KEY")); v != "" {
		setDefaultProviderAPIKey(cfg, v)
	}
	if v := strings.TrimSpace(os.Getenv("CORTEX_AUTH_TOKEN")); v != "" {
		setDefaultProviderAPIKey(cfg, v)
	}
	if v := strings.TrimSpace(os.Getenv("CORTEX_API_URL")); v != "" {
		setDefaultProviderBaseURL(cfg, v)
	}
	if v := strings.TrimSpace(os.Getenv("CORTEX_GIT_TIMEOUT_SECS")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.GitTimeoutSecs = secs
		}
	}
}

func setDefaultProviderAPIKey(cfg *Config, apiKey string) {
	provider := cfg.LLM.DefaultProvider
	if provider == "" {
		provider = "anthropic"
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	entry := cfg.LLM.Providers[provider]
	entry.APIKey = apiKey
	cfg.LLM.Providers[provider] = entry
}

func setDefaultProviderBaseURL(cfg *Config, baseURL string) {
	provider := cfg.LLM.DefaultProvider
	if provider == "" {
		provider = "anthropic"
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	entry := cfg.LLM.Providers[provider]
	entry.BaseURL = baseURL
	cfg.LLM.Providers[provider] = entry
}

// ConfigValidationError reports one or more configuration problems.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Issues, "; "))
}

func validateConfig(cfg *Config) error {
	var issues []string

	if err := ValidateVersion(cfg.Version); err != nil {
		issues = append(issues, err.Error())
	}
	if cfg.Workspace.Path == "" {
		issues = append(issues, "workspace.path is required")
	}
	if cfg.LLM.DefaultProvider == "" {
		issues = append(issues, "llm.default_provider is required")
	}
	switch cfg.Tools.Sandbox.Backend {
	case "passthrough", "seatbelt", "landlock", "job-object", "firecracker":
	default:
		issues = append(issues, fmt.Sprintf("tools.sandbox.backend %q is not a known SandboxBackend", cfg.Tools.Sandbox.Backend))
	}
	switch cfg.Tools.Execution.Approval.DefaultDecision {
	case "allowed", "denied", "pending":
	default:
		issues = append(issues, fmt.Sprintf("tools.execution.approval.default_decision %q must be allowed, denied, or pending", cfg.Tools.Execution.Approval.DefaultDecision))
	}

	if extra := pluginValidationIssues(cfg); len(extra) > 0 {
		issues = append(issues, extra...)
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
