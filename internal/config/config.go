package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the assistant runtime.
type Config struct {
	Assistant     AssistantConfig     `yaml:"assistant"`
	Models        ModelsConfig        `yaml:"models"`
	Memory        MemoryConfig        `yaml:"memory"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Security      SecurityConfig      `yaml:"security"`
	Tools         ToolsConfig         `yaml:"tools"`
	MCP           MCPConfig           `yaml:"mcp"`
	ERP           ERPConfig           `yaml:"erp"`
	Workflows     WorkflowsConfig     `yaml:"workflows"`
	Observability ObservabilityConfig `yaml:"observability"`
	Health        HealthConfig        `yaml:"health"`
}

// AssistantConfig holds top-level assistant behavior.
type AssistantConfig struct {
	Name             string `yaml:"name"`
	SystemPrompt     string `yaml:"system_prompt"`
	SystemPromptFile string `yaml:"system_prompt_file"`
	MaxAgentRetries  int    `yaml:"max_agent_retries"`
}

// ModelsConfig declares the named model providers available to requests.
type ModelsConfig struct {
	Default   string                `yaml:"default"`
	Providers []ModelProviderConfig `yaml:"providers"`
}

// ModelProviderConfig describes one named model provider.
type ModelProviderConfig struct {
	Name       string         `yaml:"name"`
	Provider   string         `yaml:"provider"` // openai, azure_openai, anthropic
	Model      string         `yaml:"model"`
	Endpoint   string         `yaml:"endpoint"`
	APIKey     string         `yaml:"api_key"`
	APIKeyEnv  string         `yaml:"api_key_env"`
	APIVersion string         `yaml:"api_version"`
	Extra      map[string]any `yaml:"extra"`
}

// MemoryConfig configures the chat history manager and its two storage tiers.
type MemoryConfig struct {
	MaxTokens           int               `yaml:"max_tokens"`
	SummaryTargetTokens int               `yaml:"summary_target_tokens"`
	RecentMessagesKept  int               `yaml:"recent_messages_kept"`
	Cache               CacheConfig       `yaml:"cache"`
	Persistence         PersistenceConfig `yaml:"persistence"`
	// PersistSchedule controls background persistence relative to the cache
	// TTL. The only supported form is "ttl+N": persist once fewer than N
	// seconds of TTL remain.
	PersistSchedule string `yaml:"persist_schedule"`
}

// CacheConfig configures the hot cache tier (Redis, with an in-process
// fallback when the address is empty).
type CacheConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Prefix   string        `yaml:"prefix"`
}

// PersistenceConfig configures the cold object-store tier (S3-compatible).
type PersistenceConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// RateLimitConfig configures the sliding-window rate limiter.
type RateLimitConfig struct {
	Enabled            bool    `yaml:"enabled"`
	RequestsPerMinute  int     `yaml:"requests_per_minute"`
	RequestsPerHour    int     `yaml:"requests_per_hour"`
	TokensPerMinute    int     `yaml:"tokens_per_minute"`
	MaxConcurrent      int     `yaml:"max_concurrent"`
	BurstMultiplier    float64 `yaml:"burst_multiplier"`
	// PerUser scopes limits to each identity; when false all requests
	// share one global window.
	PerUser bool `yaml:"per_user"`
}

// SecurityConfig configures input validation. A nil AllowedToolNames admits
// every tool not listed in BlockedToolNames.
type SecurityConfig struct {
	MaxQuestionLength  int      `yaml:"max_question_length"`
	MaxToolParamLength int      `yaml:"max_tool_param_length"`
	BlockedPatterns    []string `yaml:"blocked_patterns"`
	PIIMode            string   `yaml:"pii_mode"` // off, redact, block
	AllowedToolNames   []string `yaml:"allowed_tool_names"`
	BlockedToolNames   []string `yaml:"blocked_tool_names"`
}

// ToolsConfig configures the tool registry.
type ToolsConfig struct {
	ConfigDir    string   `yaml:"config_dir"`
	EnabledTags  []string `yaml:"enabled_tags"`
	SlowWarnSecs float64  `yaml:"slow_warn_seconds"`
}

// MCPConfig configures MCP session management.
type MCPConfig struct {
	Enabled         bool          `yaml:"enabled"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	PersistSessions bool          `yaml:"persist_sessions"`
	CachePrefix     string        `yaml:"cache_prefix"`
}

// ERPConfig configures the external ERP MCP tool adapter and its OAuth
// client-credentials flow.
type ERPConfig struct {
	Enabled        bool          `yaml:"enabled"`
	EnvironmentURL string        `yaml:"environment_url"`
	TenantID       string        `yaml:"tenant_id"`
	ClientID       string        `yaml:"client_id"`
	ClientSecret   string        `yaml:"client_secret"`
	TokenBuffer    time.Duration `yaml:"token_buffer"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PoolTimeout    time.Duration `yaml:"pool_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker guarding external calls.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// WorkflowsConfig configures workflow loading and condition evaluation.
type WorkflowsConfig struct {
	Dir           string `yaml:"dir"`
	ConditionMode string `yaml:"condition_mode"` // lenient (default) or cel
}

// ObservabilityConfig groups logging, tracing and metrics settings.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures the slog-based logger.
type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"` // json or text
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// TracingConfig configures the OTLP trace exporter. Empty endpoint disables
// export; spans are still created with a no-op provider.
type TracingConfig struct {
	ServiceName  string  `yaml:"service_name"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
}

// MetricsConfig configures Prometheus metric exposition.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// HealthConfig configures the health checker.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheFor time.Duration `yaml:"cache_for"`
	Version  string        `yaml:"version"`
}

// DefaultConfig returns a configuration with production defaults. Values
// mirror the documented defaults of each subsystem.
func DefaultConfig() *Config {
	return &Config{
		Assistant: AssistantConfig{
			Name:            "parley",
			MaxAgentRetries: 3,
		},
		Models: ModelsConfig{},
		Memory: MemoryConfig{
			MaxTokens:           8000,
			SummaryTargetTokens: 2000,
			RecentMessagesKept:  5,
			Cache: CacheConfig{
				TTL:    24 * time.Hour,
				Prefix: "chat:",
			},
			PersistSchedule: "ttl+300",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 20,
			RequestsPerHour:   300,
			TokensPerMinute:   50000,
			MaxConcurrent:     5,
			BurstMultiplier:   1.5,
			PerUser:           true,
		},
		Security: SecurityConfig{
			MaxQuestionLength:  32000,
			MaxToolParamLength: 10000,
			PIIMode:            "redact",
		},
		Tools: ToolsConfig{
			SlowWarnSecs: 10,
		},
		MCP: MCPConfig{
			Enabled:     true,
			SessionTTL:  time.Hour,
			CachePrefix: "mcp_session:",
		},
		ERP: ERPConfig{
			TokenBuffer:    5 * time.Minute,
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			PoolTimeout:    5 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  30 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
			},
		},
		Workflows: WorkflowsConfig{
			ConditionMode: "lenient",
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Tracing: TracingConfig{ServiceName: "parley", SamplingRate: 1.0},
			Metrics: MetricsConfig{Enabled: true, Namespace: "parley"},
		},
		Health: HealthConfig{
			Enabled:  true,
			Timeout:  5 * time.Second,
			CacheFor: 10 * time.Second,
			Version:  "dev",
		},
	}
}

// Validate checks cross-field constraints that cannot be expressed by the
// YAML schema alone.
func (c *Config) Validate() error {
	if len(c.Models.Providers) > 0 {
		names := map[string]bool{}
		for _, p := range c.Models.Providers {
			if p.Name == "" {
				return fmt.Errorf("models: provider with empty name")
			}
			if names[p.Name] {
				return fmt.Errorf("models: duplicate provider %q", p.Name)
			}
			names[p.Name] = true
			switch p.Provider {
			case "openai", "azure_openai", "anthropic":
			default:
				return fmt.Errorf("models: provider %q has unknown kind %q", p.Name, p.Provider)
			}
		}
		if c.Models.Default == "" {
			return fmt.Errorf("models: default provider name is required")
		}
		if !names[c.Models.Default] {
			return fmt.Errorf("models: default %q is not a declared provider", c.Models.Default)
		}
	}
	if c.RateLimit.BurstMultiplier != 0 && c.RateLimit.BurstMultiplier < 1 {
		return fmt.Errorf("rate_limit: burst_multiplier must be >= 1")
	}
	if _, err := ParsePersistSchedule(c.Memory.PersistSchedule); err != nil {
		return err
	}
	switch c.Security.PIIMode {
	case "", "off", "redact", "block":
	default:
		return fmt.Errorf("security: pii_mode must be off, redact or block")
	}
	switch c.Workflows.ConditionMode {
	case "", "lenient", "cel":
	default:
		return fmt.Errorf("workflows: condition_mode must be lenient or cel")
	}
	return nil
}

// ParsePersistSchedule parses the "ttl+N" persistence schedule and returns N
// as a duration in seconds. An empty schedule means persistence stays on its
// default margin of 300 seconds.
func ParsePersistSchedule(s string) (time.Duration, error) {
	if s == "" {
		return 300 * time.Second, nil
	}
	rest, ok := strings.CutPrefix(s, "ttl+")
	if !ok {
		return 0, fmt.Errorf("memory: persist_schedule %q: only the ttl+N form is supported", s)
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("memory: persist_schedule %q: N must be a positive integer", s)
	}
	return time.Duration(n) * time.Second, nil
}
