// Package config loads the engine's runtime configuration from JSON or YAML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rogers-f/synthesis-engine/internal/domain"
	"github.com/rogers-f/synthesis-engine/internal/logging"
	"github.com/rogers-f/synthesis-engine/internal/router"
)

// Provider kinds.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderCommand   = "command"
)

// ModelConfig binds an alias to a concrete backend.
type ModelConfig struct {
	Provider   string            `json:"provider" yaml:"provider"`
	Model      string            `json:"model" yaml:"model"`
	BaseURL    string            `json:"base_url" yaml:"base_url"`
	APIKeyEnv  string            `json:"api_key_env" yaml:"api_key_env"`
	Command    string            `json:"command" yaml:"command"`
	Args       []string          `json:"args" yaml:"args"`
	Env        map[string]string `json:"env" yaml:"env"`
	MaxTokens  int               `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSec int               `json:"timeout_sec" yaml:"timeout_sec"`
}

// APIKey returns the key named by APIKeyEnv, or the provider's default
// variable when unset.
func (m ModelConfig) APIKey() string {
	name := m.APIKeyEnv
	if name == "" {
		switch m.Provider {
		case ProviderAnthropic:
			name = "ANTHROPIC_API_KEY"
		case ProviderOpenAI:
			name = "OPENAI_API_KEY"
		}
	}
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// Timeout returns the per-call timeout.
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSec) * time.Second
}

// RoutingConfig holds the pre-emption thresholds.
type RoutingConfig struct {
	TokenThreshold      int     `json:"token_threshold" yaml:"token_threshold"`
	ComplexityThreshold float64 `json:"complexity_threshold" yaml:"complexity_threshold"`
}

// RetryConfig is the driver's per-tier retry policy.
type RetryConfig struct {
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	BaseDelayMs int `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs  int `json:"max_delay_ms" yaml:"max_delay_ms"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Config holds the engine's runtime configuration.
type Config struct {
	StatePath          string                       `json:"state_path" yaml:"state_path"`
	DBPath             string                       `json:"db_path" yaml:"db_path"`
	ListenAddr         string                       `json:"listen_addr" yaml:"listen_addr"`
	PipelineID         string                       `json:"pipeline_id" yaml:"pipeline_id"`
	Models             map[string]ModelConfig       `json:"models" yaml:"models"`
	Capabilities       map[string]router.Capability `json:"capabilities" yaml:"capabilities"`
	Routing            RoutingConfig                `json:"routing" yaml:"routing"`
	TruncationOrder    []string                     `json:"truncation_order" yaml:"truncation_order"`
	Retry              RetryConfig                  `json:"retry" yaml:"retry"`
	TokenBudget        int64                        `json:"token_budget" yaml:"token_budget"`
	RateLimitPerMinute int                          `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	Log                LogConfig                    `json:"log" yaml:"log"`
}

// Load reads a JSON or YAML config file, applies defaults, and validates.
// The format is chosen by extension; anything other than .yaml/.yml is JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with defaults applied and no models.
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

func (c *Config) applyDefaults(baseDir string) {
	if c.StatePath == "" {
		c.StatePath = filepath.Join(baseDir, ".synth", "state.json")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(baseDir, ".synth", "synth.db")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":9800"
	}
	if c.PipelineID == "" {
		c.PipelineID = "default"
	}
	if c.Routing.TokenThreshold == 0 {
		c.Routing.TokenThreshold = router.DefaultTokenThreshold
	}
	if c.Routing.ComplexityThreshold == 0 {
		c.Routing.ComplexityThreshold = router.DefaultComplexityThreshold
	}
	if len(c.TruncationOrder) == 0 {
		for _, s := range router.DefaultRemovalOrder {
			c.TruncationOrder = append(c.TruncationOrder, string(s))
		}
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelayMs == 0 {
		c.Retry.BaseDelayMs = 500
	}
	if c.Retry.MaxDelayMs == 0 {
		c.Retry.MaxDelayMs = 30000
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	for alias, m := range c.Models {
		if m.Provider == "" {
			m.Provider = ProviderCommand
			if m.Command == "" {
				m.Provider = ProviderAnthropic
			}
		}
		if m.MaxTokens == 0 {
			m.MaxTokens = 4096
		}
		if m.TimeoutSec == 0 {
			m.TimeoutSec = 120
		}
		c.Models[alias] = m
	}
}

func (c *Config) validate() error {
	var problems []string

	if len(c.Models) == 0 {
		problems = append(problems, "at least one model is required")
	}
	aliases := make([]string, 0, len(c.Models))
	for alias := range c.Models {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		m := c.Models[alias]
		if _, err := router.ParseAlias(alias); err != nil {
			problems = append(problems, fmt.Sprintf("models.%s: unknown alias", alias))
			continue
		}
		switch m.Provider {
		case ProviderAnthropic, ProviderOpenAI:
			if m.Model == "" {
				problems = append(problems, fmt.Sprintf("models.%s: model is required for provider %s", alias, m.Provider))
			}
		case ProviderCommand:
			if m.Command == "" {
				problems = append(problems, fmt.Sprintf("models.%s: command is required for provider command", alias))
			}
		default:
			problems = append(problems, fmt.Sprintf("models.%s: unknown provider %q", alias, m.Provider))
		}
		if m.MaxTokens < 0 || m.TimeoutSec < 0 {
			problems = append(problems, fmt.Sprintf("models.%s: max_tokens and timeout_sec must not be negative", alias))
		}
	}

	for model, capability := range c.Capabilities {
		if capability.MaxInputTokens <= 0 || capability.MaxOutputTokens <= 0 {
			problems = append(problems, fmt.Sprintf("capabilities.%s: token limits must be positive", model))
		}
	}
	if c.Routing.TokenThreshold < 0 {
		problems = append(problems, "routing.token_threshold must not be negative")
	}
	if c.Routing.ComplexityThreshold < 0 {
		problems = append(problems, "routing.complexity_threshold must not be negative")
	}
	for _, name := range c.TruncationOrder {
		s, err := router.ParseSection(name)
		if err != nil {
			problems = append(problems, fmt.Sprintf("truncation_order: unknown section %q", name))
			continue
		}
		if router.IsProtected(s) {
			problems = append(problems, fmt.Sprintf("truncation_order: section %q is protected", name))
		}
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelayMs < 0 || c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		problems = append(problems, "retry delays must satisfy 0 <= base_delay_ms <= max_delay_ms")
	}
	if c.TokenBudget < 0 {
		problems = append(problems, "token_budget must not be negative")
	}
	if c.RateLimitPerMinute < 0 {
		problems = append(problems, "rate_limit_per_minute must not be negative")
	}
	if !logging.ValidLevel(c.Log.Level) {
		problems = append(problems, fmt.Sprintf("log.level %q is not one of trace, debug, info, warn, error", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		problems = append(problems, fmt.Sprintf("log.format %q is not json or console", c.Log.Format))
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

// Thresholds returns the router thresholds.
func (c *Config) Thresholds() router.Thresholds {
	return router.Thresholds{
		TokenThreshold:      c.Routing.TokenThreshold,
		ComplexityThreshold: c.Routing.ComplexityThreshold,
	}
}

// Truncation returns the configured truncation order. Load has already
// rejected unknown or protected names.
func (c *Config) Truncation() router.TruncationOrder {
	order := make([]router.Section, 0, len(c.TruncationOrder))
	for _, name := range c.TruncationOrder {
		if s, err := router.ParseSection(name); err == nil {
			order = append(order, s)
		}
	}
	return router.NewTruncationOrder(order)
}

// CapabilityTable merges configured capabilities over the built-ins.
func (c *Config) CapabilityTable() *router.CapabilityTable {
	return router.NewCapabilityTable(c.Capabilities)
}

// ModelIDs maps each configured alias to its concrete model identifier.
// Command backends without a model name use the alias itself.
func (c *Config) ModelIDs() map[router.ModelAlias]string {
	out := make(map[router.ModelAlias]string, len(c.Models))
	for alias, m := range c.Models {
		a, err := router.ParseAlias(alias)
		if err != nil {
			continue
		}
		if m.Model != "" {
			out[a] = m.Model
		}
	}
	return out
}

// LoggingConfig returns the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format, Output: os.Stderr}
}

// RetryBaseDelay returns the first retry delay.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMs) * time.Millisecond
}

// RetryMaxDelay returns the retry delay ceiling.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}
