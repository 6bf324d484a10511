// Package config defines the kestrel configuration tree.
//
// Every section follows the same convention: a typed struct with yaml tags,
// a SetDefaults method applying defaults in place, and a Validate method
// returning the first problem found. Config values thread through
// constructors; there are no process-wide config singletons.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig          `yaml:"server,omitempty" json:"server,omitempty"`
	Logging   LoggingConfig         `yaml:"logging,omitempty" json:"logging,omitempty"`
	Providers ProvidersConfig       `yaml:"providers,omitempty" json:"providers,omitempty"`
	Router    RouterConfig          `yaml:"router,omitempty" json:"router,omitempty"`
	Scan      ScanConfig            `yaml:"scan,omitempty" json:"scan,omitempty"`
	Executor  ExecutorConfig        `yaml:"executor,omitempty" json:"executor,omitempty"`
	Storage   StorageConfig         `yaml:"storage,omitempty" json:"storage,omitempty"`
	Pricing   map[string]ModelPrice `yaml:"pricing,omitempty" json:"pricing,omitempty"`

	// Tools holds per-tool descriptor overrides keyed by tool name.
	// Kept loosely typed at parse time; ToolOverrides() decodes them.
	Tools map[string]any `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// ServerConfig configures the HTTP/SSE transport.
type ServerConfig struct {
	Host            string        `yaml:"host,omitempty" json:"host,omitempty"`
	Port            int           `yaml:"port,omitempty" json:"port,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}

// ProvidersConfig holds the two routed LLM providers.
type ProvidersConfig struct {
	// Fast is the low-latency, low-cost tactical model.
	Fast LLMConfig `yaml:"fast,omitempty" json:"fast,omitempty"`
	// Deep is the higher-capability strategic model.
	Deep LLMConfig `yaml:"deep,omitempty" json:"deep,omitempty"`
}

// RouterConfig tunes the hybrid routing policy.
type RouterConfig struct {
	FindingThreshold   int           `yaml:"finding_threshold,omitempty" json:"finding_threshold,omitempty"`
	SubdomainThreshold int           `yaml:"subdomain_threshold,omitempty" json:"subdomain_threshold,omitempty"`
	CacheEnabled       bool          `yaml:"cache_enabled,omitempty" json:"cache_enabled,omitempty"`
	CacheSize          int           `yaml:"cache_size,omitempty" json:"cache_size,omitempty"`
	CacheTTL           time.Duration `yaml:"cache_ttl,omitempty" json:"cache_ttl,omitempty"`
}

// ScanConfig bounds a single scan.
type ScanConfig struct {
	MaxIterations       int           `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	MaxDuration         time.Duration `yaml:"max_duration,omitempty" json:"max_duration,omitempty"`
	BudgetUSD           float64       `yaml:"budget_usd,omitempty" json:"budget_usd,omitempty"`
	MaxConsecutiveEmpty int           `yaml:"max_consecutive_empty,omitempty" json:"max_consecutive_empty,omitempty"`
	// EventRetention keeps a terminal scan's event log available for late
	// subscribers before it is archived.
	EventRetention time.Duration `yaml:"event_retention,omitempty" json:"event_retention,omitempty"`
	// MaxLag is the subscriber backlog above which a slow subscriber is
	// dropped with a stream_overflow event.
	MaxLag int `yaml:"max_lag,omitempty" json:"max_lag,omitempty"`
}

// ExecutorConfig bounds tool subprocess execution.
type ExecutorConfig struct {
	MaxConcurrentExecutions int           `yaml:"max_concurrent_executions,omitempty" json:"max_concurrent_executions,omitempty"`
	KillGrace               time.Duration `yaml:"kill_grace,omitempty" json:"kill_grace,omitempty"`
	AllowPrivateTargets     bool          `yaml:"allow_private_targets,omitempty" json:"allow_private_targets,omitempty"`
}

// StorageConfig selects the persistence collaborator.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`
	// Path is the SQLite database path.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// ModelPrice is USD per 1000 tokens for a model.
type ModelPrice struct {
	InputPer1K  float64 `yaml:"input_per_1k,omitempty" json:"input_per_1k,omitempty"`
	OutputPer1K float64 `yaml:"output_per_1k,omitempty" json:"output_per_1k,omitempty"`
}

// SetDefaults applies routing defaults in place.
func (c *RouterConfig) SetDefaults() {
	if c.FindingThreshold == 0 {
		c.FindingThreshold = 20
	}
	if c.SubdomainThreshold == 0 {
		c.SubdomainThreshold = 100
	}
	if c.CacheSize == 0 {
		c.CacheSize = 256
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Minute
	}
}

// SetDefaults applies defaults to the whole tree.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8321
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	c.Providers.Fast.SetDefaults(RoleFast)
	c.Providers.Deep.SetDefaults(RoleDeep)

	c.Router.SetDefaults()

	if c.Scan.MaxIterations == 0 {
		c.Scan.MaxIterations = 15
	}
	if c.Scan.MaxDuration == 0 {
		c.Scan.MaxDuration = 30 * time.Minute
	}
	if c.Scan.MaxConsecutiveEmpty == 0 {
		c.Scan.MaxConsecutiveEmpty = 3
	}
	if c.Scan.EventRetention == 0 {
		c.Scan.EventRetention = 15 * time.Minute
	}
	if c.Scan.MaxLag == 0 {
		c.Scan.MaxLag = 1024
	}

	if c.Executor.MaxConcurrentExecutions == 0 {
		c.Executor.MaxConcurrentExecutions = 4
	}
	if c.Executor.KillGrace == 0 {
		c.Executor.KillGrace = 5 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "kestrel.db"
	}

	if c.Pricing == nil {
		c.Pricing = DefaultPricing()
	}
}

// Validate checks the whole tree.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if err := c.Providers.Fast.Validate(); err != nil {
		return fmt.Errorf("providers.fast: %w", err)
	}
	if err := c.Providers.Deep.Validate(); err != nil {
		return fmt.Errorf("providers.deep: %w", err)
	}
	if c.Scan.MaxIterations < 1 {
		return fmt.Errorf("scan: max_iterations must be positive")
	}
	if c.Scan.BudgetUSD < 0 {
		return fmt.Errorf("scan: budget_usd cannot be negative")
	}
	if c.Executor.MaxConcurrentExecutions < 1 {
		return fmt.Errorf("executor: max_concurrent_executions must be positive")
	}
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage: unsupported driver %q (supported: sqlite, memory)", c.Storage.Driver)
	}
	if _, err := c.ToolOverrides(); err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	return nil
}

// ToolOverrides decodes the loosely-typed tools section.
func (c *Config) ToolOverrides() (map[string]ToolOverride, error) {
	if len(c.Tools) == 0 {
		return nil, nil
	}
	return DecodeToolOverrides(c.Tools)
}

// DefaultPricing returns the built-in USD/1k-token table. Unknown models
// cost zero; the budget clamp then never engages for them.
func DefaultPricing() map[string]ModelPrice {
	return map[string]ModelPrice{
		"gpt-4o-mini":               {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4o":                    {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"claude-sonnet-4-20250514":  {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-opus-4-20250514":    {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-3-5-haiku-20241022": {InputPer1K: 0.0008, OutputPer1K: 0.004},
	}
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
