// Package config loads the tunables for Kaala, Autonomy and Vidhi. It
// follows the layered priority the rest of the module expects: defaults,
// then environment variables, then functional options (including an
// optional YAML overlay via WithConfigFile), each layer overriding the
// last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sriinnu/chitragupta/logger"
)

// KaalaConfig tunes the lifecycle manager (C6).
type KaalaConfig struct {
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval" env:"CHITRAGUPTA_HEARTBEAT_INTERVAL" default:"5s"`
	StaleThreshold         time.Duration `yaml:"stale_threshold" env:"CHITRAGUPTA_STALE_THRESHOLD" default:"30s"`
	DeadThreshold          time.Duration `yaml:"dead_threshold" env:"CHITRAGUPTA_DEAD_THRESHOLD" default:"120s"`
	GlobalMaxAgents        int           `yaml:"global_max_agents" env:"CHITRAGUPTA_GLOBAL_MAX_AGENTS" default:"16"`
	BudgetDecayFactor      float64       `yaml:"budget_decay_factor" env:"CHITRAGUPTA_BUDGET_DECAY_FACTOR" default:"0.7"`
	RootTokenBudget        int           `yaml:"root_token_budget" env:"CHITRAGUPTA_ROOT_TOKEN_BUDGET" default:"200000"`
	OrphanPolicy           string        `yaml:"orphan_policy" env:"CHITRAGUPTA_ORPHAN_POLICY" default:"cascade"`
	MaxAgentDepth          int           `yaml:"max_agent_depth" env:"CHITRAGUPTA_MAX_AGENT_DEPTH" default:"6"`
	MaxSubAgents           int           `yaml:"max_sub_agents" env:"CHITRAGUPTA_MAX_SUB_AGENTS" default:"8"`
	MinTokenBudgetForSpawn int           `yaml:"min_token_budget_for_spawn" env:"CHITRAGUPTA_MIN_TOKEN_BUDGET_FOR_SPAWN" default:"1000"`
}

// RetryConfig tunes Autonomy's withRetry backoff.
type RetryConfig struct {
	MaxRetries  int `yaml:"max_retries" env:"CHITRAGUPTA_RETRY_MAX_RETRIES" default:"3"`
	BaseDelayMs int `yaml:"base_delay_ms" env:"CHITRAGUPTA_RETRY_BASE_DELAY_MS" default:"500"`
	MaxDelayMs  int `yaml:"max_delay_ms" env:"CHITRAGUPTA_RETRY_MAX_DELAY_MS" default:"15000"`
}

// AutonomyConfig tunes the turn-loop wrapper (C5).
type AutonomyConfig struct {
	ErrorRateWarningThreshold float64     `yaml:"error_rate_warning_threshold" env:"CHITRAGUPTA_ERROR_RATE_WARNING_THRESHOLD" default:"0.3"`
	LatencyWarningMs          int         `yaml:"latency_warning_ms" env:"CHITRAGUPTA_LATENCY_WARNING_MS" default:"20000"`
	ToolDisableThreshold      int         `yaml:"tool_disable_threshold" env:"CHITRAGUPTA_TOOL_DISABLE_THRESHOLD" default:"3"`
	Retry                     RetryConfig `yaml:"retry"`
}

// VidhiConfig tunes the procedure engine (C7).
type VidhiConfig struct {
	MinSessions       int     `yaml:"min_sessions" env:"CHITRAGUPTA_VIDHI_MIN_SESSIONS" default:"3"`
	MinSuccessRate    float64 `yaml:"min_success_rate" env:"CHITRAGUPTA_VIDHI_MIN_SUCCESS_RATE" default:"0.5"`
	MinSequenceLength int     `yaml:"min_sequence_length" env:"CHITRAGUPTA_VIDHI_MIN_SEQUENCE_LENGTH" default:"2"`
	MaxSequenceLength int     `yaml:"max_sequence_length" env:"CHITRAGUPTA_VIDHI_MAX_SEQUENCE_LENGTH" default:"5"`
}

// LoggingConfig mirrors logger.NewFromEnv's knobs so a loaded Config can
// drive the same logger a host builds by hand.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"CHITRAGUPTA_LOG_LEVEL" default:"info"`
	Format string `yaml:"format" env:"CHITRAGUPTA_LOG_FORMAT" default:"json"`
}

// StoreConfig picks the durable backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver" env:"CHITRAGUPTA_STORE_DRIVER" default:"sqlite"`
	Path   string `yaml:"path" env:"CHITRAGUPTA_STORE_PATH"`
}

// Config is the root configuration object.
type Config struct {
	Kaala    KaalaConfig    `yaml:"kaala"`
	Autonomy AutonomyConfig `yaml:"autonomy"`
	Vidhi    VidhiConfig    `yaml:"vidhi"`
	Logging  LoggingConfig  `yaml:"logging"`
	Store    StoreConfig    `yaml:"store"`

	log logger.Logger
}

// Option mutates a Config during New, after environment loading.
type Option func(*Config) error

// DefaultConfig returns a Config with every field at its documented default.
func DefaultConfig() *Config {
	return &Config{
		Kaala: KaalaConfig{
			HeartbeatInterval:      5 * time.Second,
			StaleThreshold:         30 * time.Second,
			DeadThreshold:          120 * time.Second,
			GlobalMaxAgents:        16,
			BudgetDecayFactor:      0.7,
			RootTokenBudget:        200000,
			OrphanPolicy:           "cascade",
			MaxAgentDepth:          6,
			MaxSubAgents:           8,
			MinTokenBudgetForSpawn: 1000,
		},
		Autonomy: AutonomyConfig{
			ErrorRateWarningThreshold: 0.3,
			LatencyWarningMs:          20000,
			ToolDisableThreshold:      3,
			Retry: RetryConfig{
				MaxRetries:  3,
				BaseDelayMs: 500,
				MaxDelayMs:  15000,
			},
		},
		Vidhi: VidhiConfig{
			MinSessions:       3,
			MinSuccessRate:    0.5,
			MinSequenceLength: 2,
			MaxSequenceLength: 5,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Store:   StoreConfig{Driver: "sqlite"},
	}
}

// LoadFromEnv overlays environment variables onto c, leaving any variable
// that is unset or unparsable untouched.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("CHITRAGUPTA_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Kaala.HeartbeatInterval = d
		} else {
			c.warn("invalid duration", "CHITRAGUPTA_HEARTBEAT_INTERVAL", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_STALE_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Kaala.StaleThreshold = d
		} else {
			c.warn("invalid duration", "CHITRAGUPTA_STALE_THRESHOLD", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_DEAD_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Kaala.DeadThreshold = d
		} else {
			c.warn("invalid duration", "CHITRAGUPTA_DEAD_THRESHOLD", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_GLOBAL_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Kaala.GlobalMaxAgents = n
		} else {
			c.warn("invalid int", "CHITRAGUPTA_GLOBAL_MAX_AGENTS", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_BUDGET_DECAY_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Kaala.BudgetDecayFactor = f
		} else {
			c.warn("invalid float", "CHITRAGUPTA_BUDGET_DECAY_FACTOR", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_ROOT_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Kaala.RootTokenBudget = n
		} else {
			c.warn("invalid int", "CHITRAGUPTA_ROOT_TOKEN_BUDGET", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_ORPHAN_POLICY"); v != "" {
		c.Kaala.OrphanPolicy = v
	}
	if v := os.Getenv("CHITRAGUPTA_MAX_AGENT_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Kaala.MaxAgentDepth = n
		} else {
			c.warn("invalid int", "CHITRAGUPTA_MAX_AGENT_DEPTH", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_MAX_SUB_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Kaala.MaxSubAgents = n
		} else {
			c.warn("invalid int", "CHITRAGUPTA_MAX_SUB_AGENTS", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_MIN_TOKEN_BUDGET_FOR_SPAWN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Kaala.MinTokenBudgetForSpawn = n
		} else {
			c.warn("invalid int", "CHITRAGUPTA_MIN_TOKEN_BUDGET_FOR_SPAWN", v)
		}
	}

	if v := os.Getenv("CHITRAGUPTA_ERROR_RATE_WARNING_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Autonomy.ErrorRateWarningThreshold = f
		} else {
			c.warn("invalid float", "CHITRAGUPTA_ERROR_RATE_WARNING_THRESHOLD", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_LATENCY_WARNING_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Autonomy.LatencyWarningMs = n
		} else {
			c.warn("invalid int", "CHITRAGUPTA_LATENCY_WARNING_MS", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_TOOL_DISABLE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Autonomy.ToolDisableThreshold = n
		} else {
			c.warn("invalid int", "CHITRAGUPTA_TOOL_DISABLE_THRESHOLD", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_RETRY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Autonomy.Retry.MaxRetries = n
		} else {
			c.warn("invalid int", "CHITRAGUPTA_RETRY_MAX_RETRIES", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_RETRY_BASE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Autonomy.Retry.BaseDelayMs = n
		} else {
			c.warn("invalid int", "CHITRAGUPTA_RETRY_BASE_DELAY_MS", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_RETRY_MAX_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Autonomy.Retry.MaxDelayMs = n
		} else {
			c.warn("invalid int", "CHITRAGUPTA_RETRY_MAX_DELAY_MS", v)
		}
	}

	if v := os.Getenv("CHITRAGUPTA_VIDHI_MIN_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Vidhi.MinSessions = n
		} else {
			c.warn("invalid int", "CHITRAGUPTA_VIDHI_MIN_SESSIONS", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_VIDHI_MIN_SUCCESS_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Vidhi.MinSuccessRate = f
		} else {
			c.warn("invalid float", "CHITRAGUPTA_VIDHI_MIN_SUCCESS_RATE", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_VIDHI_MIN_SEQUENCE_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Vidhi.MinSequenceLength = n
		} else {
			c.warn("invalid int", "CHITRAGUPTA_VIDHI_MIN_SEQUENCE_LENGTH", v)
		}
	}
	if v := os.Getenv("CHITRAGUPTA_VIDHI_MAX_SEQUENCE_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Vidhi.MaxSequenceLength = n
		} else {
			c.warn("invalid int", "CHITRAGUPTA_VIDHI_MAX_SEQUENCE_LENGTH", v)
		}
	}

	if v := os.Getenv("CHITRAGUPTA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHITRAGUPTA_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("CHITRAGUPTA_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("CHITRAGUPTA_STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	return nil
}

func (c *Config) warn(msg, envVar, value string) {
	if c.log != nil {
		c.log.Warn(msg, map[string]interface{}{"env_var": envVar, "value": value})
	}
}

// LoadFromFile overlays a YAML file onto c. Only fields present in the
// file are changed.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", cleanPath, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", cleanPath, err)
	}
	return nil
}

// Validate checks invariants that can't be expressed as a default.
func (c *Config) Validate() error {
	if c.Kaala.MaxAgentDepth < 1 {
		return fmt.Errorf("kaala.max_agent_depth must be >= 1, got %d", c.Kaala.MaxAgentDepth)
	}
	if c.Kaala.MaxSubAgents < 1 {
		return fmt.Errorf("kaala.max_sub_agents must be >= 1, got %d", c.Kaala.MaxSubAgents)
	}
	if c.Kaala.BudgetDecayFactor <= 0 || c.Kaala.BudgetDecayFactor > 1 {
		return fmt.Errorf("kaala.budget_decay_factor must be in (0,1], got %f", c.Kaala.BudgetDecayFactor)
	}
	switch c.Kaala.OrphanPolicy {
	case "cascade", "reparent", "promote":
	default:
		return fmt.Errorf("kaala.orphan_policy must be one of cascade|reparent|promote, got %q", c.Kaala.OrphanPolicy)
	}
	if c.Autonomy.Retry.MaxRetries < 0 {
		return fmt.Errorf("autonomy.retry.max_retries must be >= 0, got %d", c.Autonomy.Retry.MaxRetries)
	}
	if c.Autonomy.Retry.BaseDelayMs <= 0 {
		return fmt.Errorf("autonomy.retry.base_delay_ms must be > 0, got %d", c.Autonomy.Retry.BaseDelayMs)
	}
	if c.Vidhi.MinSequenceLength < 1 || c.Vidhi.MinSequenceLength > c.Vidhi.MaxSequenceLength {
		return fmt.Errorf("vidhi.min_sequence_length must be >=1 and <= max_sequence_length")
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite|memory, got %q", c.Store.Driver)
	}
	return nil
}

// WithConfigFile loads and overlays a YAML file.
func WithConfigFile(path string) Option {
	return func(c *Config) error { return c.LoadFromFile(path) }
}

// WithLogger attaches a logger used for warnings raised by later
// LoadFromEnv calls. New loads the environment before applying options,
// so warnings from New's own environment pass are not logged.
func WithLogger(log logger.Logger) Option {
	return func(c *Config) error {
		c.log = log
		return nil
	}
}

// WithOrphanPolicy overrides Kaala's orphan handling.
func WithOrphanPolicy(policy string) Option {
	return func(c *Config) error {
		c.Kaala.OrphanPolicy = policy
		return nil
	}
}

// WithStore overrides the durable backend selection.
func WithStore(driver, path string) Option {
	return func(c *Config) error {
		c.Store.Driver = driver
		c.Store.Path = path
		return nil
	}
}

// New builds a Config by layering defaults, environment variables and
// functional options, in that order, then validates the result. Options
// are applied last so an explicit WithOrphanPolicy/WithConfigFile/etc.
// always wins over an environment variable setting the same field.
func New(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
