// Package config provides configuration loading and management for simflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Agent modes.
const (
	AgentsLLM    = "llm"
	AgentsStatic = "static"
)

// Config represents the complete simflow configuration
type Config struct {
	Engine      EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Storage     StorageConfig    `yaml:"storage" mapstructure:"storage"`
	NATS        NATSConfig       `yaml:"nats" mapstructure:"nats"`
	Checkpoints CheckpointConfig `yaml:"checkpoints" mapstructure:"checkpoints"`
	API         APIConfig        `yaml:"api" mapstructure:"api"`
	Templates   TemplatesConfig  `yaml:"templates" mapstructure:"templates"`
	Agents      AgentsConfig     `yaml:"agents" mapstructure:"agents"`
	// ModelRegistry is the path of the model registry file (empty = built-in defaults)
	ModelRegistry string `yaml:"model_registry" mapstructure:"model_registry"`
}

// EngineConfig configures the workflow engine
type EngineConfig struct {
	// MaxIterations is the default iteration budget of a workflow
	MaxIterations int `yaml:"max_iterations" mapstructure:"max_iterations"`
	// StageTimeout bounds one agent call when the template sets none
	StageTimeout time.Duration `yaml:"stage_timeout" mapstructure:"stage_timeout"`
	// DefaultTemplate is used when a start request names no template
	DefaultTemplate string `yaml:"default_template" mapstructure:"default_template"`
}

// StorageConfig selects the state and checkpoint store
type StorageConfig struct {
	// Backend is one of memory, nats, postgres, sqlite
	Backend string `yaml:"backend" mapstructure:"backend"`
	// DSN is the postgres connection string
	DSN string `yaml:"dsn" mapstructure:"dsn"`
	// SQLitePath is the sqlite database file
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url" mapstructure:"url"`
	// SubjectPrefix prefixes lifecycle event subjects
	SubjectPrefix string `yaml:"subject_prefix" mapstructure:"subject_prefix"`
	// PublishEvents publishes lifecycle events to JetStream
	PublishEvents bool `yaml:"publish_events" mapstructure:"publish_events"`
	// Embedded runs an in-process JetStream server instead of dialing URL
	Embedded bool `yaml:"embedded" mapstructure:"embedded"`
}

// CheckpointConfig configures human review checkpoints
type CheckpointConfig struct {
	// DefaultTimeout is how long a checkpoint waits for a reviewer
	DefaultTimeout time.Duration `yaml:"default_timeout" mapstructure:"default_timeout"`
	// CheckInterval is how often expired checkpoints are swept
	CheckInterval time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
}

// APIConfig configures the HTTP control API
type APIConfig struct {
	ListenAddr     string `yaml:"listen_addr" mapstructure:"listen_addr"`
	MetricsEnabled bool   `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled" mapstructure:"tracing_enabled"`
}

// TemplatesConfig configures pipeline template discovery
type TemplatesConfig struct {
	// Glob matches template files (doublestar syntax, empty = built-ins only)
	Glob string `yaml:"glob" mapstructure:"glob"`
	// Watch reloads templates when files change
	Watch bool `yaml:"watch" mapstructure:"watch"`
}

// AgentsConfig configures the stage agents
type AgentsConfig struct {
	// Mode is llm or static
	Mode string `yaml:"mode" mapstructure:"mode"`
	// Temperature controls randomness (0.0-1.0)
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	// MaxTokens caps a completion (0 = provider default)
	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxIterations:   3,
			StageTimeout:    5 * time.Minute,
			DefaultTemplate: "cae-preprocessing",
		},
		Storage: StorageConfig{
			Backend:    BackendMemory,
			SQLitePath: "simflow.db",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "simflow.workflow",
		},
		Checkpoints: CheckpointConfig{
			DefaultTimeout: 24 * time.Hour,
			CheckInterval:  time.Minute,
		},
		API: APIConfig{
			ListenAddr:     ":8080",
			MetricsEnabled: true,
			TracingEnabled: true,
		},
		Templates: TemplatesConfig{
			Watch: true,
		},
		Agents: AgentsConfig{
			Mode:        AgentsLLM,
			Temperature: 0.2,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine.MaxIterations <= 0 {
		return fmt.Errorf("engine.max_iterations must be positive")
	}
	if c.Engine.StageTimeout < 0 {
		return fmt.Errorf("engine.stage_timeout must not be negative")
	}

	backends := []string{BackendMemory, BackendNATS, BackendPostgres, BackendSQLite}
	if !slices.Contains(backends, c.Storage.Backend) {
		return fmt.Errorf("storage.backend must be one of %v, got %q", backends, c.Storage.Backend)
	}
	if c.Storage.Backend == BackendPostgres && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the postgres backend")
	}
	if c.Storage.Backend == BackendSQLite && c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
	}
	if (c.Storage.Backend == BackendNATS || c.NATS.PublishEvents) && c.NATS.URL == "" && !c.NATS.Embedded {
		return fmt.Errorf("nats.url is required")
	}

	if c.Checkpoints.DefaultTimeout <= 0 {
		return fmt.Errorf("checkpoints.default_timeout must be positive")
	}
	if c.Checkpoints.CheckInterval <= 0 {
		return fmt.Errorf("checkpoints.check_interval must be positive")
	}
	if c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required")
	}

	if c.Agents.Mode != AgentsLLM && c.Agents.Mode != AgentsStatic {
		return fmt.Errorf("agents.mode must be %q or %q", AgentsLLM, AgentsStatic)
	}
	if c.Agents.Temperature < 0 || c.Agents.Temperature > 1 {
		return fmt.Errorf("agents.temperature must be between 0 and 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values).
// Booleans only merge when switched on; use the environment to switch them off.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Engine
	if other.Engine.MaxIterations != 0 {
		c.Engine.MaxIterations = other.Engine.MaxIterations
	}
	if other.Engine.StageTimeout != 0 {
		c.Engine.StageTimeout = other.Engine.StageTimeout
	}
	if other.Engine.DefaultTemplate != "" {
		c.Engine.DefaultTemplate = other.Engine.DefaultTemplate
	}

	// Storage
	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.DSN != "" {
		c.Storage.DSN = other.Storage.DSN
	}
	if other.Storage.SQLitePath != "" {
		c.Storage.SQLitePath = other.Storage.SQLitePath
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.SubjectPrefix != "" {
		c.NATS.SubjectPrefix = other.NATS.SubjectPrefix
	}
	if other.NATS.PublishEvents {
		c.NATS.PublishEvents = true
	}
	if other.NATS.Embedded {
		c.NATS.Embedded = true
	}

	// Checkpoints
	if other.Checkpoints.DefaultTimeout != 0 {
		c.Checkpoints.DefaultTimeout = other.Checkpoints.DefaultTimeout
	}
	if other.Checkpoints.CheckInterval != 0 {
		c.Checkpoints.CheckInterval = other.Checkpoints.CheckInterval
	}

	// API
	if other.API.ListenAddr != "" {
		c.API.ListenAddr = other.API.ListenAddr
	}

	// Templates
	if other.Templates.Glob != "" {
		c.Templates.Glob = other.Templates.Glob
	}

	// Agents
	if other.Agents.Mode != "" {
		c.Agents.Mode = other.Agents.Mode
	}
	if other.Agents.Temperature != 0 {
		c.Agents.Temperature = other.Agents.Temperature
	}
	if other.Agents.MaxTokens != 0 {
		c.Agents.MaxTokens = other.Agents.MaxTokens
	}

	if other.ModelRegistry != "" {
		c.ModelRegistry = other.ModelRegistry
	}
}
