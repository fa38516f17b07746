package checkpointtimeout

import (
	"fmt"
	"time"
)

// Config holds configuration for the checkpoint-timeout component.
type Config struct {
	// CheckInterval is how often to look for expired checkpoints.
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// CheckTimeout bounds a single expiry pass.
	CheckTimeout time.Duration `json:"check_timeout" yaml:"check_timeout"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 1 * time.Minute,
		CheckTimeout:  30 * time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.CheckTimeout <= 0 {
		return fmt.Errorf("check_timeout must be positive")
	}
	return nil
}
