package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RegistryConfig is the file format of a model registry.
type RegistryConfig struct {
	Capabilities map[string]*CapabilityConfig `json:"capabilities" yaml:"capabilities"`
	Endpoints    map[string]*EndpointConfig   `json:"endpoints" yaml:"endpoints"`
	Defaults     *DefaultsConfig              `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Health       *HealthFileConfig            `json:"health,omitempty" yaml:"health,omitempty"`
}

// HealthFileConfig is the file form of HealthConfig.
type HealthFileConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	RecoveryTimeout  string `json:"recovery_timeout,omitempty" yaml:"recovery_timeout,omitempty"`
}

// LoadFromFile loads a registry from a YAML or JSON file. The document may
// be the registry itself or a wrapper with a "model_registry" key.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model registry: %w", err)
	}
	r, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return r, nil
}

// LoadFromBytes parses a registry document. JSON is valid YAML, so both
// encodings are accepted.
func LoadFromBytes(data []byte) (*Registry, error) {
	var wrapped struct {
		ModelRegistry *RegistryConfig `yaml:"model_registry"`
	}
	if err := yaml.Unmarshal(data, &wrapped); err == nil && wrapped.ModelRegistry != nil {
		return FromConfig(wrapped.ModelRegistry)
	}

	var cfg RegistryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse model registry: %w", err)
	}
	return FromConfig(&cfg)
}

// FromConfig builds a Registry. Every endpoint referenced by a capability
// must be defined.
func FromConfig(cfg *RegistryConfig) (*Registry, error) {
	caps := make(map[Capability]*CapabilityConfig, len(cfg.Capabilities))
	for name, c := range cfg.Capabilities {
		for _, ep := range append(append([]string{}, c.Preferred...), c.Fallback...) {
			if _, ok := cfg.Endpoints[ep]; !ok {
				return nil, fmt.Errorf("capability %s references unknown endpoint %q", name, ep)
			}
		}
		caps[Capability(strings.TrimSpace(name))] = c
	}

	r := NewRegistry(caps, cfg.Endpoints)
	if cfg.Defaults != nil && cfg.Defaults.Model != "" {
		r.defaults = cfg.Defaults
	}
	if cfg.Health != nil {
		hc := DefaultHealthConfig()
		if cfg.Health.FailureThreshold > 0 {
			hc.FailureThreshold = cfg.Health.FailureThreshold
		}
		if cfg.Health.RecoveryTimeout != "" {
			d, err := time.ParseDuration(cfg.Health.RecoveryTimeout)
			if err != nil {
				return nil, fmt.Errorf("health.recovery_timeout: %w", err)
			}
			hc.RecoveryTimeout = d
		}
		r.SetHealthConfig(hc)
	}
	return r, nil
}

// ToConfig converts a Registry back to its file form.
func (r *Registry) ToConfig() *RegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make(map[string]*CapabilityConfig, len(r.capabilities))
	for k, v := range r.capabilities {
		caps[string(k)] = v
	}
	return &RegistryConfig{
		Capabilities: caps,
		Endpoints:    r.endpoints,
		Defaults:     r.defaults,
	}
}
