package model

import (
	"sort"
	"sync"
)

// Registry maps capabilities to endpoint fallback chains and tracks endpoint
// health. It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[Capability]*CapabilityConfig
	endpoints    map[string]*EndpointConfig
	defaults     *DefaultsConfig
	health       *healthState
}

// CapabilityConfig defines model preferences for a capability.
type CapabilityConfig struct {
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Preferred lists endpoint names in order of preference.
	Preferred []string `json:"preferred" yaml:"preferred"`

	// Fallback lists endpoints tried after every preferred one failed.
	Fallback []string `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// EndpointConfig defines a model endpoint.
type EndpointConfig struct {
	// Provider names the wire protocol (anthropic, ollama, openai).
	Provider string `json:"provider" yaml:"provider"`

	// URL is the API base URL. Empty uses the provider default.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Model is the identifier sent to the provider.
	Model string `json:"model" yaml:"model"`

	// MaxTokens is the context window size.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// DefaultsConfig holds default model settings.
type DefaultsConfig struct {
	// Model is the endpoint used when no capability matches.
	Model string `json:"model" yaml:"model"`
}

// NewRegistry creates a registry with the given capabilities and endpoints.
func NewRegistry(caps map[Capability]*CapabilityConfig, endpoints map[string]*EndpointConfig) *Registry {
	if caps == nil {
		caps = make(map[Capability]*CapabilityConfig)
	}
	if endpoints == nil {
		endpoints = make(map[string]*EndpointConfig)
	}
	return &Registry{
		capabilities: caps,
		endpoints:    endpoints,
		defaults:     &DefaultsConfig{Model: "default"},
		health:       newHealthState(DefaultHealthConfig()),
	}
}

// NewDefaultRegistry creates a registry pointing at a local OpenAI-compatible
// server with a hosted fallback. Used when no model registry file is
// configured.
func NewDefaultRegistry() *Registry {
	r := NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityAnalysis: {
				Description: "Geometry analysis and physics setup",
				Preferred:   []string{"qwen"},
				Fallback:    []string{"llama3.1-nim"},
			},
			CapabilitySetup: {
				Description: "Meshing parameters and material assignment",
				Preferred:   []string{"qwen"},
				Fallback:    []string{"llama3.1-nim"},
			},
			CapabilityReview: {
				Description: "Quality review and validation summaries",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"qwen"},
			},
			CapabilityFast: {
				Description: "Quick responses",
				Preferred:   []string{"qwen-fast"},
				Fallback:    []string{"qwen"},
			},
		},
		map[string]*EndpointConfig{
			"qwen": {
				Provider:  "ollama",
				URL:       "http://localhost:11434/v1",
				Model:     "qwen2.5:14b",
				MaxTokens: 128000,
			},
			"qwen-fast": {
				Provider:  "ollama",
				URL:       "http://localhost:11434/v1",
				Model:     "qwen2.5:3b",
				MaxTokens: 32768,
			},
			"llama3.1-nim": {
				Provider:  "openai",
				URL:       "https://integrate.api.nvidia.com/v1",
				Model:     "meta/llama-3.1-70b-instruct",
				MaxTokens: 128000,
			},
			"claude-sonnet": {
				Provider:  "anthropic",
				Model:     "claude-sonnet-4-20250514",
				MaxTokens: 200000,
			},
		},
	)
	r.defaults.Model = "qwen"
	return r
}

// Resolve returns the preferred endpoint for a capability.
func (r *Registry) Resolve(c Capability) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[c]; ok && len(cfg.Preferred) > 0 {
		return cfg.Preferred[0]
	}
	return r.defaults.Model
}

// GetFallbackChain returns every endpoint for a capability in order of
// preference.
func (r *Registry) GetFallbackChain(c Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[c]; ok {
		chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
		return chain
	}
	return []string{r.defaults.Model}
}

// ForStage returns the preferred endpoint for a stage's default capability.
func (r *Registry) ForStage(stage string) string {
	return r.Resolve(CapabilityForStage(stage))
}

// GetEndpoint returns the endpoint configuration for a name, or nil.
func (r *Registry) GetEndpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[name]
}

// SetCapability updates or adds a capability configuration.
func (r *Registry) SetCapability(c Capability, cfg *CapabilityConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[c] = cfg
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[name] = cfg
}

// SetDefault sets the default endpoint.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = &DefaultsConfig{Model: name}
}

// ListCapabilities returns the configured capabilities, sorted.
func (r *Registry) ListCapabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]Capability, 0, len(r.capabilities))
	for c := range r.capabilities {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// ListEndpoints returns the configured endpoint names, sorted.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
