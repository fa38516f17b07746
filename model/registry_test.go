package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityForStage(t *testing.T) {
	tests := []struct {
		stage    string
		expected Capability
	}{
		{"geometry", CapabilityAnalysis},
		{"mesh", CapabilitySetup},
		{"materials", CapabilitySetup},
		{"physics", CapabilityAnalysis},
		{"validation", CapabilityReview},
		{"unknown-stage", CapabilityAnalysis},
		{"", CapabilityAnalysis},
	}

	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			if got := CapabilityForStage(tt.stage); got != tt.expected {
				t.Errorf("CapabilityForStage(%q) = %q, want %q", tt.stage, got, tt.expected)
			}
		})
	}
}

func TestParseCapability(t *testing.T) {
	tests := []struct {
		input    string
		expected Capability
	}{
		{"analysis", CapabilityAnalysis},
		{"setup", CapabilitySetup},
		{"review", CapabilityReview},
		{"fast", CapabilityFast},
		{"ANALYSIS", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseCapability(tt.input); got != tt.expected {
				t.Errorf("ParseCapability(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry()

	assert.Len(t, r.ListCapabilities(), 4)
	assert.Equal(t, "qwen", r.ForStage("geometry"))
	assert.Equal(t, "claude-sonnet", r.ForStage("validation"))
	assert.Equal(t, "qwen", r.Resolve(Capability("unknown")))
	assert.Equal(t, []string{"qwen", "llama3.1-nim"}, r.GetFallbackChain(CapabilityAnalysis))

	for _, c := range r.ListCapabilities() {
		for _, name := range r.GetFallbackChain(c) {
			assert.NotNil(t, r.GetEndpoint(name), "capability %s references %s", c, name)
		}
	}
}

func TestCircuitBreaker(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r.health.now = func() time.Time { return now }

	assert.Nil(t, r.GetEndpointHealth("qwen"))

	r.MarkEndpointFailure("qwen")
	assert.True(t, r.IsEndpointAvailable("qwen"))

	r.MarkEndpointFailure("qwen")
	assert.False(t, r.IsEndpointAvailable("qwen"))
	assert.Equal(t, []string{"llama3.1-nim"}, r.GetAvailableFallbackChain(CapabilityAnalysis))

	health := r.GetEndpointHealth("qwen")
	require.NotNil(t, health)
	assert.True(t, health.CircuitOpen)
	assert.Equal(t, 2, health.FailureCount)

	// Half-open after the recovery timeout.
	now = now.Add(2 * time.Minute)
	assert.True(t, r.IsEndpointAvailable("qwen"))

	r.MarkEndpointSuccess("qwen")
	health = r.GetEndpointHealth("qwen")
	require.NotNil(t, health)
	assert.False(t, health.CircuitOpen)
	assert.Zero(t, health.FailureCount)
}

func TestAvailableFallbackChain_AllOpen(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	r.MarkEndpointFailure("qwen")
	r.MarkEndpointFailure("llama3.1-nim")

	// Better to try something than nothing.
	assert.Equal(t, []string{"qwen", "llama3.1-nim"}, r.GetAvailableFallbackChain(CapabilityAnalysis))
}

func TestLoadFromBytes(t *testing.T) {
	t.Run("yaml wrapped", func(t *testing.T) {
		data := []byte(`
model_registry:
  capabilities:
    analysis:
      preferred: [local]
      fallback: [remote]
  endpoints:
    local:
      provider: ollama
      model: qwen2.5:7b
    remote:
      provider: openai
      url: https://api.example.com/v1
      model: gpt-4o
  defaults:
    model: local
  health:
    failure_threshold: 5
    recovery_timeout: 10s
`)
		r, err := LoadFromBytes(data)
		require.NoError(t, err)
		assert.Equal(t, []string{"local", "remote"}, r.GetFallbackChain(CapabilityAnalysis))
		assert.Equal(t, "local", r.Resolve(CapabilityReview))
		assert.Equal(t, 5, r.health.config.FailureThreshold)
		assert.Equal(t, 10*time.Second, r.health.config.RecoveryTimeout)
	})

	t.Run("json direct", func(t *testing.T) {
		data := []byte(`{"capabilities": {"setup": {"preferred": ["m"]}}, ` +
			`"endpoints": {"m": {"provider": "ollama", "model": "llama3.2"}}}`)
		r, err := LoadFromBytes(data)
		require.NoError(t, err)
		assert.Equal(t, "m", r.Resolve(CapabilitySetup))
		assert.Equal(t, "llama3.2", r.GetEndpoint("m").Model)
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		data := []byte(`
capabilities:
  analysis:
    preferred: [missing]
endpoints: {}
`)
		_, err := LoadFromBytes(data)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
	})

	t.Run("bad duration", func(t *testing.T) {
		data := []byte(`
capabilities: {}
endpoints: {}
health:
  recovery_timeout: soon
`)
		_, err := LoadFromBytes(data)
		require.Error(t, err)
	})
}

func TestToConfigRoundTrip(t *testing.T) {
	r := NewDefaultRegistry()
	cfg := r.ToConfig()

	back, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, r.ListEndpoints(), back.ListEndpoints())
	assert.Equal(t, r.Resolve(CapabilityFast), back.Resolve(CapabilityFast))
}
