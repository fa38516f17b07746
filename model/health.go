package model

import (
	"sync"
	"time"
)

// EndpointHealth is the circuit-breaker view of one endpoint.
type EndpointHealth struct {
	Available       bool      `json:"available"`
	LastSuccess     time.Time `json:"last_success,omitempty"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	FailureCount    int       `json:"failure_count"`
	CircuitOpen     bool      `json:"circuit_open"`
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig configures the circuit breaker.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive exhausted-retry failures
	// before the circuit opens.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit rejects requests before a
	// half-open trial call is allowed.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns the default circuit-breaker settings.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

type healthState struct {
	mu       sync.RWMutex
	config   HealthConfig
	now      func() time.Time
	statuses map[string]*EndpointHealth
}

func newHealthState(cfg HealthConfig) *healthState {
	return &healthState{
		config:   cfg,
		now:      time.Now,
		statuses: make(map[string]*EndpointHealth),
	}
}

// locked returns the status for name, creating it. Callers hold h.mu.
func (h *healthState) locked(name string) *EndpointHealth {
	status, ok := h.statuses[name]
	if !ok {
		status = &EndpointHealth{Available: true}
		h.statuses[name] = status
	}
	return status
}

// MarkEndpointSuccess closes the circuit for an endpoint.
func (r *Registry) MarkEndpointSuccess(name string) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	status := h.locked(name)
	status.LastSuccess = h.now()
	status.FailureCount = 0
	status.Available = true
	status.CircuitOpen = false
}

// MarkEndpointFailure records a failure and opens the circuit once the
// threshold is reached.
func (r *Registry) MarkEndpointFailure(name string) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	status := h.locked(name)
	status.LastFailure = h.now()
	status.FailureCount++
	if status.FailureCount >= h.config.FailureThreshold {
		status.CircuitOpen = true
		status.CircuitOpenedAt = status.LastFailure
		status.Available = false
	}
}

// IsEndpointAvailable reports whether requests may be sent to an endpoint.
// An open circuit allows a half-open trial call after RecoveryTimeout.
func (r *Registry) IsEndpointAvailable(name string) bool {
	h := r.health
	h.mu.RLock()
	defer h.mu.RUnlock()

	status, ok := h.statuses[name]
	if !ok || !status.CircuitOpen {
		return true
	}
	return h.now().Sub(status.CircuitOpenedAt) > h.config.RecoveryTimeout
}

// GetEndpointHealth returns a copy of an endpoint's health, or nil when no
// request has been recorded for it.
func (r *Registry) GetEndpointHealth(name string) *EndpointHealth {
	h := r.health
	h.mu.RLock()
	defer h.mu.RUnlock()

	status, ok := h.statuses[name]
	if !ok {
		return nil
	}
	cp := *status
	return &cp
}

// GetAvailableFallbackChain returns the fallback chain without endpoints
// whose circuit is open. When every endpoint is open the full chain is
// returned.
func (r *Registry) GetAvailableFallbackChain(c Capability) []string {
	chain := r.GetFallbackChain(c)
	available := make([]string, 0, len(chain))
	for _, name := range chain {
		if r.IsEndpointAvailable(name) {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return chain
	}
	return available
}

// SetHealthConfig replaces the circuit-breaker settings.
func (r *Registry) SetHealthConfig(cfg HealthConfig) {
	r.health.mu.Lock()
	defer r.health.mu.Unlock()
	r.health.config = cfg
}

// ResetEndpointHealth forgets recorded health for an endpoint.
func (r *Registry) ResetEndpointHealth(name string) {
	r.health.mu.Lock()
	defer r.health.mu.Unlock()
	delete(r.health.statuses, name)
}
