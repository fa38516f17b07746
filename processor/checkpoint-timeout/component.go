// Package checkpointtimeout periodically expires human checkpoints whose
// deadline has passed, failing the workflows that were waiting on them.
package checkpointtimeout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Expirer expires overdue checkpoints and returns the ids of the workflows
// it failed. The workflow engine implements it.
type Expirer interface {
	ExpireCheckpoints(ctx context.Context) ([]string, error)
}

// HealthStatus describes the component at a point in time.
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	Status     string        `json:"status"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int64         `json:"error_count"`
	Uptime     time.Duration `json:"uptime"`
}

// Component implements the checkpoint-timeout processor.
type Component struct {
	name    string
	config  Config
	expirer Expirer
	logger  *slog.Logger

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}

	// Metrics
	checksPerformed atomic.Int64
	workflowsFailed atomic.Int64
	checkErrors     atomic.Int64
	lastCheckMu     sync.RWMutex
	lastCheck       time.Time
}

// NewComponent creates a checkpoint-timeout processor. Zero config fields
// take their defaults.
func NewComponent(config Config, expirer Expirer, logger *slog.Logger) (*Component, error) {
	defaults := DefaultConfig()
	if config.CheckInterval == 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.CheckTimeout == 0 {
		config.CheckTimeout = defaults.CheckTimeout
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if expirer == nil {
		return nil, fmt.Errorf("expirer required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Component{
		name:    "checkpoint-timeout",
		config:  config,
		expirer: expirer,
		logger:  logger,
	}, nil
}

// Start begins monitoring checkpoint deadlines.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.checkLoop(subCtx, done)

	c.logger.Info("Component started", "component", c.name, "check_interval", c.config.CheckInterval)
	return nil
}

// checkLoop periodically expires overdue checkpoints.
func (c *Component) checkLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	c.CheckOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs a single expiry pass.
func (c *Component) CheckOnce(ctx context.Context) {
	c.checksPerformed.Add(1)
	c.updateLastCheck()

	ctx, cancel := context.WithTimeout(ctx, c.config.CheckTimeout)
	defer cancel()

	failed, err := c.expirer.ExpireCheckpoints(ctx)
	c.workflowsFailed.Add(int64(len(failed)))
	if err != nil {
		c.checkErrors.Add(1)
		c.logger.Error("Checkpoint expiry pass failed", "error", err)
	}
	if len(failed) > 0 {
		c.logger.Info("Expired checkpoints", "workflows_failed", len(failed), "workflow_ids", failed)
	}
}

// Stop cancels the check loop and waits up to timeout for it to exit.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("checkpoint-timeout did not stop within %s", timeout)
	}

	c.logger.Info("Component stopped",
		"component", c.name,
		"checks_performed", c.checksPerformed.Load(),
		"workflows_failed", c.workflowsFailed.Load())
	return nil
}

// Health returns the current health status.
func (c *Component) Health() HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	var uptime time.Duration
	if running {
		status = "running"
		uptime = time.Since(startTime)
	}

	return HealthStatus{
		Healthy:    running,
		Status:     status,
		LastCheck:  c.getLastCheck(),
		ErrorCount: c.checkErrors.Load(),
		Uptime:     uptime,
	}
}

// WorkflowsFailed returns how many workflows the component has failed.
func (c *Component) WorkflowsFailed() int64 {
	return c.workflowsFailed.Load()
}

func (c *Component) updateLastCheck() {
	c.lastCheckMu.Lock()
	c.lastCheck = time.Now()
	c.lastCheckMu.Unlock()
}

func (c *Component) getLastCheck() time.Time {
	c.lastCheckMu.RLock()
	defer c.lastCheckMu.RUnlock()
	return c.lastCheck
}
