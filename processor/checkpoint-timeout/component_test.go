package checkpointtimeout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExpirer counts calls and returns scripted results.
type fakeExpirer struct {
	mu    sync.Mutex
	calls int
	ids   []string
	err   error
}

func (f *fakeExpirer) ExpireCheckpoints(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("expiry pass has no deadline")
	}
	return f.ids, f.err
}

func (f *fakeExpirer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestNewComponent(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		expirer Expirer
		wantErr bool
	}{
		{"defaults applied", Config{}, &fakeExpirer{}, false},
		{"negative check_interval", Config{CheckInterval: -time.Second}, &fakeExpirer{}, true},
		{"negative check_timeout", Config{CheckTimeout: -time.Second}, &fakeExpirer{}, true},
		{"missing expirer", Config{}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewComponent(tt.config, tt.expirer, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewComponent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				assert.Equal(t, DefaultConfig(), c.config)
			}
		})
	}
}

func TestComponent_Lifecycle(t *testing.T) {
	exp := &fakeExpirer{ids: []string{"wf-1", "wf-2"}}
	c, err := NewComponent(Config{CheckInterval: 10 * time.Millisecond}, exp, nil)
	require.NoError(t, err)

	assert.False(t, c.Health().Healthy)
	assert.Equal(t, "stopped", c.Health().Status)

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()), "second start fails")

	require.Eventually(t, func() bool { return exp.callCount() >= 3 }, 2*time.Second, 5*time.Millisecond)

	h := c.Health()
	assert.True(t, h.Healthy)
	assert.Equal(t, "running", h.Status)
	assert.False(t, h.LastCheck.IsZero())

	require.NoError(t, c.Stop(time.Second))
	assert.False(t, c.Health().Healthy)
	calls := exp.callCount()
	assert.Equal(t, int64(2*calls), c.WorkflowsFailed())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, exp.callCount(), "no passes after stop")

	// Stopping twice is a no-op.
	require.NoError(t, c.Stop(time.Second))
}

func TestComponent_RunsImmediatelyOnStart(t *testing.T) {
	exp := &fakeExpirer{}
	c, err := NewComponent(Config{CheckInterval: time.Hour}, exp, nil)
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(time.Second) })

	require.Eventually(t, func() bool { return exp.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestComponent_CheckOnceCountsErrors(t *testing.T) {
	exp := &fakeExpirer{ids: []string{"wf-1"}, err: errors.New("store unavailable")}
	c, err := NewComponent(Config{}, exp, nil)
	require.NoError(t, err)

	c.CheckOnce(context.Background())
	c.CheckOnce(context.Background())

	assert.Equal(t, int64(2), c.Health().ErrorCount)
	assert.Equal(t, int64(2), c.WorkflowsFailed(), "partial results still count")
	assert.Equal(t, int64(2), c.checksPerformed.Load())
}

func TestComponent_ConcurrentHealthChecks(t *testing.T) {
	c, err := NewComponent(Config{CheckInterval: 5 * time.Millisecond}, &fakeExpirer{}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(time.Second) })

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = c.Health()
			}
		}()
	}
	wg.Wait()
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  Config{CheckInterval: time.Minute, CheckTimeout: time.Second},
			wantErr: false,
		},
		{
			name:    "zero check_interval",
			config:  Config{CheckInterval: 0, CheckTimeout: time.Second},
			wantErr: true,
		},
		{
			name:    "zero check_timeout",
			config:  Config{CheckInterval: time.Minute},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.CheckInterval != time.Minute {
		t.Errorf("CheckInterval = %v, want 1m", cfg.CheckInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
