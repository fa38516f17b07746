// Package checkpointgate owns the lifecycle of human checkpoints: creation
// with an optional deadline, resolution by a reviewer and expiry of
// checkpoints nobody answered.
package checkpointgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/simflow/storage"
	"github.com/c360studio/simflow/workflow"
)

// SystemReviewer is the reviewer id recorded for automatic resolutions.
const SystemReviewer = "system"

// CancelFeedback is recorded on a checkpoint closed because its workflow
// was cancelled.
const CancelFeedback = "cancelled by user"

const expiryPrefix = "expired: "

// CreateRequest describes a checkpoint to open.
type CreateRequest struct {
	WorkflowID      string
	Stage           string
	Reason          string
	Recommendations []string
	// Timeout overrides the gate default. Negative means no deadline.
	Timeout time.Duration
}

// Gate creates and resolves checkpoints. At most one checkpoint per workflow
// is pending; the store enforces it.
type Gate struct {
	store          storage.CheckpointStore
	defaultTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger

	created *prometheus.CounterVec
	expired prometheus.Counter
}

// Option configures a Gate.
type Option func(*Gate)

// WithDefaultTimeout sets the deadline applied when a request has none.
// Zero disables the default deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gate) {
		g.defaultTimeout = d
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// WithRegisterer registers the gate metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(g *Gate) {
		g.registerMetrics(reg)
	}
}

// New creates a Gate.
func New(store storage.CheckpointStore, opts ...Option) *Gate {
	g := &Gate{
		store:          store,
		defaultTimeout: 24 * time.Hour,
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.created == nil {
		g.registerMetrics(nil)
	}
	return g
}

func (g *Gate) registerMetrics(reg prometheus.Registerer) {
	f := promauto.With(reg)
	g.created = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: "simflow",
		Name:      "checkpoints_created_total",
		Help:      "Human checkpoints opened, by reason.",
	}, []string{"reason"})
	g.expired = f.NewCounter(prometheus.CounterOpts{
		Namespace: "simflow",
		Name:      "checkpoints_expired_total",
		Help:      "Pending checkpoints rejected because their deadline passed.",
	})
}

// Create opens a pending checkpoint. It fails with
// workflow.ErrCheckpointConflict when the workflow already has one.
func (g *Gate) Create(ctx context.Context, req CreateRequest) (*workflow.Checkpoint, error) {
	if req.WorkflowID == "" || req.Stage == "" {
		return nil, fmt.Errorf("checkpoint requires workflow id and stage")
	}

	now := g.now()
	cp := &workflow.Checkpoint{
		ID:              uuid.NewString(),
		WorkflowID:      req.WorkflowID,
		Stage:           req.Stage,
		Reason:          req.Reason,
		Recommendations: req.Recommendations,
		Status:          workflow.CheckpointPending,
		CreatedAt:       now,
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = g.defaultTimeout
	}
	if timeout > 0 {
		exp := now.Add(timeout)
		cp.ExpiresAt = &exp
	}

	if err := g.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	g.created.WithLabelValues(req.Reason).Inc()

	g.logger.Info("Checkpoint created",
		"checkpoint_id", cp.ID,
		"workflow_id", cp.WorkflowID,
		"stage", cp.Stage,
		"reason", cp.Reason,
		"expires_at", cp.ExpiresAt)
	return cp, nil
}

// Resolve records a reviewer's decision on a pending checkpoint.
func (g *Gate) Resolve(ctx context.Context, checkpointID string, res workflow.Resolution) (*workflow.Checkpoint, error) {
	cp, err := g.store.ResolveCheckpoint(ctx, checkpointID, res, g.now())
	if err != nil {
		return nil, err
	}
	g.logger.Info("Checkpoint resolved",
		"checkpoint_id", cp.ID,
		"workflow_id", cp.WorkflowID,
		"status", cp.Status,
		"reviewer_id", cp.ReviewerID)
	return cp, nil
}

// Get returns a checkpoint by id.
func (g *Gate) Get(ctx context.Context, checkpointID string) (*workflow.Checkpoint, error) {
	return g.store.GetCheckpoint(ctx, checkpointID)
}

// Pending returns the pending checkpoint of a workflow, or nil when there is
// none.
func (g *Gate) Pending(ctx context.Context, workflowID string) (*workflow.Checkpoint, error) {
	cps, err := g.store.ListCheckpoints(ctx, workflow.CheckpointFilter{
		WorkflowID: workflowID,
		Status:     workflow.CheckpointPending,
	})
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return cps[0], nil
}

// List returns the checkpoints matching filter, oldest first.
func (g *Gate) List(ctx context.Context, filter workflow.CheckpointFilter) ([]*workflow.Checkpoint, error) {
	return g.store.ListCheckpoints(ctx, filter)
}

// ExpireStale rejects every pending checkpoint whose deadline is before now
// and returns the checkpoints it resolved. A checkpoint answered
// concurrently is skipped.
func (g *Gate) ExpireStale(ctx context.Context, now time.Time) ([]*workflow.Checkpoint, error) {
	pending, err := g.store.ListCheckpoints(ctx, workflow.CheckpointFilter{Status: workflow.CheckpointPending})
	if err != nil {
		return nil, fmt.Errorf("list pending checkpoints: %w", err)
	}

	var expired []*workflow.Checkpoint
	var errs []error
	for _, cp := range pending {
		if !cp.IsExpired(now) {
			continue
		}
		resolved, err := g.store.ResolveCheckpoint(ctx, cp.ID, workflow.Resolution{
			Outcome:    workflow.CheckpointRejected,
			Feedback:   ExpiryFeedback(*cp.ExpiresAt),
			ReviewerID: SystemReviewer,
		}, now)
		if err != nil {
			if errors.Is(err, workflow.ErrCheckpointAlreadyResolved) {
				continue
			}
			errs = append(errs, fmt.Errorf("expire %s: %w", cp.ID, err))
			continue
		}
		g.expired.Inc()
		g.logger.Warn("Checkpoint expired",
			"checkpoint_id", cp.ID,
			"workflow_id", cp.WorkflowID,
			"stage", cp.Stage,
			"expired_at", cp.ExpiresAt)
		expired = append(expired, resolved)
	}
	return expired, errors.Join(errs...)
}

// ExpiryFeedback is the feedback recorded on an expired checkpoint.
func ExpiryFeedback(deadline time.Time) string {
	return expiryPrefix + "no reviewer response before " + deadline.UTC().Format(time.RFC3339)
}

// IsExpired reports whether cp was closed by ExpireStale.
func IsExpired(cp *workflow.Checkpoint) bool {
	return cp.ReviewerID == SystemReviewer &&
		cp.Status == workflow.CheckpointRejected &&
		strings.HasPrefix(cp.HumanFeedback, expiryPrefix)
}

// IsCancelled reports whether cp was closed by cancelling its workflow.
func IsCancelled(cp *workflow.Checkpoint) bool {
	return cp.ReviewerID == SystemReviewer && cp.HumanFeedback == CancelFeedback
}
