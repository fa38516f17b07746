package workflowengine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/c360studio/simflow/events"
	checkpointgate "github.com/c360studio/simflow/processor/checkpoint-gate"
	"github.com/c360studio/simflow/workflow"
)

// run is the in-process handle of one loop goroutine.
type run struct {
	mu        sync.Mutex
	cancelled bool
	exiting   bool
	done      chan struct{}
}

// requestCancel flags the loop. It returns false once the loop has begun to
// exit and will no longer look at the flag.
func (r *run) requestCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exiting {
		return false
	}
	r.cancelled = true
	return true
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// exit marks the loop as leaving and reports whether a cancel arrived
// before it did.
func (r *run) exit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exiting = true
	return r.cancelled
}

// launch starts the loop for workflowID unless one is already live. With
// wait set, a live loop is assumed to be on its way out and launch waits for
// it before starting the next one.
func (e *Engine) launch(ctx context.Context, workflowID string, wait bool) (bool, error) {
	r := &run{done: make(chan struct{})}
	for {
		prev, loaded := e.runs.LoadOrStore(workflowID, r)
		if !loaded {
			break
		}
		if !wait {
			return false, nil
		}
		select {
		case <-prev.(*run).done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	e.wg.Add(1)
	e.metrics.activeRuns.Inc()
	go func() {
		defer e.wg.Done()
		defer e.metrics.activeRuns.Dec()
		defer close(r.done)
		defer e.runs.Delete(workflowID)

		e.loop(e.baseCtx, workflowID, r)
		if r.exit() {
			if err := e.cancelStored(context.WithoutCancel(e.baseCtx), workflowID); err != nil &&
				!errors.Is(err, workflow.ErrWorkflowTerminal) {
				e.logger.Error("Failed to cancel workflow", "workflow_id", workflowID, "error", err)
			}
		}
	}()
	return true, nil
}

// loop drives one workflow until it suspends, terminates, is cancelled or
// hits a store failure. Store writes are not cut short by shutdown.
func (e *Engine) loop(ctx context.Context, workflowID string, r *run) {
	log := e.logger.With("workflow_id", workflowID)
	persist := context.WithoutCancel(ctx)

	s, err := e.store.LoadState(persist, workflowID)
	if err != nil {
		e.persistenceFailure(log, "load state", err)
		return
	}

	for {
		if ctx.Err() != nil {
			log.Info("Run loop stopped for shutdown", "current_step", s.CurrentStep)
			return
		}
		if r.isCancelled() || s.Status.IsTerminal() || s.IsSuspended() {
			return
		}

		if s.Template.HasStage(s.CurrentStep) {
			work := s.Clone()
			res, err := e.executor.Execute(ctx, s.CurrentStep, work)
			if err != nil {
				switch {
				case ctx.Err() != nil:
					return
				case errors.Is(err, workflow.ErrUnknownAgent), errors.Is(err, workflow.ErrInvalidTemplate):
					e.fail(persist, log, s, err.Error())
				default:
					e.persistenceFailure(log, "execute stage", err)
				}
				return
			}
			if r.isCancelled() {
				log.Info("Discarding stage result of cancelled workflow", "stage", res.Stage)
				return
			}
			if ctx.Err() != nil {
				return
			}
			s = work

			typ := events.StageCompleted
			if !res.Success {
				typ = events.StageFailed
			}
			ev := events.ForState(typ, s, e.now())
			ev.Stage = res.Stage
			ev.Confidence = res.ConfidenceScore
			ev.Message = res.Error
			e.emit(persist, ev)
		}

		d := workflow.Decide(s)
		d.Apply(s, e.now())
		log.Debug("Routed workflow", "decision", d.String(), "iteration", s.IterationCount)
		if err := e.store.SaveState(persist, s); err != nil {
			e.persistenceFailure(log, "save state", err)
			return
		}

		switch d.Kind {
		case workflow.DecisionNextStage:
			continue
		case workflow.DecisionCheckpoint:
			e.suspend(persist, log, s, d)
		case workflow.DecisionTerminal:
			e.finished(persist, s)
		}
		return
	}
}

// suspend opens the checkpoint for d and records it on the state. A
// checkpoint left pending by an earlier crash is adopted instead.
func (e *Engine) suspend(ctx context.Context, log *slog.Logger, s *workflow.State, d workflow.Decision) {
	cp, err := e.gate.Create(ctx, checkpointgate.CreateRequest{
		WorkflowID:      s.WorkflowID,
		Stage:           d.Stage,
		Reason:          d.Reason,
		Recommendations: d.Recommendations,
	})
	if errors.Is(err, workflow.ErrCheckpointConflict) {
		cp, err = e.gate.Pending(ctx, s.WorkflowID)
		if err == nil && cp == nil {
			err = workflow.ErrCheckpointConflict
		}
	}
	if err != nil {
		e.persistenceFailure(log, "create checkpoint", err)
		return
	}

	now := e.now()
	s.Suspend(cp.ID, now)
	if err := e.store.SaveState(ctx, s); err != nil {
		e.persistenceFailure(log, "save state", err)
		return
	}

	log.Info("Workflow suspended for review",
		"checkpoint_id", cp.ID,
		"stage", cp.Stage,
		"reason", cp.Reason,
		"iteration", s.IterationCount)
	ev := events.ForState(events.CheckpointCreated, s, now)
	ev.Stage = cp.Stage
	ev.CheckpointID = cp.ID
	ev.Reason = cp.Reason
	e.emit(ctx, ev)
}

func (e *Engine) fail(ctx context.Context, log *slog.Logger, s *workflow.State, reason string) {
	s.MarkFailed(reason, e.now())
	if err := e.store.SaveState(ctx, s); err != nil {
		e.persistenceFailure(log, "save state", err)
		return
	}
	e.finished(ctx, s)
}

func (e *Engine) persistenceFailure(log *slog.Logger, op string, err error) {
	e.metrics.persistenceFailures.Inc()
	log.Error("Run loop aborted; workflow left at last saved state", "op", op, "error", err)
}
