// Package sqlite is a single-file storage.Store for local and edge
// deployments, using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/c360studio/simflow/storage"
	"github.com/c360studio/simflow/workflow"
)

const migrationV1 = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_states (
    workflow_id    TEXT PRIMARY KEY,
    project_id     TEXT NOT NULL,
    status         TEXT NOT NULL,
    current_step   TEXT NOT NULL,
    version        INTEGER NOT NULL,
    schema_version INTEGER NOT NULL,
    state          TEXT NOT NULL,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_states_status_idx ON workflow_states (status);

CREATE TABLE IF NOT EXISTS workflow_steps (
    step_id       TEXT PRIMARY KEY,
    workflow_id   TEXT NOT NULL,
    stage_name    TEXT NOT NULL,
    attempt_order INTEGER NOT NULL,
    status        TEXT NOT NULL,
    record        TEXT NOT NULL,
    started_at    TEXT NOT NULL,
    UNIQUE (workflow_id, stage_name, attempt_order)
);

CREATE TABLE IF NOT EXISTS workflow_checkpoints (
    checkpoint_id TEXT PRIMARY KEY,
    workflow_id   TEXT NOT NULL,
    stage_name    TEXT NOT NULL,
    status        TEXT NOT NULL,
    record        TEXT NOT NULL,
    created_at    TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS workflow_checkpoints_one_pending
    ON workflow_checkpoints (workflow_id) WHERE status = 'pending';

INSERT OR IGNORE INTO schema_migrations (version, applied_at) VALUES (1, datetime('now'));
`

var _ storage.Store = (*Store)(nil)

// Store keeps workflow records in one SQLite file.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at path and migrates it.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers; a single connection serializes writers.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("run migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		// Table doesn't exist yet.
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("apply migration v1: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// sortableTime is fixed width so text ordering matches time ordering.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(sortableTime)
}

// SaveState implements storage.StateStore.
func (s *Store) SaveState(ctx context.Context, st *workflow.State) error {
	next := *st
	next.Version = st.Version + 1
	data, err := workflow.Encode(&next)
	if err != nil {
		return err
	}

	if st.Version == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO workflow_states
				(workflow_id, project_id, status, current_step, version, schema_version, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (workflow_id) DO NOTHING`,
			st.WorkflowID, st.ProjectID, string(st.Status), st.CurrentStep, next.Version,
			next.SchemaVersion, string(data), ts(st.CreatedAt), ts(st.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s already exists", workflow.ErrVersionConflict, st.WorkflowID)
		}
		st.Version = next.Version
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_states
		SET status = ?, current_step = ?, version = ?, schema_version = ?, state = ?, updated_at = ?
		WHERE workflow_id = ? AND version = ?`,
		string(st.Status), st.CurrentStep, next.Version, next.SchemaVersion, string(data), ts(st.UpdatedAt),
		st.WorkflowID, st.Version)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM workflow_states WHERE workflow_id = ?`, st.WorkflowID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check workflow: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, st.WorkflowID)
		}
		return fmt.Errorf("%w: %s version %d is stale", workflow.ErrVersionConflict, st.WorkflowID, st.Version)
	}
	st.Version = next.Version
	return nil
}

// LoadState implements storage.StateStore.
func (s *Store) LoadState(ctx context.Context, workflowID string) (*workflow.State, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM workflow_states WHERE workflow_id = ?`, workflowID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, workflowID)
		}
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	return workflow.Decode([]byte(data))
}

// ListStates implements storage.StateStore.
func (s *Store) ListStates(ctx context.Context, filter workflow.StateFilter) ([]*workflow.State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state FROM workflow_states
		WHERE (? = '' OR project_id = ?)
		ORDER BY created_at, workflow_id`,
		filter.ProjectID, filter.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*workflow.State
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		st, err := workflow.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		if filter.Matches(st) {
			out = append(out, st)
		}
	}
	return out, rows.Err()
}

// CreateStep implements storage.StateStore.
func (s *Store) CreateStep(ctx context.Context, step *workflow.StepRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin step insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var order int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(attempt_order), 0) FROM workflow_steps
		WHERE workflow_id = ? AND stage_name = ?`,
		step.WorkflowID, step.Stage,
	).Scan(&order); err != nil {
		return fmt.Errorf("next attempt order: %w", err)
	}
	step.AttemptOrder = order + 1

	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_steps (step_id, workflow_id, stage_name, attempt_order, status, record, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.WorkflowID, step.Stage, step.AttemptOrder, string(step.Status), string(data), ts(step.StartedAt),
	); err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return tx.Commit()
}

// UpdateStep implements storage.StateStore.
func (s *Store) UpdateStep(ctx context.Context, step *workflow.StepRecord) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_steps SET status = ?, record = ? WHERE step_id = ?`,
		string(step.Status), string(data), step.ID)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", workflow.ErrStepNotFound, step.ID)
	}
	return nil
}

// ListSteps implements storage.StateStore.
func (s *Store) ListSteps(ctx context.Context, workflowID string) ([]*workflow.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM workflow_steps WHERE workflow_id = ? ORDER BY started_at, attempt_order`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []*workflow.StepRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		var step workflow.StepRecord
		if err := json.Unmarshal([]byte(data), &step); err != nil {
			return nil, fmt.Errorf("unmarshal step: %w", err)
		}
		out = append(out, &step)
	}
	return out, rows.Err()
}

// CreateCheckpoint implements storage.CheckpointStore.
func (s *Store) CreateCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (checkpoint_id, workflow_id, stage_name, status, record, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.WorkflowID, cp.Stage, string(cp.Status), string(data), ts(cp.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", workflow.ErrCheckpointConflict, cp.WorkflowID)
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint implements storage.CheckpointStore.
func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (*workflow.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM workflow_checkpoints WHERE checkpoint_id = ?`, checkpointID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrCheckpointNotFound, checkpointID)
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	var cp workflow.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// ResolveCheckpoint implements storage.CheckpointStore.
func (s *Store) ResolveCheckpoint(ctx context.Context, checkpointID string, res workflow.Resolution, now time.Time) (*workflow.Checkpoint, error) {
	cp, err := s.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if err := storage.Resolve(cp, res, now); err != nil {
		return nil, fmt.Errorf("%w: %s", err, checkpointID)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_checkpoints SET status = ?, record = ?
		WHERE checkpoint_id = ? AND status = 'pending'`,
		string(cp.Status), string(data), checkpointID)
	if err != nil {
		return nil, fmt.Errorf("update checkpoint: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", workflow.ErrCheckpointAlreadyResolved, checkpointID)
	}
	return cp, nil
}

// ListCheckpoints implements storage.CheckpointStore.
func (s *Store) ListCheckpoints(ctx context.Context, filter workflow.CheckpointFilter) ([]*workflow.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM workflow_checkpoints
		WHERE (? = '' OR workflow_id = ?) AND (? = '' OR status = ?)
		ORDER BY created_at, checkpoint_id`,
		filter.WorkflowID, filter.WorkflowID, string(filter.Status), string(filter.Status))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Checkpoint
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		var cp workflow.Checkpoint
		if err := json.Unmarshal([]byte(data), &cp); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
