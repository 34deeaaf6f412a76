package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hibiki/internal/model"
)

const taskColumns = `id, tenant_id, run_id, rule_id, agent_id, task, max_steps, initiated_by_id, status,
	error_message, created_at, completed_at`

func scanTask(row pgx.Row) (model.AgentTask, error) {
	var t model.AgentTask
	err := row.Scan(
		&t.ID, &t.TenantID, &t.RunID, &t.RuleID, &t.AgentID, &t.Task, &t.MaxSteps, &t.InitiatedByID, &t.Status,
		&t.ErrorMessage, &t.CreatedAt, &t.CompletedAt,
	)
	return t, err
}

// CreateTask inserts a queued agent task.
func (db *DB) CreateTask(ctx context.Context, t model.AgentTask) (model.AgentTask, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = model.TaskQueued
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_tasks (id, tenant_id, run_id, rule_id, agent_id, task, max_steps, initiated_by_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.TenantID, t.RunID, t.RuleID, t.AgentID, t.Task, t.MaxSteps, t.InitiatedByID, string(t.Status), t.CreatedAt,
	)
	if err != nil {
		return model.AgentTask{}, fmt.Errorf("storage: create task: %w", err)
	}
	return t, nil
}

// GetTask retrieves an agent task by ID.
func (db *DB) GetTask(ctx context.Context, id uuid.UUID) (model.AgentTask, error) {
	t, err := scanTask(db.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentTask{}, fmt.Errorf("storage: task %s: %w", id, ErrNotFound)
		}
		return model.AgentTask{}, fmt.Errorf("storage: get task: %w", err)
	}
	return t, nil
}

// SetTaskStatus moves a non-terminal task to status. Reaching a terminal
// status stamps completed_at. It reports false, with the current row, when
// the task was already terminal.
func (db *DB) SetTaskStatus(ctx context.Context, id uuid.UUID, status model.TaskStatus, errMsg *string, at time.Time) (model.AgentTask, bool, error) {
	var completedAt *time.Time
	if status.Terminal() {
		completedAt = &at
	}
	t, err := scanTask(db.pool.QueryRow(ctx,
		`UPDATE agent_tasks SET status = $2, error_message = $3, completed_at = $4
		 WHERE id = $1 AND status IN ('queued', 'running')
		 RETURNING `+taskColumns,
		id, string(status), errMsg, completedAt,
	))
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.AgentTask{}, false, fmt.Errorf("storage: set task status: %w", err)
	}
	current, err := db.GetTask(ctx, id)
	if err != nil {
		return model.AgentTask{}, false, err
	}
	return current, false, nil
}

// ListRunTasks returns the agent tasks owned by a run, oldest first.
func (db *DB) ListRunTasks(ctx context.Context, runID uuid.UUID) ([]model.AgentTask, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list run tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AgentTask, error) {
		return scanTask(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan run tasks: %w", err)
	}
	return tasks, nil
}
