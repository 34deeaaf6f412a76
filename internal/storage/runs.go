package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hibiki/internal/model"
)

const runColumns = `id, tenant_id, studio_id, rule_id, triggering_event_id, trigger_source, trigger_data,
	status, actions_executed, error_message, claimed_at, started_at, actions_recorded_at, completed_at, created_at`

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.TenantID, &r.StudioID, &r.RuleID, &r.TriggeringEventID, &r.TriggerSource, &r.TriggerData,
		&r.Status, &r.ActionsExecuted, &r.ErrorMessage, &r.ClaimedAt, &r.StartedAt, &r.ActionsRecordedAt,
		&r.CompletedAt, &r.CreatedAt,
	)
	if err != nil {
		return model.Run{}, err
	}
	if r.ActionsExecuted == nil {
		r.ActionsExecuted = []model.ActionEntry{}
	}
	return r, nil
}

// CreateRun inserts a pending run.
func (db *DB) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}
	if run.TriggerData == nil {
		run.TriggerData = map[string]any{}
	}
	if run.ActionsExecuted == nil {
		run.ActionsExecuted = []model.ActionEntry{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO automation_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		run.ID, run.TenantID, run.StudioID, run.RuleID, run.TriggeringEventID, string(run.TriggerSource), run.TriggerData,
		string(run.Status), run.ActionsExecuted, run.ErrorMessage, run.ClaimedAt, run.StartedAt, run.ActionsRecordedAt,
		run.CompletedAt, run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	r, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM automation_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a tenant's runs, newest first.
func (db *DB) ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	where := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	if f.RuleID != nil {
		args = append(args, *f.RuleID)
		where = append(where, fmt.Sprintf("rule_id = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, f.Limit, f.Offset)
	query := `SELECT ` + runColumns + ` FROM automation_runs WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	runs := []model.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CountRuns counts runs of a rule created at or after since. A zero since
// counts all of them. Test runs are excluded.
func (db *DB) CountRuns(ctx context.Context, ruleID uuid.UUID, since time.Time) (int, error) {
	var n int
	var err error
	if since.IsZero() {
		err = db.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM automation_runs WHERE rule_id = $1 AND trigger_source <> 'test'`, ruleID,
		).Scan(&n)
	} else {
		err = db.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM automation_runs WHERE rule_id = $1 AND trigger_source <> 'test' AND created_at >= $2`,
			ruleID, since,
		).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("storage: count runs: %w", err)
	}
	return n, nil
}

// ListPendingRunIDs returns the oldest pending runs, for re-enqueueing after a restart.
func (db *DB) ListPendingRunIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM automation_runs WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending runs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: scan pending runs: %w", err)
	}
	return ids, nil
}

// ListStalledRunIDs returns running runs claimed before claimedBefore whose
// actions were never recorded: the worker holding them died or gave up.
func (db *DB) ListStalledRunIDs(ctx context.Context, claimedBefore time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM automation_runs
		 WHERE status = 'running' AND actions_recorded_at IS NULL AND claimed_at < $1
		 ORDER BY claimed_at ASC LIMIT $2`, claimedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list stalled runs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: scan stalled runs: %w", err)
	}
	return ids, nil
}

// MutateRun is the only way a run changes after creation. It locks the run
// row, loads the state of every sub-resource the run owns, calls fn, and
// writes back the mutable fields. If fn returns an error nothing is written
// and the error is returned unwrapped. Serialization failures and deadlocks
// are retried.
func (db *DB) MutateRun(ctx context.Context, id uuid.UUID, fn func(*model.Run, []model.SubResourceState) error) (model.Run, error) {
	var out model.Run
	err := WithRetry(ctx, txMaxRetries, txBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin mutate run: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		run, err := scanRun(tx.QueryRow(ctx,
			`SELECT `+runColumns+` FROM automation_runs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("storage: lock run: %w", err)
		}

		subs, err := subResourceStates(ctx, tx, id)
		if err != nil {
			return err
		}

		if err := fn(&run, subs); err != nil {
			return err
		}
		if run.ActionsExecuted == nil {
			run.ActionsExecuted = []model.ActionEntry{}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE automation_runs
			 SET status = $1, actions_executed = $2, error_message = $3, claimed_at = $4,
			     started_at = $5, actions_recorded_at = $6, completed_at = $7
			 WHERE id = $8`,
			string(run.Status), run.ActionsExecuted, run.ErrorMessage, run.ClaimedAt,
			run.StartedAt, run.ActionsRecordedAt, run.CompletedAt, id,
		); err != nil {
			return fmt.Errorf("storage: update run: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit run: %w", err)
		}
		out = run
		return nil
	})
	if err != nil {
		return model.Run{}, err
	}
	return out, nil
}

// subResourceStates reads the deliveries and agent tasks owned by a run.
func subResourceStates(ctx context.Context, tx pgx.Tx, runID uuid.UUID) ([]model.SubResourceState, error) {
	rows, err := tx.Query(ctx,
		`SELECT 'webhook_delivery', id, status IN ('success', 'failed'), status = 'success', COALESCE(error_message, '')
		 FROM webhook_deliveries WHERE run_id = $1
		 UNION ALL
		 SELECT 'agent_task', id, status IN ('completed', 'failed', 'cancelled'), status = 'completed',
		        COALESCE(error_message, CASE WHEN status = 'cancelled' THEN 'Task cancelled' ELSE '' END)
		 FROM agent_tasks WHERE run_id = $1`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load sub-resources: %w", err)
	}
	defer rows.Close()

	var states []model.SubResourceState
	for rows.Next() {
		var s model.SubResourceState
		if err := rows.Scan(&s.Kind, &s.ID, &s.Terminal, &s.Succeeded, &s.Error); err != nil {
			return nil, fmt.Errorf("storage: scan sub-resource: %w", err)
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// MarkRunStarted sets started_at on a run that has none and, in the same
// transaction, bumps the rule's execution_count and last_executed_at.
// It reports false when the run had already started, so the count moves
// exactly once per started run.
func (db *DB) MarkRunStarted(ctx context.Context, runID uuid.UUID, at time.Time) (bool, error) {
	var started bool
	err := WithRetry(ctx, txMaxRetries, txBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin start run: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var ruleID uuid.UUID
		err = tx.QueryRow(ctx,
			`UPDATE automation_runs SET started_at = $1 WHERE id = $2 AND started_at IS NULL RETURNING rule_id`,
			at, runID,
		).Scan(&ruleID)
		if errors.Is(err, pgx.ErrNoRows) {
			started = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage: start run: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE automation_rules SET execution_count = execution_count + 1, last_executed_at = $1 WHERE id = $2`,
			at, ruleID,
		); err != nil {
			return fmt.Errorf("storage: record rule execution: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit start run: %w", err)
		}
		started = true
		return nil
	})
	return started, err
}
