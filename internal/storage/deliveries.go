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

const deliveryColumns = `id, tenant_id, run_id, rule_id, event_id, event_type, url, secret, headers, request_body,
	status, attempt_count, next_attempt_at, delivered_at, response_code, response_body, error_message, created_at`

func scanDelivery(row pgx.Row) (model.WebhookDelivery, error) {
	var d model.WebhookDelivery
	err := row.Scan(
		&d.ID, &d.TenantID, &d.RunID, &d.RuleID, &d.EventID, &d.EventType, &d.URL, &d.Secret, &d.Headers, &d.RequestBody,
		&d.Status, &d.AttemptCount, &d.NextAttemptAt, &d.DeliveredAt, &d.ResponseCode, &d.ResponseBody, &d.ErrorMessage, &d.CreatedAt,
	)
	return d, err
}

func collectDeliveries(rows pgx.Rows) ([]model.WebhookDelivery, error) {
	defer rows.Close()
	var out []model.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateDelivery inserts a pending delivery and notifies listening workers.
func (db *DB) CreateDelivery(ctx context.Context, d model.WebhookDelivery) (model.WebhookDelivery, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	if d.Headers == nil {
		d.Headers = map[string]string{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries (id, tenant_id, run_id, rule_id, event_id, event_type, url, secret, headers,
		     request_body, status, attempt_count, next_attempt_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.TenantID, d.RunID, d.RuleID, d.EventID, d.EventType, d.URL, d.Secret, d.Headers,
		d.RequestBody, string(d.Status), d.AttemptCount, d.NextAttemptAt, d.CreatedAt,
	)
	if err != nil {
		return model.WebhookDelivery{}, fmt.Errorf("storage: create delivery: %w", err)
	}
	if db.notifyConn != nil {
		if err := db.Notify(ctx, ChannelDeliveries, d.ID.String()); err != nil {
			db.logger.Warn("storage: notify delivery", "delivery_id", d.ID, "error", err)
		}
	}
	return d, nil
}

// GetDelivery retrieves a delivery by ID.
func (db *DB) GetDelivery(ctx context.Context, id uuid.UUID) (model.WebhookDelivery, error) {
	d, err := scanDelivery(db.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WebhookDelivery{}, fmt.Errorf("storage: delivery %s: %w", id, ErrNotFound)
		}
		return model.WebhookDelivery{}, fmt.Errorf("storage: get delivery: %w", err)
	}
	return d, nil
}

// ClaimDelivery leases one non-terminal delivery whose lease is free.
func (db *DB) ClaimDelivery(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (model.WebhookDelivery, bool, error) {
	d, err := scanDelivery(db.pool.QueryRow(ctx,
		`UPDATE webhook_deliveries SET locked_until = $2
		 WHERE id = $1 AND status IN ('pending', 'retrying')
		   AND (locked_until IS NULL OR locked_until < $3)
		 RETURNING `+deliveryColumns,
		id, now.Add(lease), now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WebhookDelivery{}, false, nil
		}
		return model.WebhookDelivery{}, false, fmt.Errorf("storage: claim delivery: %w", err)
	}
	return d, true, nil
}

// ClaimDueDeliveries leases up to limit deliveries whose next attempt is due.
// Rows locked by a concurrent claimer are skipped.
func (db *DB) ClaimDueDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.WebhookDelivery, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE webhook_deliveries SET locked_until = $1
		 WHERE id IN (
		     SELECT id FROM webhook_deliveries
		     WHERE status IN ('pending', 'retrying')
		       AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		       AND (locked_until IS NULL OR locked_until < $2)
		     ORDER BY next_attempt_at NULLS FIRST, created_at ASC
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+deliveryColumns,
		now.Add(lease), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim due deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

// RecordDeliveryAttempt stores the outcome of one attempt and releases the lease.
func (db *DB) RecordDeliveryAttempt(ctx context.Context, a model.DeliveryAttempt) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE webhook_deliveries
		 SET status = $2, attempt_count = $3, next_attempt_at = $4, delivered_at = $5,
		     response_code = $6, response_body = $7, error_message = $8, locked_until = NULL
		 WHERE id = $1 AND status IN ('pending', 'retrying')`,
		a.DeliveryID, string(a.Status), a.AttemptCount, a.NextAttemptAt, a.DeliveredAt,
		a.ResponseCode, a.ResponseBody, a.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("storage: record delivery attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: delivery %s already terminal: %w", a.DeliveryID, ErrConflict)
	}
	return nil
}

// ListRunDeliveries returns the deliveries owned by a run, oldest first.
func (db *DB) ListRunDeliveries(ctx context.Context, runID uuid.UUID) ([]model.WebhookDelivery, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list run deliveries: %w", err)
	}
	return collectDeliveries(rows)
}
