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

const ruleColumns = `id, tenant_id, studio_id, target_agent_id, created_by_id, name, trigger_type,
	trigger_config, conditions, task, actions, enabled, execution_count, last_executed_at, created_at`

func scanRule(row pgx.Row) (model.Rule, error) {
	var (
		r       model.Rule
		task    *string
		actions []byte
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &r.StudioID, &r.TargetAgentID, &r.CreatedByID, &r.Name, &r.TriggerType,
		&r.TriggerConfig, &r.Conditions, &task, &actions, &r.Enabled, &r.ExecutionCount, &r.LastExecutedAt, &r.CreatedAt,
	)
	if err != nil {
		return model.Rule{}, err
	}
	r.Body = model.DecodeRuleBody(task, actions)
	return r, nil
}

func collectRules(rows pgx.Rows) ([]model.Rule, error) {
	defer rows.Close()
	var rules []model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// CreateRule inserts a rule. Rule authoring happens elsewhere; this exists
// for seeding and tests.
func (db *DB) CreateRule(ctx context.Context, r model.Rule) (model.Rule, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Conditions == nil {
		r.Conditions = []model.Condition{}
	}
	task, actions, err := model.EncodeRuleBody(r.Body)
	if err != nil {
		return model.Rule{}, fmt.Errorf("storage: encode rule body: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO automation_rules (id, tenant_id, studio_id, target_agent_id, created_by_id, name, trigger_type,
		     trigger_config, conditions, task, actions, enabled, execution_count, last_executed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.TenantID, r.StudioID, r.TargetAgentID, r.CreatedByID, r.Name, string(r.TriggerType),
		r.TriggerConfig, r.Conditions, task, actions, r.Enabled, r.ExecutionCount, r.LastExecutedAt, r.CreatedAt,
	)
	if err != nil {
		return model.Rule{}, fmt.Errorf("storage: create rule: %w", err)
	}
	return r, nil
}

// GetRule retrieves a rule by ID.
func (db *DB) GetRule(ctx context.Context, id uuid.UUID) (model.Rule, error) {
	r, err := scanRule(db.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Rule{}, fmt.Errorf("storage: rule %s: %w", id, ErrNotFound)
		}
		return model.Rule{}, fmt.Errorf("storage: get rule: %w", err)
	}
	return r, nil
}

// ListEventRules returns the enabled event-triggered rules of a tenant that
// listen for eventType. Scope filtering by studio is left to the caller.
func (db *DB) ListEventRules(ctx context.Context, tenantID uuid.UUID, eventType string) ([]model.Rule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM automation_rules
		 WHERE tenant_id = $1 AND enabled AND trigger_type = 'event'
		   AND trigger_config->>'event_type' = $2
		 ORDER BY created_at ASC`,
		tenantID, eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list event rules: %w", err)
	}
	return collectRules(rows)
}

// ListScheduleRules returns every enabled schedule-triggered rule.
func (db *DB) ListScheduleRules(ctx context.Context) ([]model.Rule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM automation_rules
		 WHERE enabled AND trigger_type = 'schedule'
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list schedule rules: %w", err)
	}
	return collectRules(rows)
}

// SetRuleEnabled enables or disables a rule.
func (db *DB) SetRuleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := db.pool.Exec(ctx, `UPDATE automation_rules SET enabled = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return fmt.Errorf("storage: set rule enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: rule %s: %w", id, ErrNotFound)
	}
	return nil
}
