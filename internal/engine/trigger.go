package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/ratelimit"
	"github.com/ashita-ai/hibiki/internal/storage"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

// Errors returned by Triggerer.Trigger.
var (
	ErrRuleNotFound   = errors.New("engine: rule not found")
	ErrRuleDisabled   = errors.New("engine: rule is disabled")
	ErrRateLimited    = errors.New("engine: rule run ceiling reached")
	ErrWrongTrigger   = errors.New("engine: rule does not accept this trigger")
	ErrInvalidSource  = errors.New("engine: invalid trigger source")
	ErrEventNotInRule = errors.New("engine: event is outside the rule's scope")
)

// TriggerRequest creates a run outside event dispatch.
type TriggerRequest struct {
	RuleID uuid.UUID
	// TenantID scopes the lookup; a rule of another tenant is reported as not found.
	TenantID uuid.UUID
	Source   model.TriggerSource
	Data     map[string]any
	// EventID optionally binds the run to an existing event for rendering.
	EventID *uuid.UUID
}

// Triggerer starts runs for manual, webhook, schedule and test triggers.
type Triggerer struct {
	store   Store
	ceiling *ratelimit.Ceiling
	queue   RunQueue
	logger  *slog.Logger
	created metric.Int64Counter
}

// NewTriggerer creates a Triggerer.
func NewTriggerer(store Store, ceiling *ratelimit.Ceiling, queue RunQueue, logger *slog.Logger) *Triggerer {
	created, _ := telemetry.Meter("hibiki/engine").Int64Counter("hibiki.runs.created",
		metric.WithDescription("Runs created, by trigger source"))
	return &Triggerer{store: store, ceiling: ceiling, queue: queue, logger: logger, created: created}
}

// RuleByID loads a rule of any tenant. Inbound hooks use it; the rule id
// in the URL is the only tenant reference they carry.
func (t *Triggerer) RuleByID(ctx context.Context, ruleID uuid.UUID) (model.Rule, error) {
	rule, err := t.store.GetRule(ctx, ruleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Rule{}, ErrRuleNotFound
		}
		return model.Rule{}, fmt.Errorf("trigger: load rule: %w", err)
	}
	return rule, nil
}

// Rule loads a rule within a tenant.
func (t *Triggerer) Rule(ctx context.Context, tenantID, ruleID uuid.UUID) (model.Rule, error) {
	rule, err := t.RuleByID(ctx, ruleID)
	if err != nil {
		return model.Rule{}, err
	}
	if rule.TenantID != tenantID {
		return model.Rule{}, ErrRuleNotFound
	}
	return rule, nil
}

// Trigger creates a pending run and queues it. Webhook triggers only fire
// webhook rules and schedule triggers only schedule rules; manual and test
// triggers fire any rule. Test runs are exempt from the run ceiling and do
// not count toward it.
func (t *Triggerer) Trigger(ctx context.Context, req TriggerRequest) (model.Run, error) {
	if !req.Source.Valid() || req.Source == model.SourceEvent {
		return model.Run{}, ErrInvalidSource
	}
	rule, err := t.Rule(ctx, req.TenantID, req.RuleID)
	if err != nil {
		return model.Run{}, err
	}
	if !rule.Enabled {
		return model.Run{}, ErrRuleDisabled
	}
	switch req.Source {
	case model.SourceWebhook:
		if rule.TriggerType != model.TriggerWebhook {
			return model.Run{}, ErrWrongTrigger
		}
	case model.SourceSchedule:
		if rule.TriggerType != model.TriggerSchedule {
			return model.Run{}, ErrWrongTrigger
		}
	}

	studioID := rule.StudioID
	if req.EventID != nil {
		ev, err := t.store.GetHydratedEvent(ctx, *req.EventID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return model.Run{}, ErrEventNotInRule
			}
			return model.Run{}, fmt.Errorf("trigger: load event: %w", err)
		}
		if !rule.MatchesScope(ev.Event.TenantID, ev.Event.StudioID) {
			return model.Run{}, ErrEventNotInRule
		}
		studioID = runStudio(rule, ev.Event.StudioID)
	}

	if req.Source != model.SourceTest {
		release := t.ceiling.Hold(rule.ID)
		defer release()
		reached, err := t.ceiling.Reached(ctx, rule.ID)
		if err != nil {
			return model.Run{}, fmt.Errorf("trigger: %w", err)
		}
		if reached {
			return model.Run{}, ErrRateLimited
		}
	}

	data := req.Data
	if data == nil {
		data = map[string]any{}
	}
	run, err := t.store.CreateRun(ctx, model.Run{
		TenantID:          rule.TenantID,
		StudioID:          studioID,
		RuleID:            rule.ID,
		TriggeringEventID: req.EventID,
		TriggerSource:     req.Source,
		TriggerData:       data,
		Status:            model.RunStatusPending,
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("trigger: create run: %w", err)
	}
	t.created.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(req.Source))))
	t.logger.Info("trigger: run created", "run_id", run.ID, "rule_id", rule.ID, "source", req.Source)
	if t.queue != nil {
		t.queue.Submit(run.ID)
	}
	return run, nil
}
