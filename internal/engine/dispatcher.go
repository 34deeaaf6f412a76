package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hibiki/internal/mention"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/ratelimit"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

// Reasons a matching rule did not produce a run.
const (
	skipSelfTrigger = "self_trigger"
	skipMention     = "mention_filter"
	skipRateLimit   = "rate_limit"
)

// Dispatcher matches an event against event-triggered rules and creates a
// pending run for each rule that fires.
type Dispatcher struct {
	store    Store
	mentions *mention.Filter
	ceiling  *ratelimit.Ceiling
	queue    RunQueue
	logger   *slog.Logger
	tracer   trace.Tracer

	created metric.Int64Counter
	skipped metric.Int64Counter
}

// NewDispatcher creates a dispatcher. ceiling may be nil to disable the run ceiling.
func NewDispatcher(store Store, mentions *mention.Filter, ceiling *ratelimit.Ceiling, queue RunQueue, logger *slog.Logger) *Dispatcher {
	meter := telemetry.Meter("hibiki/engine")
	created, _ := meter.Int64Counter("hibiki.runs.created",
		metric.WithDescription("Runs created, by trigger source"))
	skipped, _ := meter.Int64Counter("hibiki.dispatch.skipped",
		metric.WithDescription("Matching rules that did not fire, by reason"))
	return &Dispatcher{
		store:    store,
		mentions: mentions,
		ceiling:  ceiling,
		queue:    queue,
		logger:   logger,
		tracer:   otel.Tracer("hibiki/engine"),
		created:  created,
		skipped:  skipped,
	}
}

// Dispatch creates and enqueues runs for every rule the event fires.
// Events that match nothing are a no-op. A rule whose checks error is
// logged and skipped; the other rules still fire.
func (d *Dispatcher) Dispatch(ctx context.Context, eventID uuid.UUID) ([]uuid.UUID, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch",
		trace.WithAttributes(attribute.String("event.id", eventID.String())))
	defer span.End()

	ev, err := d.store.GetHydratedEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load event %s: %w", eventID, err)
	}
	rules, err := d.store.ListEventRules(ctx, ev.Event.TenantID, ev.Event.EventType)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list rules: %w", err)
	}
	span.SetAttributes(attribute.Int("dispatch.candidates", len(rules)))

	var runIDs []uuid.UUID
	for _, rule := range rules {
		if !rule.Enabled || rule.TriggerType != model.TriggerEvent || rule.TriggerConfig.EventType != ev.Event.EventType {
			continue
		}
		if !rule.MatchesScope(ev.Event.TenantID, ev.Event.StudioID) {
			continue
		}
		runID, ok := d.fire(ctx, &ev, rule)
		if !ok {
			continue
		}
		runIDs = append(runIDs, runID)
		if d.queue != nil {
			d.queue.Submit(runID)
		}
	}
	return runIDs, nil
}

// fire runs the per-rule checks and creates the run. The ceiling hold
// spans the count and the insert so concurrent dispatches cannot both
// take the last slot.
func (d *Dispatcher) fire(ctx context.Context, ev *model.HydratedEvent, rule model.Rule) (uuid.UUID, bool) {
	release := d.ceiling.Hold(rule.ID)
	defer release()

	eventID := ev.Event.ID
	if reason := d.skipReason(ctx, ev, rule); reason != "" {
		d.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		d.logger.Debug("dispatch: rule skipped", "rule_id", rule.ID, "event_id", eventID, "reason", reason)
		return uuid.Nil, false
	}

	run, err := d.store.CreateRun(ctx, model.Run{
		TenantID:          ev.Event.TenantID,
		StudioID:          runStudio(rule, ev.Event.StudioID),
		RuleID:            rule.ID,
		TriggeringEventID: &eventID,
		TriggerSource:     model.SourceEvent,
		TriggerData:       eventSnapshot(ev.Event),
		Status:            model.RunStatusPending,
	})
	if err != nil {
		d.logger.Error("dispatch: create run", "rule_id", rule.ID, "event_id", eventID, "error", err)
		return uuid.Nil, false
	}
	d.created.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(model.SourceEvent))))
	d.logger.Info("dispatch: run created", "run_id", run.ID, "rule_id", rule.ID, "event_id", eventID)
	return run.ID, true
}

func (d *Dispatcher) skipReason(ctx context.Context, ev *model.HydratedEvent, rule model.Rule) string {
	if rule.TargetAgentID != nil && ev.Event.ActorID != nil && *ev.Event.ActorID == *rule.TargetAgentID {
		return skipSelfTrigger
	}
	if rule.TriggerConfig.MentionFilter != "" {
		if d.mentions == nil || !d.mentions.Matches(ctx, ev, rule.TargetAgentID, rule.TriggerConfig.MentionFilter) {
			return skipMention
		}
	}
	reached, err := d.ceiling.Reached(ctx, rule.ID)
	if err != nil {
		d.logger.Error("dispatch: run ceiling check failed", "rule_id", rule.ID, "error", err)
		return skipRateLimit
	}
	if reached {
		d.logger.Warn("dispatch: run ceiling reached", "rule_id", rule.ID, "ceiling", d.ceiling.Max())
		return skipRateLimit
	}
	return ""
}

// runStudio is the studio a run executes in: the event's, else the rule's.
func runStudio(rule model.Rule, eventStudio *uuid.UUID) *uuid.UUID {
	if eventStudio != nil {
		id := *eventStudio
		return &id
	}
	return rule.StudioID
}

// eventSnapshot is the trigger data recorded on event-sourced runs.
func eventSnapshot(ev model.Event) map[string]any {
	snap := map[string]any{
		"event_id":   ev.ID.String(),
		"event_type": ev.EventType,
		"created_at": ev.CreatedAt,
		"metadata":   ev.Metadata,
	}
	if ev.StudioID != nil {
		snap["studio_id"] = ev.StudioID.String()
	}
	if ev.ActorID != nil {
		snap["actor_id"] = ev.ActorID.String()
	}
	if ev.Subject != nil {
		snap["subject"] = map[string]any{"kind": ev.Subject.Kind, "id": ev.Subject.ID.String()}
	}
	return snap
}
