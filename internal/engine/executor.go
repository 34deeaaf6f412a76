package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hibiki/internal/condition"
	"github.com/ashita-ai/hibiki/internal/delivery"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/render"
	"github.com/ashita-ai/hibiki/internal/storage"
)

// Error texts recorded on runs and action entries.
const (
	ErrMsgEmptyPrompt    = "Task prompt is empty"
	ErrMsgPromptTooLong  = "Task prompt is too long"
	ErrMsgRuleNotFound   = "Rule not found"
	ErrMsgRuleDisabled   = "Rule is disabled"
	ErrMsgNoTargetAgent  = "Target agent not found"
	ErrMsgNeedsStudio    = "requires studio context"
	ErrMsgAgentNotFound  = "agent not found"
	ErrMsgUnknownAction  = "unknown action type"
	ErrMsgEventNotFound  = "Triggering event not found"
	ErrMsgInterrupted    = "Run was interrupted before its actions were recorded"
	ErrMsgTaskNotStarted = "Task was never started"
)

const (
	deliveryHoldback     = time.Minute
	defaultMaxSteps      = 25
	actionTypeAgentEntry = string(model.ActionTriggerAgent)
	actionTypeRecovery   = "recovery"
)

var (
	errAlreadyClaimed  = errors.New("engine: run already claimed")
	errAlreadyRecorded = errors.New("engine: run actions already recorded")
)

// ExecutorConfig tunes the executor.
type ExecutorConfig struct {
	// DefaultMaxSteps applies to agent tasks whose rule sets none.
	DefaultMaxSteps int
	// DefaultWebhookSecret signs deliveries whose action sets no secret.
	DefaultWebhookSecret string
	// AllowPrivateWebhooks permits loopback and private webhook targets.
	AllowPrivateWebhooks bool
}

// Executor runs one pending run to the point where only asynchronous work
// remains.
type Executor struct {
	store      Store
	tracker    *Tracker
	deliveries DeliveryQueue
	spawner    TaskSpawner
	actions    InternalActions
	logger     *slog.Logger
	cfg        ExecutorConfig
	now        func() time.Time
	tracer     trace.Tracer
}

// NewExecutor creates an executor. deliveries, spawner and actions may be
// nil; the corresponding actions then stay queued for the pollers or are
// recorded as unsupported.
func NewExecutor(store Store, tracker *Tracker, deliveries DeliveryQueue, spawner TaskSpawner, actions InternalActions, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if cfg.DefaultMaxSteps <= 0 {
		cfg.DefaultMaxSteps = defaultMaxSteps
	}
	return &Executor{
		store:      store,
		tracker:    tracker,
		deliveries: deliveries,
		spawner:    spawner,
		actions:    actions,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		tracer:     otel.Tracer("hibiki/engine"),
	}
}

// execution carries the per-run state through the action handlers.
type execution struct {
	run     model.Run
	rule    model.Rule
	event   *model.HydratedEvent
	tplCtx  map[string]any
	entries []model.ActionEntry

	// async work kicked off after the synchronous phase commits.
	deliveryIDs []uuid.UUID
	tasks       []model.AgentTask
}

// Execute claims a pending run and performs its actions. A run that is no
// longer pending is left alone, so redelivered queue items are harmless.
//
// The claim is a lease. A transient error before the run starts hands the
// run back to the pending sweep; a worker that dies after the run started
// leaves it for Recover.
func (e *Executor) Execute(ctx context.Context, runID uuid.UUID) error {
	ctx, span := e.tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(attribute.String("run.id", runID.String())))
	defer span.End()

	claimed := e.now().UTC()
	run, err := e.store.MutateRun(ctx, runID, func(r *model.Run, _ []model.SubResourceState) error {
		if r.Status != model.RunStatusPending {
			return errAlreadyClaimed
		}
		r.Status = model.RunStatusRunning
		r.ClaimedAt = &claimed
		return nil
	})
	if errors.Is(err, errAlreadyClaimed) {
		e.logger.Debug("executor: run already claimed", "run_id", runID)
		return nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("executor: claim run %s: %w", runID, err)
	}
	span.SetAttributes(attribute.String("rule.id", run.RuleID.String()))

	if err := e.execute(ctx, run); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *Executor) execute(ctx context.Context, run model.Run) error {
	rule, err := e.store.GetRule(ctx, run.RuleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return e.fail(ctx, run.ID, nil, ErrMsgRuleNotFound)
		}
		return e.release(ctx, run.ID, fmt.Errorf("executor: load rule %s: %w", run.RuleID, err))
	}
	if !rule.Enabled {
		return e.finishSkipped(ctx, run.ID, ErrMsgRuleDisabled)
	}

	x := &execution{run: run, rule: rule}
	if run.TriggeringEventID != nil {
		ev, err := e.store.GetHydratedEvent(ctx, *run.TriggeringEventID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return e.fail(ctx, run.ID, nil, ErrMsgEventNotFound)
			}
			return e.release(ctx, run.ID, fmt.Errorf("executor: load event %s: %w", *run.TriggeringEventID, err))
		}
		x.event = &ev
	}
	x.tplCtx = templateContext(x.event, run.TriggerData)

	// Conditions gate general rules only; agent rules always hand off.
	if _, general := rule.Body.(model.GeneralBody); general && !condition.EvaluateAll(rule.Conditions, x.tplCtx) {
		e.logger.Info("executor: conditions not met", "run_id", run.ID, "rule_id", rule.ID)
		return e.finishSkipped(ctx, run.ID, "")
	}

	started, err := e.store.MarkRunStarted(ctx, run.ID, e.now().UTC())
	if err != nil {
		return e.release(ctx, run.ID, fmt.Errorf("executor: start run %s: %w", run.ID, err))
	}
	if !started {
		// Another worker reclaimed the run after this one stalled.
		e.logger.Warn("executor: run started elsewhere", "run_id", run.ID)
		return nil
	}

	var structural string
	switch body := rule.Body.(type) {
	case model.AgentBody:
		structural = e.runAgentRule(ctx, x, body)
	case model.GeneralBody:
		for _, action := range body.Actions {
			x.entries = append(x.entries, e.runAction(ctx, x, action))
		}
	case model.MalformedBody:
		structural = body.Reason
	default:
		structural = model.ErrActionsNotArray
	}

	if structural != "" {
		return e.fail(ctx, run.ID, x.entries, structural)
	}

	recorded := e.now().UTC()
	final, err := e.store.MutateRun(ctx, run.ID, func(r *model.Run, subs []model.SubResourceState) error {
		if r.Status != model.RunStatusRunning || r.ActionsRecordedAt != nil {
			return errAlreadyRecorded
		}
		r.ActionsExecuted = append(r.ActionsExecuted, x.entries...)
		r.ActionsRecordedAt = &recorded
		e.tracker.apply(r, subs)
		return nil
	})
	if err != nil {
		// The sub-resources exist either way. Starting them lets Recover
		// settle the run from their outcomes.
		e.kickAsync(ctx, x)
		if errors.Is(err, errAlreadyRecorded) {
			e.logger.Warn("executor: run recovered before its actions were recorded", "run_id", run.ID)
			return nil
		}
		return fmt.Errorf("executor: record actions for run %s: %w", run.ID, err)
	}
	e.tracker.recordFinish(ctx, final)
	e.logger.Info("executor: actions recorded",
		"run_id", run.ID, "rule_id", rule.ID, "actions", len(x.entries), "status", final.Status)

	e.kickAsync(ctx, x)
	return nil
}

// release hands a claimed run that has not started back to the pending
// sweep. A run that has started may already own sub-resources, so it is
// left for Recover. cause is returned, joined with any release error.
func (e *Executor) release(ctx context.Context, runID uuid.UUID, cause error) error {
	_, err := e.store.MutateRun(context.WithoutCancel(ctx), runID, func(r *model.Run, _ []model.SubResourceState) error {
		if r.Status != model.RunStatusRunning || r.StartedAt != nil || r.ActionsRecordedAt != nil {
			return errAlreadyRecorded
		}
		r.Status = model.RunStatusPending
		r.ClaimedAt = nil
		return nil
	})
	switch {
	case err == nil:
		e.logger.Warn("executor: run released for retry", "run_id", runID, "error", cause)
	case errors.Is(err, errAlreadyRecorded):
	default:
		e.logger.Error("executor: release run", "run_id", runID, "error", err)
		cause = errors.Join(cause, fmt.Errorf("executor: release run %s: %w", runID, err))
	}
	return cause
}

// Recover settles a run whose worker claimed it and never recorded its
// actions. A run that never started goes back to pending. A started run
// gets an interruption entry and its status is derived from whatever
// sub-resources it created; agent tasks that were never handed to the
// runner are failed.
func (e *Executor) Recover(ctx context.Context, runID uuid.UUID) (model.Run, error) {
	now := e.now().UTC()
	var open []uuid.UUID
	run, err := e.store.MutateRun(ctx, runID, func(r *model.Run, subs []model.SubResourceState) error {
		if r.Status != model.RunStatusRunning || r.ActionsRecordedAt != nil {
			return errAlreadyRecorded
		}
		if r.StartedAt == nil {
			r.Status = model.RunStatusPending
			r.ClaimedAt = nil
			return nil
		}
		r.ActionsExecuted = append(r.ActionsExecuted, model.ActionEntry{
			Type:   actionTypeRecovery,
			Result: model.ActionFailed,
			Error:  ErrMsgInterrupted,
		})
		r.ActionsRecordedAt = &now
		e.tracker.apply(r, subs)
		for _, s := range subs {
			if s.Kind == model.SubResourceAgentTask && !s.Terminal {
				open = append(open, s.ID)
			}
		}
		return nil
	})
	if errors.Is(err, errAlreadyRecorded) {
		return e.store.GetRun(ctx, runID)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("executor: recover run %s: %w", runID, err)
	}
	e.tracker.recordFinish(ctx, run)
	e.logger.Warn("executor: stalled run recovered", "run_id", runID, "status", run.Status)

	for _, id := range open {
		task, err := e.store.GetTask(ctx, id)
		if err != nil {
			e.logger.Error("executor: load task of recovered run", "task_id", id, "error", err)
			continue
		}
		if task.Status != model.TaskQueued {
			continue
		}
		msg := ErrMsgTaskNotStarted
		if _, err := e.tracker.TaskFinished(ctx, id, model.TaskFailed, &msg); err != nil {
			e.logger.Error("executor: fail unstarted task", "task_id", id, "error", err)
		}
	}
	if len(open) > 0 {
		return e.store.GetRun(ctx, runID)
	}
	return run, nil
}

// templateContext is the render and condition context of a run: the event
// context plus the trigger data under "trigger".
func templateContext(ev *model.HydratedEvent, triggerData map[string]any) map[string]any {
	ctx := render.ContextFromEvent(ev)
	if triggerData == nil {
		triggerData = map[string]any{}
	}
	ctx["trigger"] = triggerData
	return ctx
}

func (e *Executor) runAgentRule(ctx context.Context, x *execution, body model.AgentBody) string {
	if x.rule.TargetAgentID == nil {
		return ErrMsgNoTargetAgent
	}
	agent, err := e.store.GetUser(ctx, x.rule.TenantID, *x.rule.TargetAgentID)
	if err != nil || agent == nil || !agent.IsAgent() {
		return ErrMsgNoTargetAgent
	}

	prompt := body.Task
	if x.event != nil {
		prompt = render.Render(body.Task, render.ContextFromEvent(x.event))
	}
	entry, msg := e.createTask(ctx, x, agent.ID, prompt, x.rule.TriggerConfig.MaxSteps)
	if msg != "" {
		return msg
	}
	x.entries = append(x.entries, entry)
	return ""
}

// createTask validates a prompt and stores a queued task. A non-empty
// message means the prompt was unusable or the store failed.
func (e *Executor) createTask(ctx context.Context, x *execution, agentID uuid.UUID, prompt string, maxSteps int) (model.ActionEntry, string) {
	if strings.TrimSpace(prompt) == "" {
		return model.ActionEntry{}, ErrMsgEmptyPrompt
	}
	if len(prompt) > model.MaxTaskPromptLen {
		return model.ActionEntry{}, ErrMsgPromptTooLong
	}
	if maxSteps <= 0 {
		maxSteps = e.cfg.DefaultMaxSteps
	}
	initiatedBy := x.rule.CreatedByID
	if x.event != nil && x.event.Actor != nil {
		initiatedBy = x.event.Actor.ID
	}
	runID := x.run.ID
	task, err := e.store.CreateTask(ctx, model.AgentTask{
		TenantID:      x.run.TenantID,
		RunID:         &runID,
		RuleID:        x.rule.ID,
		AgentID:       agentID,
		Task:          prompt,
		MaxSteps:      maxSteps,
		InitiatedByID: initiatedBy,
		Status:        model.TaskQueued,
	})
	if err != nil {
		e.logger.Error("executor: create task", "run_id", x.run.ID, "error", err)
		return model.ActionEntry{}, "failed to create agent task"
	}
	x.tasks = append(x.tasks, task)
	kind := model.SubResourceAgentTask
	return model.ActionEntry{
		Type:            actionTypeAgentEntry,
		Result:          model.ActionDispatched,
		SubResourceKind: &kind,
		SubResourceID:   &task.ID,
		Detail:          map[string]any{"agent_id": agentID.String()},
	}, ""
}

// runAction executes one general-rule action. Handler errors and panics
// become failed entries; they never abort the remaining actions.
func (e *Executor) runAction(ctx context.Context, x *execution, action model.Action) (entry model.ActionEntry) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("executor: action panicked", "run_id", x.run.ID, "type", action.Type, "panic", p)
			entry = model.ActionEntry{
				Type:   string(action.Type),
				Result: model.ActionFailed,
				Error:  fmt.Sprintf("panic: %v", p),
			}
		}
	}()

	switch action.Type {
	case model.ActionInternal:
		return e.runInternal(ctx, x, action)
	case model.ActionWebhook:
		return e.runWebhook(ctx, x, action)
	case model.ActionTriggerAgent:
		return e.runTriggerAgent(ctx, x, action)
	default:
		return model.ActionEntry{Type: string(action.Type), Result: model.ActionUnsupported, Error: ErrMsgUnknownAction}
	}
}

func failedEntry(t model.ActionType, msg string) model.ActionEntry {
	return model.ActionEntry{Type: string(t), Result: model.ActionFailed, Error: msg}
}

func (e *Executor) runInternal(ctx context.Context, x *execution, action model.Action) model.ActionEntry {
	if x.run.StudioID == nil {
		return failedEntry(action.Type, ErrMsgNeedsStudio)
	}
	if e.actions == nil {
		return model.ActionEntry{Type: string(action.Type), Result: model.ActionUnsupported,
			Detail: map[string]any{"action": action.Action}}
	}

	params, _ := render.RenderValue(action.Params, x.tplCtx).(map[string]any)
	actor := x.rule.CreatedByID
	if x.event != nil && x.event.Actor != nil {
		actor = x.event.Actor.ID
	}
	out, err := e.actions.Execute(ctx, model.InternalActionRequest{
		TenantID: x.run.TenantID,
		StudioID: *x.run.StudioID,
		RuleID:   x.rule.ID,
		RunID:    x.run.ID,
		ActorID:  actor,
		Action:   action.Action,
		Params:   params,
		Event:    x.event,
	})
	if err != nil {
		return failedEntry(action.Type, err.Error())
	}
	detail := out.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detail["action"] = action.Action
	return model.ActionEntry{Type: string(action.Type), Result: out.Result, Detail: detail}
}

func (e *Executor) runWebhook(ctx context.Context, x *execution, action model.Action) model.ActionEntry {
	url := render.Render(action.URL, x.tplCtx)
	if err := model.ValidateWebhookURL(url, e.cfg.AllowPrivateWebhooks); err != nil {
		return failedEntry(action.Type, err.Error())
	}

	var body map[string]any
	if action.Body != nil {
		body, _ = render.RenderValue(action.Body, x.tplCtx).(map[string]any)
	}
	raw, err := delivery.EncodeBody(body, x.event, x.run.TriggerData)
	if err != nil {
		return failedEntry(action.Type, err.Error())
	}

	secret := action.Secret
	if secret == "" {
		secret = e.cfg.DefaultWebhookSecret
	}
	eventType := "automation." + string(x.run.TriggerSource)
	var eventID *uuid.UUID
	if x.event != nil {
		eventType = x.event.Event.EventType
		id := x.event.Event.ID
		eventID = &id
	}
	runID := x.run.ID
	// The holdback keeps the poller off the delivery until the run's
	// synchronous phase has committed; the fast path ignores it.
	hold := e.now().UTC().Add(deliveryHoldback)
	d, err := e.store.CreateDelivery(ctx, model.WebhookDelivery{
		TenantID:      x.run.TenantID,
		RunID:         &runID,
		RuleID:        x.rule.ID,
		EventID:       eventID,
		EventType:     eventType,
		URL:           url,
		Secret:        secret,
		Headers:       render.RenderHeaders(action.Headers, x.tplCtx),
		RequestBody:   string(raw),
		Status:        model.DeliveryPending,
		NextAttemptAt: &hold,
	})
	if err != nil {
		e.logger.Error("executor: create delivery", "run_id", x.run.ID, "error", err)
		return failedEntry(action.Type, "failed to create delivery")
	}
	x.deliveryIDs = append(x.deliveryIDs, d.ID)
	kind := model.SubResourceDelivery
	return model.ActionEntry{
		Type:            string(action.Type),
		Result:          model.ActionDispatched,
		SubResourceKind: &kind,
		SubResourceID:   &d.ID,
		Detail:          map[string]any{"url": url},
	}
}

func (e *Executor) runTriggerAgent(ctx context.Context, x *execution, action model.Action) model.ActionEntry {
	agent := e.resolveAgent(ctx, x.run.TenantID, render.Render(action.Agent, x.tplCtx))
	if agent == nil {
		return failedEntry(action.Type, ErrMsgAgentNotFound)
	}
	maxSteps := action.MaxSteps
	if maxSteps <= 0 {
		maxSteps = x.rule.TriggerConfig.MaxSteps
	}
	entry, msg := e.createTask(ctx, x, agent.ID, render.Render(action.Task, x.tplCtx), maxSteps)
	if msg != "" {
		return failedEntry(action.Type, msg)
	}
	return entry
}

// resolveAgent accepts an agent id or an @handle.
func (e *Executor) resolveAgent(ctx context.Context, tenantID uuid.UUID, ref string) *model.User {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "@")
	if ref == "" {
		return nil
	}
	var (
		u   *model.User
		err error
	)
	if id, perr := uuid.Parse(ref); perr == nil {
		u, err = e.store.GetUser(ctx, tenantID, id)
	} else {
		u, err = e.store.ResolveHandle(ctx, tenantID, ref)
	}
	if err != nil {
		e.logger.Warn("executor: resolve agent", "tenant_id", tenantID, "agent", ref, "error", err)
		return nil
	}
	if u == nil || !u.IsAgent() {
		return nil
	}
	return u
}

// kickAsync starts deliveries and spawns tasks once the run's synchronous
// phase is durable.
func (e *Executor) kickAsync(ctx context.Context, x *execution) {
	if e.deliveries != nil {
		for _, id := range x.deliveryIDs {
			e.deliveries.Enqueue(id)
		}
	}
	for _, task := range x.tasks {
		if e.spawner == nil {
			continue
		}
		if err := e.spawner.Spawn(ctx, task); err != nil {
			e.logger.Error("executor: spawn task", "run_id", x.run.ID, "task_id", task.ID, "error", err)
			msg := "Failed to start agent task: " + err.Error()
			if _, err := e.tracker.TaskFinished(ctx, task.ID, model.TaskFailed, &msg); err != nil {
				e.logger.Error("executor: fail unspawned task", "task_id", task.ID, "error", err)
			}
			continue
		}
		if _, _, err := e.store.SetTaskStatus(ctx, task.ID, model.TaskRunning, nil, e.now().UTC()); err != nil {
			e.logger.Warn("executor: mark task running", "task_id", task.ID, "error", err)
		}
	}
}

// fail ends a run on a structural error, keeping any entries recorded so far.
func (e *Executor) fail(ctx context.Context, runID uuid.UUID, entries []model.ActionEntry, msg string) error {
	now := e.now().UTC()
	run, err := e.store.MutateRun(ctx, runID, func(r *model.Run, _ []model.SubResourceState) error {
		if r.Status != model.RunStatusRunning || r.ActionsRecordedAt != nil {
			return errAlreadyRecorded
		}
		r.ActionsExecuted = append(r.ActionsExecuted, entries...)
		r.ActionsRecordedAt = &now
		r.Status = model.RunStatusFailed
		r.ErrorMessage = &msg
		r.CompletedAt = &now
		return nil
	})
	if errors.Is(err, errAlreadyRecorded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("executor: fail run %s: %w", runID, err)
	}
	e.tracker.recordFinish(ctx, run)
	e.logger.Warn("executor: run failed", "run_id", runID, "rule_id", run.RuleID, "error", msg)
	return nil
}

func (e *Executor) finishSkipped(ctx context.Context, runID uuid.UUID, reason string) error {
	now := e.now().UTC()
	run, err := e.store.MutateRun(ctx, runID, func(r *model.Run, _ []model.SubResourceState) error {
		if r.Status != model.RunStatusRunning || r.ActionsRecordedAt != nil {
			return errAlreadyRecorded
		}
		r.Status = model.RunStatusSkipped
		r.CompletedAt = &now
		if reason != "" {
			r.ErrorMessage = &reason
		}
		return nil
	})
	if errors.Is(err, errAlreadyRecorded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("executor: skip run %s: %w", runID, err)
	}
	e.tracker.recordFinish(ctx, run)
	return nil
}
