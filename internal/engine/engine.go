package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/mention"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/ratelimit"
)

// Config tunes the engine's workers and policies.
type Config struct {
	Workers          int
	QueueSize        int
	SweepInterval    time.Duration
	ScheduleInterval time.Duration
	// StallTimeout is how long a claimed run may go without recording its
	// actions before the sweep recovers it.
	StallTimeout     time.Duration

	// RunCeiling caps non-test runs per rule within RunCeilingWindow.
	// Zero disables the ceiling; a zero window counts all runs.
	RunCeiling       int
	RunCeilingWindow time.Duration

	Executor ExecutorConfig
}

// Deps are the engine's outbound collaborators. Any may be nil.
type Deps struct {
	Deliveries DeliveryQueue
	Spawner    TaskSpawner
	Actions    InternalActions
}

// Engine wires the dispatcher, executor, worker pool, triggerer and
// scheduler around one store and one lifecycle tracker.
type Engine struct {
	Store      Store
	Tracker    *Tracker
	Dispatcher *Dispatcher
	Executor   *Executor
	Pool       *Pool
	Triggerer  *Triggerer
	Scheduler  *Scheduler

	logger *slog.Logger
}

// New assembles an engine. The tracker is passed in because the delivery
// service notifies it and must exist before the delivery worker the
// executor enqueues to.
func New(store Store, tracker *Tracker, deps Deps, cfg Config, logger *slog.Logger) *Engine {
	ceiling := ratelimit.NewCeiling(store, cfg.RunCeiling, cfg.RunCeilingWindow)
	exec := NewExecutor(store, tracker, deps.Deliveries, deps.Spawner, deps.Actions, cfg.Executor, logger)
	pool := NewPool(exec, store, cfg.Workers, cfg.QueueSize, cfg.SweepInterval, cfg.StallTimeout, logger)
	trig := NewTriggerer(store, ceiling, pool, logger)
	return &Engine{
		Store:      store,
		Tracker:    tracker,
		Dispatcher: NewDispatcher(store, mention.NewFilter(store, logger), ceiling, pool, logger),
		Executor:   exec,
		Pool:       pool,
		Triggerer:  trig,
		Scheduler:  NewScheduler(store, trig, cfg.ScheduleInterval, logger),
		logger:     logger,
	}
}

// Start launches the run workers and the scheduler.
func (e *Engine) Start(ctx context.Context) {
	e.Pool.Start(ctx)
	e.Scheduler.Start(ctx)
}

// Drain stops the scheduler, then lets in-flight runs finish.
func (e *Engine) Drain(ctx context.Context) {
	e.Scheduler.Stop(ctx)
	e.Pool.Drain(ctx)
}

// Ingest appends an event and dispatches it. The event is stored even if
// dispatch fails; the error is returned alongside it.
func (e *Engine) Ingest(ctx context.Context, tenantID uuid.UUID, req model.AppendEventRequest) (model.Event, []uuid.UUID, error) {
	ev, err := e.Store.AppendEvent(ctx, tenantID, req)
	if err != nil {
		return model.Event{}, nil, err
	}
	runIDs, err := e.Dispatcher.Dispatch(ctx, ev.ID)
	if err != nil {
		e.logger.Error("engine: dispatch", "event_id", ev.ID, "tenant_id", tenantID, "error", err)
		return ev, nil, err
	}
	return ev, runIDs, nil
}

// Trigger starts a run outside event dispatch.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (model.Run, error) {
	return e.Triggerer.Trigger(ctx, req)
}

// TaskCompleted is the agent runner's completion callback.
func (e *Engine) TaskCompleted(ctx context.Context, taskID uuid.UUID, success bool, errText string) (model.AgentTask, error) {
	return e.Tracker.TaskCompleted(ctx, taskID, success, errText)
}

// QueueDepth reports runs waiting for a worker.
func (e *Engine) QueueDepth() int {
	return e.Pool.Depth()
}
