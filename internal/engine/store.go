// Package engine turns events and triggers into runs, executes rule actions,
// and aggregates the outcome of asynchronous sub-resources into a final run
// status.
//
// Control flow:
//
//	event -> Dispatcher -> Run(pending) -> Pool -> Executor
//	      -> sync actions recorded; async actions create deliveries/tasks
//	      -> sub-resource terminal -> Tracker -> Run(completed|failed)
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/model"
)

// EventLedger is the append-only event log the rest of the application writes.
type EventLedger interface {
	AppendEvent(ctx context.Context, tenantID uuid.UUID, req model.AppendEventRequest) (model.Event, error)
	GetHydratedEvent(ctx context.Context, id uuid.UUID) (model.HydratedEvent, error)
}

// RuleStore reads rule definitions.
type RuleStore interface {
	GetRule(ctx context.Context, id uuid.UUID) (model.Rule, error)
	// ListEventRules returns enabled event rules of a tenant for eventType.
	ListEventRules(ctx context.Context, tenantID uuid.UUID, eventType string) ([]model.Rule, error)
	ListScheduleRules(ctx context.Context) ([]model.Rule, error)
}

// RunStore persists runs. Every change to an existing run goes through
// MutateRun, which serializes writers on the run.
type RunStore interface {
	CreateRun(ctx context.Context, run model.Run) (model.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, error)
	CountRuns(ctx context.Context, ruleID uuid.UUID, since time.Time) (int, error)
	ListPendingRunIDs(ctx context.Context, limit int) ([]uuid.UUID, error)
	// ListStalledRunIDs returns running runs claimed before claimedBefore
	// whose actions were never recorded.
	ListStalledRunIDs(ctx context.Context, claimedBefore time.Time, limit int) ([]uuid.UUID, error)
	MutateRun(ctx context.Context, id uuid.UUID, fn func(*model.Run, []model.SubResourceState) error) (model.Run, error)
	// MarkRunStarted stamps started_at and bumps the rule's execution
	// count in one step; false means the run had already started.
	MarkRunStarted(ctx context.Context, runID uuid.UUID, at time.Time) (bool, error)
}

// DeliveryStore creates webhook deliveries.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d model.WebhookDelivery) (model.WebhookDelivery, error)
	ListRunDeliveries(ctx context.Context, runID uuid.UUID) ([]model.WebhookDelivery, error)
}

// TaskStore persists agent tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t model.AgentTask) (model.AgentTask, error)
	GetTask(ctx context.Context, id uuid.UUID) (model.AgentTask, error)
	// SetTaskStatus moves a non-terminal task; false means it was already terminal.
	SetTaskStatus(ctx context.Context, id uuid.UUID, status model.TaskStatus, errMsg *string, at time.Time) (model.AgentTask, bool, error)
}

// UserDirectory resolves users. Both methods return (nil, nil) for a miss.
type UserDirectory interface {
	ResolveHandle(ctx context.Context, tenantID uuid.UUID, handle string) (*model.User, error)
	GetUser(ctx context.Context, tenantID, id uuid.UUID) (*model.User, error)
}

// Store is everything the engine reads and writes.
type Store interface {
	EventLedger
	RuleStore
	RunStore
	DeliveryStore
	TaskStore
	UserDirectory
}

// RunQueue accepts run ids for execution.
type RunQueue interface {
	Submit(runID uuid.UUID)
}

// DeliveryQueue accepts freshly created deliveries for an immediate attempt.
type DeliveryQueue interface {
	Enqueue(deliveryID uuid.UUID)
}

// TaskSpawner hands a task to the agent runner. It must not wait for the
// task to finish; completion arrives through Tracker.TaskCompleted.
type TaskSpawner interface {
	Spawn(ctx context.Context, task model.AgentTask) error
}

// InternalActions runs named in-process actions.
type InternalActions interface {
	Execute(ctx context.Context, req model.InternalActionRequest) (model.InternalActionOutcome, error)
}
