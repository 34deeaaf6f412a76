package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an automation run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusSkipped
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusSkipped:
		return true
	}
	return false
}

// TriggerSource records what caused a run.
type TriggerSource string

const (
	SourceEvent    TriggerSource = "event"
	SourceSchedule TriggerSource = "schedule"
	SourceWebhook  TriggerSource = "webhook"
	SourceManual   TriggerSource = "manual"
	SourceTest     TriggerSource = "test"
)

// Valid reports whether s is a known trigger source.
func (s TriggerSource) Valid() bool {
	switch s {
	case SourceEvent, SourceSchedule, SourceWebhook, SourceManual, SourceTest:
		return true
	}
	return false
}

// ActionResult is the synchronous outcome recorded for one action.
type ActionResult string

const (
	ActionSucceeded   ActionResult = "success"
	ActionFailed      ActionResult = "failed"
	ActionSkipped     ActionResult = "skipped"
	ActionUnsupported ActionResult = "unsupported"
	// ActionDispatched means an async sub-resource was created; its own
	// state machine decides the final outcome.
	ActionDispatched ActionResult = "dispatched"
)

// SubResourceKind names the async side effects a run can own.
type SubResourceKind string

const (
	SubResourceDelivery  SubResourceKind = "webhook_delivery"
	SubResourceAgentTask SubResourceKind = "agent_task"
)

// ActionEntry is one element of a run's append-only action log.
type ActionEntry struct {
	Type            string           `json:"type"`
	Result          ActionResult     `json:"result"`
	SubResourceKind *SubResourceKind `json:"sub_resource_kind,omitempty"`
	SubResourceID   *uuid.UUID       `json:"sub_resource_id,omitempty"`
	Error           string           `json:"error,omitempty"`
	Detail          map[string]any   `json:"detail,omitempty"`
}

// Run is one execution attempt of a rule.
// Immutable once Status is terminal.
//
// ClaimedAt is set when a worker takes the run. ActionsRecordedAt is set
// when the synchronous action log is committed; until then sub-resource
// changes cannot finish the run.
type Run struct {
	ID                uuid.UUID      `json:"id"`
	TenantID          uuid.UUID      `json:"tenant_id"`
	StudioID          *uuid.UUID     `json:"studio_id,omitempty"`
	RuleID            uuid.UUID      `json:"rule_id"`
	TriggeringEventID *uuid.UUID     `json:"triggering_event_id,omitempty"`
	TriggerSource     TriggerSource  `json:"trigger_source"`
	TriggerData       map[string]any `json:"trigger_data"`
	Status            RunStatus      `json:"status"`
	ActionsExecuted   []ActionEntry  `json:"actions_executed"`
	ErrorMessage      *string        `json:"error_message,omitempty"`
	ClaimedAt         *time.Time     `json:"claimed_at,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	ActionsRecordedAt *time.Time     `json:"actions_recorded_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// SubResourceState is the slice of a sub-resource the lifecycle tracker needs.
type SubResourceState struct {
	Kind      SubResourceKind
	ID        uuid.UUID
	Terminal  bool
	Succeeded bool
	Error     string
}

// RunFilter narrows a run listing. TenantID is always required.
type RunFilter struct {
	TenantID uuid.UUID
	RuleID   *uuid.UUID
	Status   *RunStatus
	Limit    int
	Offset   int
}
