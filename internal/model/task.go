package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the state of a spawned agent task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task has finished.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// AgentTask is an async task handed to the agent runner. The runner calls
// back on completion; the engine never waits on it.
type AgentTask struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	RunID         *uuid.UUID `json:"run_id,omitempty"`
	RuleID        uuid.UUID  `json:"rule_id"`
	AgentID       uuid.UUID  `json:"agent_id"`
	Task          string     `json:"task"`
	MaxSteps      int        `json:"max_steps"`
	InitiatedByID uuid.UUID  `json:"initiated_by_id"`
	Status        TaskStatus `json:"status"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// CompleteTaskRequest is the request body for POST /v1/tasks/{task_id}/complete.
type CompleteTaskRequest struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
