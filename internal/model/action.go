package model

import "github.com/google/uuid"

// InternalActionRequest is handed to the internal-action registry for one
// internal_action step of a general rule.
type InternalActionRequest struct {
	TenantID uuid.UUID
	StudioID uuid.UUID
	RuleID   uuid.UUID
	RunID    uuid.UUID
	// ActorID is the event actor, or the rule creator when there is none.
	ActorID uuid.UUID
	Action  string
	Params  map[string]any
	Event   *HydratedEvent
}

// InternalActionOutcome is what an internal action reports back.
// Result is one of ActionSucceeded, ActionSkipped or ActionUnsupported.
type InternalActionOutcome struct {
	Result ActionResult
	Detail map[string]any
}
