package model

import (
	"time"

	"github.com/google/uuid"
)

// SubjectRef is a polymorphic pointer from an event to the record it is about.
type SubjectRef struct {
	Kind string    `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

// Event is an immutable fact appended by the rest of the application.
// The engine reads events; it never mutates them.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	TenantID  uuid.UUID      `json:"tenant_id"`
	StudioID  *uuid.UUID     `json:"studio_id,omitempty"`
	EventType string         `json:"event_type"`
	ActorID   *uuid.UUID     `json:"actor_id,omitempty"`
	Subject   *SubjectRef    `json:"subject,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// HydratedEvent is an Event with its referenced records loaded. Dispatch,
// condition evaluation, template rendering and webhook payloads all work
// from this shape so the lookups happen once per event.
type HydratedEvent struct {
	Event   Event
	Tenant  Tenant
	Studio  *Studio
	Actor   *User
	Subject Subject
}

// AppendEventRequest is the request body for POST /v1/events.
type AppendEventRequest struct {
	StudioID  *uuid.UUID     `json:"studio_id,omitempty"`
	EventType string         `json:"event_type"`
	ActorID   *uuid.UUID     `json:"actor_id,omitempty"`
	Subject   *SubjectRef    `json:"subject,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
