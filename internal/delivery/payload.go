// Package delivery sends outbound webhook deliveries, retries them on a
// fixed backoff schedule, and reports every state change to the run
// lifecycle tracker.
package delivery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/model"
)

// Payload is the default JSON body of a webhook delivery.
type Payload struct {
	ID        uuid.UUID                 `json:"id"`
	Type      string                    `json:"type"`
	CreatedAt time.Time                 `json:"created_at"`
	Tenant    PayloadTenant             `json:"tenant"`
	Studio    *PayloadStudio            `json:"studio"`
	Actor     *PayloadActor             `json:"actor"`
	Data      map[string]PayloadSubject `json:"data"`
}

type PayloadTenant struct {
	ID        uuid.UUID `json:"id"`
	Subdomain string    `json:"subdomain"`
}

type PayloadStudio struct {
	ID     uuid.UUID `json:"id"`
	Handle string    `json:"handle"`
}

type PayloadActor struct {
	ID     uuid.UUID      `json:"id"`
	Handle string         `json:"handle"`
	Name   string         `json:"name"`
	Type   model.UserType `json:"type"`
}

// PayloadSubject is keyed by the subject kind under Payload.Data.
type PayloadSubject struct {
	ID    uuid.UUID `json:"id"`
	Type  string    `json:"type"`
	Title string    `json:"title"`
	Body  string    `json:"body"`
	Path  string    `json:"path"`
}

// BuildPayload assembles the default payload for ev.
func BuildPayload(ev *model.HydratedEvent) Payload {
	p := Payload{
		ID:        ev.Event.ID,
		Type:      ev.Event.EventType,
		CreatedAt: ev.Event.CreatedAt.UTC(),
		Tenant:    PayloadTenant{ID: ev.Tenant.ID, Subdomain: ev.Tenant.Subdomain},
		Data:      map[string]PayloadSubject{},
	}
	if ev.Studio != nil {
		p.Studio = &PayloadStudio{ID: ev.Studio.ID, Handle: ev.Studio.Handle}
	}
	if ev.Actor != nil {
		p.Actor = &PayloadActor{
			ID:     ev.Actor.ID,
			Handle: ev.Actor.Handle,
			Name:   ev.Actor.Name,
			Type:   ev.Actor.Type,
		}
	}
	if s := ev.Subject; s != nil {
		p.Data[s.Kind()] = PayloadSubject{
			ID:    s.SubjectID(),
			Type:  s.TypeName(),
			Title: s.Title(),
			Body:  s.Body(),
			Path:  s.Path(),
		}
	}
	return p
}

// EncodeBody serializes a rendered body template, or the default payload
// for ev when the action supplies no body. Runs without a triggering event
// and without a body template send trigger data only.
func EncodeBody(body map[string]any, ev *model.HydratedEvent, triggerData map[string]any) ([]byte, error) {
	var v any
	switch {
	case body != nil:
		v = body
	case ev != nil:
		v = BuildPayload(ev)
	default:
		if triggerData == nil {
			triggerData = map[string]any{}
		}
		v = triggerData
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("delivery: encode body: %w", err)
	}
	return raw, nil
}
