package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hibiki/internal/model"
)

// AppendEvent inserts an event into the ledger.
func (db *DB) AppendEvent(ctx context.Context, tenantID uuid.UUID, req model.AppendEventRequest) (model.Event, error) {
	ev := model.Event{
		ID:        uuid.New(),
		TenantID:  tenantID,
		StudioID:  req.StudioID,
		EventType: req.EventType,
		ActorID:   req.ActorID,
		Subject:   req.Subject,
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	if ev.Metadata == nil {
		ev.Metadata = map[string]any{}
	}
	var subjectKind *string
	var subjectID *uuid.UUID
	if ev.Subject != nil {
		subjectKind = &ev.Subject.Kind
		subjectID = &ev.Subject.ID
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO events (id, tenant_id, studio_id, event_type, actor_id, subject_kind, subject_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.TenantID, ev.StudioID, ev.EventType, ev.ActorID, subjectKind, subjectID, ev.Metadata, ev.CreatedAt,
	)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: append event: %w", err)
	}
	return ev, nil
}

// GetHydratedEvent loads an event with its tenant, studio, actor and subject.
// A dangling actor or subject reference hydrates to nil rather than failing.
func (db *DB) GetHydratedEvent(ctx context.Context, id uuid.UUID) (model.HydratedEvent, error) {
	var (
		he          model.HydratedEvent
		subjectKind *string
		subjectID   *uuid.UUID
	)
	ev := &he.Event
	err := db.pool.QueryRow(ctx,
		`SELECT e.id, e.tenant_id, e.studio_id, e.event_type, e.actor_id, e.subject_kind, e.subject_id, e.metadata, e.created_at,
		        t.id, t.subdomain, t.name, t.created_at
		 FROM events e JOIN tenants t ON t.id = e.tenant_id
		 WHERE e.id = $1`, id,
	).Scan(
		&ev.ID, &ev.TenantID, &ev.StudioID, &ev.EventType, &ev.ActorID, &subjectKind, &subjectID, &ev.Metadata, &ev.CreatedAt,
		&he.Tenant.ID, &he.Tenant.Subdomain, &he.Tenant.Name, &he.Tenant.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.HydratedEvent{}, fmt.Errorf("storage: event %s: %w", id, ErrNotFound)
		}
		return model.HydratedEvent{}, fmt.Errorf("storage: get event: %w", err)
	}
	if subjectKind != nil && subjectID != nil {
		ev.Subject = &model.SubjectRef{Kind: *subjectKind, ID: *subjectID}
	}

	if ev.StudioID != nil {
		var s model.Studio
		err := db.pool.QueryRow(ctx,
			`SELECT id, tenant_id, handle, name, created_at FROM studios WHERE id = $1`, *ev.StudioID,
		).Scan(&s.ID, &s.TenantID, &s.Handle, &s.Name, &s.CreatedAt)
		switch {
		case err == nil:
			he.Studio = &s
		case !errors.Is(err, pgx.ErrNoRows):
			return model.HydratedEvent{}, fmt.Errorf("storage: get event studio: %w", err)
		}
	}

	if ev.ActorID != nil {
		actor, err := db.GetUser(ctx, ev.TenantID, *ev.ActorID)
		if err != nil {
			return model.HydratedEvent{}, err
		}
		he.Actor = actor
	}

	if ev.Subject != nil {
		subject, err := db.loadSubject(ctx, ev.TenantID, *ev.Subject)
		if err != nil {
			return model.HydratedEvent{}, err
		}
		he.Subject = subject
	}
	return he, nil
}
