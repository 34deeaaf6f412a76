package delivery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/model"
)

var (
	goldenEventID  = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	goldenTenantID = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	goldenStudioID = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	goldenActorID  = uuid.MustParse("44444444-4444-4444-4444-444444444444")
	goldenNoteID   = uuid.MustParse("55555555-5555-5555-5555-555555555555")
	goldenTime     = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
)

func assertGolden(t *testing.T, name string, v any) {
	t.Helper()
	raw, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, raw)
}

func TestBuildPayloadNoteEvent(t *testing.T) {
	ev := &model.HydratedEvent{
		Event: model.Event{
			ID:        goldenEventID,
			TenantID:  goldenTenantID,
			StudioID:  &goldenStudioID,
			EventType: "note.created",
			ActorID:   &goldenActorID,
			Subject:   &model.SubjectRef{Kind: model.SubjectKindNote, ID: goldenNoteID},
			Metadata:  map[string]any{"ignored": true},
			CreatedAt: goldenTime.In(time.FixedZone("JST", 9*3600)),
		},
		Tenant: model.Tenant{ID: goldenTenantID, Subdomain: "acme", Name: "Acme"},
		Studio: &model.Studio{ID: goldenStudioID, TenantID: goldenTenantID, Handle: "ops", Name: "Ops"},
		Actor:  &model.User{ID: goldenActorID, TenantID: goldenTenantID, Handle: "alice", Name: "Alice", Type: model.UserTypeHuman},
		Subject: model.Note{
			ID:           goldenNoteID,
			TenantID:     goldenTenantID,
			StudioID:     goldenStudioID,
			StudioHandle: "ops",
			NoteTitle:    "Q3 plan",
			Text:         "Ship <it> & celebrate",
		},
	}
	assertGolden(t, "payload_note", BuildPayload(ev))
}

func TestBuildPayloadTenantOnlyEvent(t *testing.T) {
	ev := &model.HydratedEvent{
		Event: model.Event{
			ID:        goldenEventID,
			TenantID:  goldenTenantID,
			EventType: "tenant.updated",
			CreatedAt: goldenTime,
		},
		Tenant: model.Tenant{ID: goldenTenantID, Subdomain: "acme"},
	}
	assertGolden(t, "payload_minimal", BuildPayload(ev))
}

func TestEncodeBodyPrecedence(t *testing.T) {
	ev := &model.HydratedEvent{
		Event:  model.Event{ID: goldenEventID, EventType: "note.created", CreatedAt: goldenTime},
		Tenant: model.Tenant{ID: goldenTenantID, Subdomain: "acme"},
	}
	trigger := map[string]any{"ref": "main"}

	raw, err := EncodeBody(map[string]any{"text": "custom"}, ev, trigger)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"custom"}`, string(raw))

	raw, err = EncodeBody(nil, ev, trigger)
	require.NoError(t, err)
	var p Payload
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, "note.created", p.Type)
	assert.Equal(t, "acme", p.Tenant.Subdomain)

	raw, err = EncodeBody(nil, nil, trigger)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ref":"main"}`, string(raw))

	raw, err = EncodeBody(nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(raw))
}
