package render

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/model"
)

func sampleEvent() *model.HydratedEvent {
	tenantID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	studioID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	actorID := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	noteID := uuid.MustParse("44444444-4444-4444-4444-444444444444")
	return &model.HydratedEvent{
		Event: model.Event{
			ID:        uuid.MustParse("55555555-5555-5555-5555-555555555555"),
			TenantID:  tenantID,
			StudioID:  &studioID,
			EventType: "note.created",
			ActorID:   &actorID,
			Subject:   &model.SubjectRef{Kind: model.SubjectKindNote, ID: noteID},
			Metadata:  map[string]any{"priority": "high"},
			CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Tenant: model.Tenant{ID: tenantID, Subdomain: "acme"},
		Studio: &model.Studio{ID: studioID, TenantID: tenantID, Handle: "ops", Name: "Ops <team>"},
		Actor:  &model.User{ID: actorID, TenantID: tenantID, Handle: "alice", Name: "Alice", Type: model.UserTypeHuman},
		Subject: model.Note{
			ID: noteID, TenantID: tenantID, StudioID: studioID, StudioHandle: "ops",
			NoteTitle: "Standup", Text: "hi @bot1",
		},
	}
}

func TestRenderWithoutTokensIsUnchanged(t *testing.T) {
	ctx := ContextFromEvent(sampleEvent())
	assert.Equal(t, "no tokens here", Render("no tokens here", ctx))
	assert.Equal(t, "", Render("", ctx))
}

func TestRenderMissingPathIsEmpty(t *testing.T) {
	ctx := ContextFromEvent(sampleEvent())
	assert.Equal(t, "", Render("{{missing.path}}", ctx))
	assert.Equal(t, "a--b", Render("a-{{ nope }}-b", ctx))
}

func TestRenderResolvesContext(t *testing.T) {
	ctx := ContextFromEvent(sampleEvent())

	assert.Equal(t, "note.created by alice", Render("{{event.type}} by {{ event.actor.handle }}", ctx))
	assert.Equal(t, "/studios/ops/n/44444444-4444-4444-4444-444444444444", Render("{{subject.path}}", ctx))
	assert.Equal(t, "Note", Render("{{subject.type}}", ctx))
	assert.Equal(t, "high", Render("{{event.metadata.priority}}", ctx))
}

func TestRenderEscapesHTML(t *testing.T) {
	ctx := ContextFromEvent(sampleEvent())
	assert.Equal(t, "Ops &lt;team&gt;", Render("{{studio.name}}", ctx))
}

func TestRenderIsNotRecursive(t *testing.T) {
	ctx := map[string]any{"a": "{{b}}", "b": "secret"}
	assert.Equal(t, "{{b}}", Render("{{a}}", ctx))
}

func TestRenderValueNested(t *testing.T) {
	ctx := ContextFromEvent(sampleEvent())
	body := map[string]any{
		"text":  "{{event.type}}",
		"count": 3.0,
		"tags":  []any{"{{studio.handle}}", true},
		"inner": map[string]any{"who": "{{event.actor.name}}"},
	}

	out, ok := RenderValue(body, ctx).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "note.created", out["text"])
	assert.Equal(t, 3.0, out["count"])
	assert.Equal(t, []any{"ops", true}, out["tags"])
	assert.Equal(t, map[string]any{"who": "Alice"}, out["inner"])
	assert.Equal(t, "{{event.type}}", body["text"], "input is not mutated")
}

func TestContextFromEventWithoutOptionalParts(t *testing.T) {
	ev := sampleEvent()
	ev.Actor = nil
	ev.Studio = nil
	ev.Subject = nil

	ctx := ContextFromEvent(ev)
	eventCtx, ok := ctx["event"].(map[string]any)
	require.True(t, ok)
	assert.Nil(t, eventCtx["actor"])
	assert.Nil(t, ctx["subject"])
	assert.Nil(t, ctx["studio"])
	assert.Equal(t, "", Render("{{event.actor.name}}", ctx))
}

func TestRenderHeaders(t *testing.T) {
	ctx := ContextFromEvent(sampleEvent())
	assert.Nil(t, RenderHeaders(nil, ctx))
	assert.Equal(t, map[string]string{"X-Studio": "ops"}, RenderHeaders(map[string]string{"X-Studio": "{{studio.handle}}"}, ctx))
}
