package model_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/model"
)

func ptr[T any](v T) *T { return &v }

// ---- ValidateWebhookURL ----------------------------------------------------

func TestValidateWebhookURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		private bool
		wantErr string
	}{
		{"public https", "https://hooks.example.com/in", false, ""},
		{"public http with port", "http://example.com:8080/x", false, ""},
		{"empty", "", false, "empty"},
		{"ftp scheme", "ftp://example.com", false, "scheme"},
		{"credentials", "https://user:pw@example.com", false, "credentials"},
		{"no host", "https:///path", false, "host"},
		{"localhost", "http://LOCALHOST/x", false, "localhost"},
		{"loopback", "http://127.0.0.1:9000", false, "private"},
		{"rfc1918", "http://10.1.2.3", false, "private"},
		{"ipv6 loopback", "http://[::1]/", false, "private"},
		{"private allowed", "http://127.0.0.1:9000", true, ""},
		{"too long", "https://example.com/" + strings.Repeat("a", model.MaxWebhookURLLen), false, "maximum length"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateWebhookURL(tt.url, tt.private)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// ---- Rule bodies -------------------------------------------------------------

func TestDecodeRuleBody(t *testing.T) {
	assert.Equal(t, model.AgentBody{Task: "summarize"}, model.DecodeRuleBody(ptr("summarize"), []byte(`[{"type":"webhook"}]`)),
		"a task wins over actions")

	body := model.DecodeRuleBody(nil, []byte(` [{"type":"webhook","url":"https://x.test"}]`))
	general, ok := body.(model.GeneralBody)
	require.True(t, ok)
	require.Len(t, general.Actions, 1)
	assert.Equal(t, "https://x.test", general.Actions[0].URL)

	for _, raw := range []string{``, `null`, `{"type":"webhook"}`, `[{]`} {
		assert.Equal(t, model.MalformedBody{Reason: model.ErrActionsNotArray}, model.DecodeRuleBody(nil, []byte(raw)), raw)
	}
}

func TestEncodeRuleBodyRoundTrip(t *testing.T) {
	for _, body := range []model.RuleBody{
		model.AgentBody{Task: "triage"},
		model.GeneralBody{Actions: []model.Action{{Type: model.ActionInternal, Action: "log"}}},
	} {
		task, actions, err := model.EncodeRuleBody(body)
		require.NoError(t, err)
		assert.Equal(t, body, model.DecodeRuleBody(task, actions))
	}

	_, actions, err := model.EncodeRuleBody(model.GeneralBody{})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(actions))
}

func TestRuleIsAgentRule(t *testing.T) {
	agent := uuid.New()
	assert.True(t, model.Rule{Body: model.AgentBody{Task: "x"}, TargetAgentID: &agent}.IsAgentRule())
	assert.False(t, model.Rule{Body: model.AgentBody{Task: "x"}}.IsAgentRule(), "no target agent")
	assert.False(t, model.Rule{Body: model.GeneralBody{}, TargetAgentID: &agent}.IsAgentRule())
}

func TestRuleMatchesScope(t *testing.T) {
	tenant, studio, other := uuid.New(), uuid.New(), uuid.New()
	tenantWide := model.Rule{TenantID: tenant}
	studioRule := model.Rule{TenantID: tenant, StudioID: &studio}

	assert.True(t, tenantWide.MatchesScope(tenant, nil))
	assert.True(t, tenantWide.MatchesScope(tenant, &other))
	assert.False(t, tenantWide.MatchesScope(uuid.New(), nil))

	assert.True(t, studioRule.MatchesScope(tenant, &studio))
	assert.False(t, studioRule.MatchesScope(tenant, &other))
	assert.False(t, studioRule.MatchesScope(tenant, nil))
}

// ---- Statuses ----------------------------------------------------------------

func TestStatusesTerminal(t *testing.T) {
	assert.False(t, model.RunStatusPending.Terminal())
	assert.False(t, model.RunStatusRunning.Terminal())
	assert.True(t, model.RunStatusSkipped.Terminal())
	assert.True(t, model.DeliveryFailed.Terminal())
	assert.False(t, model.DeliveryRetrying.Terminal())
	assert.True(t, model.TaskCancelled.Terminal())
	assert.False(t, model.TaskQueued.Terminal())

	assert.True(t, model.RunStatusFailed.Valid())
	assert.False(t, model.RunStatus("done").Valid())
	assert.True(t, model.SourceTest.Valid())
	assert.False(t, model.TriggerSource("cron").Valid())
}

// ---- Subjects ----------------------------------------------------------------

func TestSubjectText(t *testing.T) {
	assert.Equal(t, "", model.SubjectText(nil))
	assert.Equal(t, "Title\nBody", model.SubjectText(model.Note{NoteTitle: "Title", Text: "Body"}))
	assert.Equal(t, "Body only", model.SubjectText(model.Decision{Description: "Body only"}))
	assert.Equal(t, "Pledge", model.SubjectText(model.Commitment{CommitmentTitle: "Pledge"}))
}

func TestSubjectPath(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, "/studios/ops/n/"+id.String(), model.Note{ID: id, StudioHandle: "ops"}.Path())
	assert.Equal(t, "/d/"+id.String(), model.Decision{ID: id}.Path())
	assert.Equal(t, model.SubjectKindCommitment, model.Commitment{}.Kind())
}
