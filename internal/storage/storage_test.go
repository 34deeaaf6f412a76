package storage_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/storage"
	"github.com/ashita-ai/hibiki/internal/testutil"
	"github.com/ashita-ai/hibiki/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// seed is one tenant with a studio, a human and an agent.
type seed struct {
	tenant model.Tenant
	studio model.Studio
	human  model.User
	agent  model.User
}

func newSeed(t *testing.T) seed {
	t.Helper()
	ctx := context.Background()
	tenant, err := testDB.CreateTenant(ctx, model.Tenant{Subdomain: "t-" + uuid.NewString()[:8], Name: "Test"})
	require.NoError(t, err)
	studio, err := testDB.CreateStudio(ctx, model.Studio{TenantID: tenant.ID, Handle: "ops", Name: "Ops"})
	require.NoError(t, err)
	human, err := testDB.CreateUser(ctx, model.User{TenantID: tenant.ID, Handle: "Alice", Name: "Alice"})
	require.NoError(t, err)
	agent, err := testDB.CreateUser(ctx, model.User{TenantID: tenant.ID, Handle: "bot1", Name: "Bot", Type: model.UserTypeAgent})
	require.NoError(t, err)
	return seed{tenant: tenant, studio: studio, human: human, agent: agent}
}

func (s seed) rule(t *testing.T, body model.RuleBody) model.Rule {
	t.Helper()
	r, err := testDB.CreateRule(context.Background(), model.Rule{
		TenantID:      s.tenant.ID,
		CreatedByID:   s.human.ID,
		Name:          "rule",
		TriggerType:   model.TriggerEvent,
		TriggerConfig: model.TriggerConfig{EventType: "note.created"},
		Body:          body,
		Enabled:       true,
	})
	require.NoError(t, err)
	return r
}

func (s seed) run(t *testing.T, ruleID uuid.UUID, source model.TriggerSource) model.Run {
	t.Helper()
	r, err := testDB.CreateRun(context.Background(), model.Run{
		TenantID:      s.tenant.ID,
		RuleID:        ruleID,
		TriggerSource: source,
		TriggerData:   map[string]any{"k": "v"},
	})
	require.NoError(t, err)
	return r
}

func TestDirectory(t *testing.T) {
	ctx := context.Background()
	s := newSeed(t)

	_, err := testDB.CreateUser(ctx, model.User{TenantID: s.tenant.ID, Handle: "alice"})
	assert.ErrorIs(t, err, storage.ErrConflict, "handles are unique case-insensitively")
	_, err = testDB.CreateTenant(ctx, model.Tenant{Subdomain: s.tenant.Subdomain})
	assert.ErrorIs(t, err, storage.ErrConflict)

	u, err := testDB.ResolveHandle(ctx, s.tenant.ID, "ALICE")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, s.human.ID, u.ID)

	u, err = testDB.ResolveHandle(ctx, s.tenant.ID, "nobody")
	require.NoError(t, err)
	assert.Nil(t, u)

	u, err = testDB.GetUser(ctx, s.tenant.ID, s.agent.ID)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.True(t, u.IsAgent())

	u, err = testDB.GetUser(ctx, uuid.New(), s.agent.ID)
	require.NoError(t, err)
	assert.Nil(t, u, "users are tenant-scoped")
}

func TestAppendAndHydrateEvent(t *testing.T) {
	ctx := context.Background()
	s := newSeed(t)
	note, err := testDB.CreateNote(ctx, model.Note{
		TenantID: s.tenant.ID, StudioID: s.studio.ID, NoteTitle: "Q3", Text: "hi @bot1", CreatedByID: s.human.ID,
	})
	require.NoError(t, err)

	ev, err := testDB.AppendEvent(ctx, s.tenant.ID, model.AppendEventRequest{
		StudioID:  &s.studio.ID,
		EventType: "note.created",
		ActorID:   &s.human.ID,
		Subject:   &model.SubjectRef{Kind: model.SubjectKindNote, ID: note.ID},
		Metadata:  map[string]any{"priority": float64(2)},
	})
	require.NoError(t, err)

	he, err := testDB.GetHydratedEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "note.created", he.Event.EventType)
	assert.Equal(t, float64(2), he.Event.Metadata["priority"])
	assert.Equal(t, s.tenant.Subdomain, he.Tenant.Subdomain)
	require.NotNil(t, he.Studio)
	assert.Equal(t, "ops", he.Studio.Handle)
	require.NotNil(t, he.Actor)
	assert.Equal(t, s.human.ID, he.Actor.ID)
	require.NotNil(t, he.Subject)
	assert.Equal(t, "Q3", he.Subject.Title())
	assert.Equal(t, "/studios/ops/n/"+note.ID.String(), he.Subject.Path())

	_, err = testDB.GetHydratedEvent(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRuleBodies(t *testing.T) {
	ctx := context.Background()
	s := newSeed(t)

	agentRule := s.rule(t, model.AgentBody{Task: "summarize {{ subject.title }}"})
	general := s.rule(t, model.GeneralBody{Actions: []model.Action{
		{Type: model.ActionWebhook, URL: "https://example.com", Headers: map[string]string{"X-A": "1"}},
	}})
	empty := s.rule(t, model.GeneralBody{})

	got, err := testDB.GetRule(ctx, agentRule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentBody{Task: "summarize {{ subject.title }}"}, got.Body)

	got, err = testDB.GetRule(ctx, general.ID)
	require.NoError(t, err)
	body, ok := got.Body.(model.GeneralBody)
	require.True(t, ok)
	require.Len(t, body.Actions, 1)
	assert.Equal(t, "1", body.Actions[0].Headers["X-A"])

	got, err = testDB.GetRule(ctx, empty.ID)
	require.NoError(t, err)
	assert.IsType(t, model.GeneralBody{}, got.Body)

	// A non-array actions column decodes as malformed.
	_, err = testDB.Pool().Exec(ctx, `UPDATE automation_rules SET actions = '{"type":"webhook"}' WHERE id = $1`, empty.ID)
	require.NoError(t, err)
	got, err = testDB.GetRule(ctx, empty.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MalformedBody{Reason: model.ErrActionsNotArray}, got.Body)

	rules, err := testDB.ListEventRules(ctx, s.tenant.ID, "note.created")
	require.NoError(t, err)
	assert.Len(t, rules, 3)

	require.NoError(t, testDB.SetRuleEnabled(ctx, agentRule.ID, false))
	rules, err = testDB.ListEventRules(ctx, s.tenant.ID, "note.created")
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	assert.ErrorIs(t, testDB.SetRuleEnabled(ctx, uuid.New(), true), storage.ErrNotFound)
	_, err = testDB.GetRule(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMarkRunStartedCountsOnce(t *testing.T) {
	ctx := context.Background()
	s := newSeed(t)
	rule := s.rule(t, model.GeneralBody{})
	run := s.run(t, rule.ID, model.SourceManual)

	at := time.Now().UTC().Truncate(time.Microsecond)
	started, err := testDB.MarkRunStarted(ctx, run.ID, at)
	require.NoError(t, err)
	assert.True(t, started)
	started, err = testDB.MarkRunStarted(ctx, run.ID, at.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, started)

	got, err := testDB.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.ExecutionCount)
	require.NotNil(t, got.LastExecutedAt)
	assert.True(t, at.Equal(*got.LastExecutedAt))
}

func TestMutateRunSeesSubResources(t *testing.T) {
	ctx := context.Background()
	s := newSeed(t)
	rule := s.rule(t, model.GeneralBody{})
	run := s.run(t, rule.ID, model.SourceEvent)

	d, err := testDB.CreateDelivery(ctx, model.WebhookDelivery{
		TenantID: s.tenant.ID, RunID: &run.ID, RuleID: rule.ID, EventType: "note.created",
		URL: "https://example.com", RequestBody: "{}",
	})
	require.NoError(t, err)
	task, err := testDB.CreateTask(ctx, model.AgentTask{
		TenantID: s.tenant.ID, RunID: &run.ID, RuleID: rule.ID, AgentID: s.agent.ID,
		Task: "go", MaxSteps: 5, InitiatedByID: s.human.ID,
	})
	require.NoError(t, err)
	msg := "cancelled by user"
	_, changed, err := testDB.SetTaskStatus(ctx, task.ID, model.TaskFailed, &msg, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)

	var seen []model.SubResourceState
	updated, err := testDB.MutateRun(ctx, run.ID, func(r *model.Run, subs []model.SubResourceState) error {
		seen = subs
		r.Status = model.RunStatusRunning
		r.ActionsExecuted = append(r.ActionsExecuted, model.ActionEntry{Type: "webhook", Result: model.ActionDispatched})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, updated.Status)

	require.Len(t, seen, 2)
	byKind := map[model.SubResourceKind]model.SubResourceState{}
	for _, st := range seen {
		byKind[st.Kind] = st
	}
	assert.Equal(t, d.ID, byKind[model.SubResourceDelivery].ID)
	assert.False(t, byKind[model.SubResourceDelivery].Terminal)
	assert.True(t, byKind[model.SubResourceAgentTask].Terminal)
	assert.False(t, byKind[model.SubResourceAgentTask].Succeeded)
	assert.Equal(t, msg, byKind[model.SubResourceAgentTask].Error)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, got.ActionsExecuted, 1)
	assert.Equal(t, "v", got.TriggerData["k"])

	_, err = testDB.MutateRun(ctx, uuid.New(), func(*model.Run, []model.SubResourceState) error { return nil })
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMutateRunSerializesWriters(t *testing.T) {
	ctx := context.Background()
	s := newSeed(t)
	rule := s.rule(t, model.GeneralBody{})
	run := s.run(t, rule.ID, model.SourceManual)

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := testDB.MutateRun(ctx, run.ID, func(r *model.Run, _ []model.SubResourceState) error {
				r.ActionsExecuted = append(r.ActionsExecuted, model.ActionEntry{Type: "internal_action", Result: model.ActionSucceeded})
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, got.ActionsExecuted, writers, "no update may be lost")
}

func TestListAndCountRuns(t *testing.T) {
	ctx := context.Background()
	s := newSeed(t)
	rule := s.rule(t, model.GeneralBody{})
	other := s.rule(t, model.GeneralBody{})

	s.run(t, rule.ID, model.SourceEvent)
	s.run(t, rule.ID, model.SourceManual)
	s.run(t, rule.ID, model.SourceTest)
	s.run(t, other.ID, model.SourceEvent)

	n, err := testDB.CountRuns(ctx, rule.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "test runs are not counted")
	n, err = testDB.CountRuns(ctx, rule.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	runs, err := testDB.ListRuns(ctx, model.RunFilter{TenantID: s.tenant.ID, RuleID: &rule.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
	for i := 1; i < len(runs); i++ {
		assert.False(t, runs[i].CreatedAt.After(runs[i-1].CreatedAt), "newest first")
	}

	pending := model.RunStatusPending
	runs, err = testDB.ListRuns(ctx, model.RunFilter{TenantID: s.tenant.ID, Status: &pending, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = testDB.ListRuns(ctx, model.RunFilter{TenantID: uuid.New()})
	require.NoError(t, err)
	assert.Empty(t, runs)

	ids, err := testDB.ListPendingRunIDs(ctx, 1000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(ids), 4)
}

func TestListStalledRunIDs(t *testing.T) {
	ctx := context.Background()
	s := newSeed(t)
	rule := s.rule(t, model.GeneralBody{})
	now := time.Now().UTC()

	claim := func(claimedAt time.Time, recorded bool) model.Run {
		run := s.run(t, rule.ID, model.SourceManual)
		updated, err := testDB.MutateRun(ctx, run.ID, func(r *model.Run, _ []model.SubResourceState) error {
			r.Status = model.RunStatusRunning
			r.ClaimedAt = &claimedAt
			if recorded {
				r.ActionsRecordedAt = &claimedAt
			}
			return nil
		})
		require.NoError(t, err)
		return updated
	}
	stalled := claim(now.Add(-time.Hour), false)
	settled := claim(now.Add(-time.Hour), true)
	fresh := claim(now, false)

	got, err := testDB.GetRun(ctx, stalled.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ClaimedAt)
	assert.WithinDuration(t, now.Add(-time.Hour), *got.ClaimedAt, time.Second)
	assert.Nil(t, got.ActionsRecordedAt)

	ids, err := testDB.ListStalledRunIDs(ctx, now.Add(-time.Minute), 1000)
	require.NoError(t, err)
	assert.Contains(t, ids, stalled.ID)
	assert.NotContains(t, ids, settled.ID)
	assert.NotContains(t, ids, fresh.ID)
}

func TestDeliveryClaimsAndAttempts(t *testing.T) {
	ctx := context.Background()
	s := newSeed(t)
	rule := s.rule(t, model.GeneralBody{})
	now := time.Now().UTC()
	future := now.Add(time.Hour)

	due, err := testDB.CreateDelivery(ctx, model.WebhookDelivery{
		TenantID: s.tenant.ID, RuleID: rule.ID, EventType: "e", URL: "https://example.com", RequestBody: "{}",
		Headers: map[string]string{"X-A": "1"},
	})
	require.NoError(t, err)
	later, err := testDB.CreateDelivery(ctx, model.WebhookDelivery{
		TenantID: s.tenant.ID, RuleID: rule.ID, EventType: "e", URL: "https://example.com", RequestBody: "{}",
		NextAttemptAt: &future,
	})
	require.NoError(t, err)

	claimed, err := testDB.ClaimDueDeliveries(ctx, now, time.Minute, 1000)
	require.NoError(t, err)
	ids := map[uuid.UUID]bool{}
	for _, d := range claimed {
		ids[d.ID] = true
	}
	assert.True(t, ids[due.ID])
	assert.False(t, ids[later.ID], "not due yet")

	_, ok, err := testDB.ClaimDelivery(ctx, due.ID, now, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease held")

	// The direct claim ignores next_attempt_at.
	d, ok, err := testDB.ClaimDelivery(ctx, later.ID, now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, later.ID, d.ID)

	code := 200
	respBody := "ok"
	require.NoError(t, testDB.RecordDeliveryAttempt(ctx, model.DeliveryAttempt{
		DeliveryID: due.ID, Status: model.DeliverySuccess, AttemptCount: 1,
		DeliveredAt: &now, ResponseCode: &code, ResponseBody: &respBody,
	}))
	got, err := testDB.GetDelivery(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySuccess, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "1", got.Headers["X-A"])

	err = testDB.RecordDeliveryAttempt(ctx, model.DeliveryAttempt{DeliveryID: due.ID, Status: model.DeliveryFailed, AttemptCount: 2})
	assert.ErrorIs(t, err, storage.ErrConflict, "terminal deliveries are immutable")

	_, ok, err = testDB.ClaimDelivery(ctx, due.ID, now.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "terminal deliveries cannot be claimed")
}

func TestDeliveryNotification(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.True(t, testDB.HasNotifyConn())
	require.NoError(t, testDB.Listen(ctx, storage.ChannelDeliveries))

	s := newSeed(t)
	rule := s.rule(t, model.GeneralBody{})
	d, err := testDB.CreateDelivery(ctx, model.WebhookDelivery{
		TenantID: s.tenant.ID, RuleID: rule.ID, EventType: "e", URL: "https://example.com", RequestBody: "{}",
	})
	require.NoError(t, err)

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelDeliveries, channel)
	assert.Equal(t, d.ID.String(), payload)
}

func TestSetTaskStatusIsOneShot(t *testing.T) {
	ctx := context.Background()
	s := newSeed(t)
	rule := s.rule(t, model.AgentBody{Task: "x"})
	task, err := testDB.CreateTask(ctx, model.AgentTask{
		TenantID: s.tenant.ID, RuleID: rule.ID, AgentID: s.agent.ID, Task: "x", MaxSteps: 3, InitiatedByID: s.human.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskQueued, task.Status)

	got, changed, err := testDB.SetTaskStatus(ctx, task.ID, model.TaskRunning, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Nil(t, got.CompletedAt)

	got, changed, err = testDB.SetTaskStatus(ctx, task.ID, model.TaskCompleted, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotNil(t, got.CompletedAt)

	msg := "late"
	got, changed, err = testDB.SetTaskStatus(ctx, task.ID, model.TaskFailed, &msg, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.TaskCompleted, got.Status)

	_, _, err = testDB.SetTaskStatus(ctx, uuid.New(), model.TaskFailed, nil, time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWithRetryStopsOnPlainErrors(t *testing.T) {
	calls := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return storage.ErrConflict
	})
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.Equal(t, 1, calls)
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	// TestMain already applied every file; a second pass, concurrently from
	// two callers, must apply nothing and not fail.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = testDB.RunMigrations(ctx, migrations.FS)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	var n int
	require.NoError(t, testDB.Pool().QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&n))
	entries, err := migrations.FS.ReadDir(".")
	require.NoError(t, err)
	sqlFiles := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".sql" {
			sqlFiles++
		}
	}
	assert.Equal(t, sqlFiles, n)
}
