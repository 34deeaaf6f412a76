package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/delivery"
	"github.com/ashita-ai/hibiki/internal/memstore"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/testutil"
)

// flakyRules fails the first n GetRule calls with a transient error.
type flakyRules struct {
	*memstore.Store
	failures atomic.Int32
}

func (s *flakyRules) GetRule(ctx context.Context, id uuid.UUID) (model.Rule, error) {
	if s.failures.Add(-1) >= 0 {
		return model.Rule{}, errors.New("connection reset by peer")
	}
	return s.Store.GetRule(ctx, id)
}

// midRunAction runs fn as an internal action, in the middle of a run's
// synchronous phase.
type midRunAction func(ctx context.Context, req model.InternalActionRequest) error

func (a midRunAction) Execute(ctx context.Context, req model.InternalActionRequest) (model.InternalActionOutcome, error) {
	if err := a(ctx, req); err != nil {
		return model.InternalActionOutcome{}, err
	}
	return model.InternalActionOutcome{Result: model.ActionSucceeded}, nil
}

func (f *fixture) executor(store Store, actions InternalActions) *Executor {
	return NewExecutor(store, f.tracker, f.dq, f.spawner, actions, ExecutorConfig{
		AllowPrivateWebhooks: true,
		DefaultWebhookSecret: "whsec",
	}, testutil.TestLogger())
}

// stall leaves a run claimed an hour ago with no recorded actions.
func (f *fixture) stall(runID uuid.UUID, started bool) {
	f.t.Helper()
	claimed := time.Now().UTC().Add(-time.Hour)
	_, err := f.store.MutateRun(f.ctx, runID, func(r *model.Run, _ []model.SubResourceState) error {
		r.Status = model.RunStatusRunning
		r.ClaimedAt = &claimed
		if started {
			r.StartedAt = &claimed
		}
		return nil
	})
	require.NoError(f.t, err)
}

func (f *fixture) manualRun(rule model.Rule) model.Run {
	f.t.Helper()
	run, err := f.trig.Trigger(f.ctx, TriggerRequest{RuleID: rule.ID, TenantID: f.tenant.ID, Source: model.SourceManual})
	require.NoError(f.t, err)
	return run
}

func TestTransientErrorReleasesClaim(t *testing.T) {
	f := newFixture(t, 0)
	store := &flakyRules{Store: f.store}
	store.failures.Store(1)
	exec := f.executor(store, f.actions)
	run := f.manualRun(f.rule(model.Rule{Body: model.GeneralBody{}}))

	err := exec.Execute(f.ctx, run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	released := f.run(run.ID)
	assert.Equal(t, model.RunStatusPending, released.Status)
	assert.Nil(t, released.ClaimedAt)
	assert.Nil(t, released.StartedAt)
	pending, err := f.store.ListPendingRunIDs(f.ctx, 100)
	require.NoError(t, err)
	assert.Contains(t, pending, run.ID, "the sweep must see the run again")

	require.NoError(t, exec.Execute(f.ctx, run.ID))
	done := f.run(run.ID)
	assert.Equal(t, model.RunStatusCompleted, done.Status)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.ActionsRecordedAt)
}

func TestRecoverUnstartedRunReturnsToPending(t *testing.T) {
	f := newFixture(t, 0)
	run := f.manualRun(f.rule(model.Rule{Body: model.GeneralBody{}}))
	f.stall(run.ID, false)

	got, err := f.exec.Recover(f.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, got.Status)
	assert.Nil(t, got.ClaimedAt)

	require.NoError(t, f.exec.Execute(f.ctx, run.ID))
	assert.Equal(t, model.RunStatusCompleted, f.run(run.ID).Status)
}

func TestRecoverStartedRunFailsIt(t *testing.T) {
	f := newFixture(t, 0)
	rule := f.rule(model.Rule{Body: model.GeneralBody{}})
	run := f.manualRun(rule)
	f.stall(run.ID, true)

	// The worker died after creating a task it never handed to the runner.
	task, err := f.store.CreateTask(f.ctx, model.AgentTask{
		TenantID: f.tenant.ID, RunID: &run.ID, RuleID: rule.ID, AgentID: f.bot1.ID,
		Task: "review", MaxSteps: 5, InitiatedByID: f.alice.ID, Status: model.TaskQueued,
	})
	require.NoError(t, err)

	got, err := f.exec.Recover(f.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, ErrMsgInterrupted)
	assert.Contains(t, *got.ErrorMessage, ErrMsgTaskNotStarted)
	require.Len(t, got.ActionsExecuted, 1)
	assert.Equal(t, actionTypeRecovery, got.ActionsExecuted[0].Type)

	task, err = f.store.GetTask(f.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, task.Status)

	again, err := f.exec.Recover(f.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ActionsExecuted, again.ActionsExecuted, "a settled run is not recovered twice")
}

func TestRecoveredRunWaitsForOpenDeliveries(t *testing.T) {
	f := newFixture(t, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	rule := f.rule(model.Rule{Body: webhookRule(srv.URL)})
	run := f.manualRun(rule)
	f.stall(run.ID, true)

	d, err := f.store.CreateDelivery(f.ctx, model.WebhookDelivery{
		TenantID: f.tenant.ID, RunID: &run.ID, RuleID: rule.ID, EventType: "automation.manual",
		URL: srv.URL, Secret: "whsec", RequestBody: "{}",
	})
	require.NoError(t, err)

	got, err := f.exec.Recover(f.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status, "the delivery is still open")
	assert.NotNil(t, got.ActionsRecordedAt)

	svc := delivery.NewService(f.store, f.tracker, delivery.Config{Timeout: 5 * time.Second}, testutil.TestLogger())
	require.NoError(t, svc.Deliver(f.ctx, d.ID))
	done := f.run(run.ID)
	assert.Equal(t, model.RunStatusFailed, done.Status, "lost actions make the outcome a failure")
	assert.Equal(t, ErrMsgInterrupted, *done.ErrorMessage)
}

func TestSweepRecoversStalledRuns(t *testing.T) {
	f := newFixture(t, 0)
	run := f.manualRun(f.rule(model.Rule{Body: model.GeneralBody{}}))
	f.stall(run.ID, false)
	fresh := f.manualRun(f.rule(model.Rule{Body: model.GeneralBody{}}))
	_, err := f.store.MutateRun(f.ctx, fresh.ID, func(r *model.Run, _ []model.SubResourceState) error {
		now := time.Now().UTC()
		r.Status = model.RunStatusRunning
		r.ClaimedAt = &now
		return nil
	})
	require.NoError(t, err)

	pool := NewPool(f.exec, f.store, 1, 16, time.Hour, time.Minute, testutil.TestLogger())
	assert.Equal(t, 1, pool.Sweep(f.ctx))
	assert.Equal(t, 1, pool.Depth())
	assert.Equal(t, model.RunStatusPending, f.run(run.ID).Status)
	assert.Equal(t, model.RunStatusRunning, f.run(fresh.ID).Status, "a recent claim is left alone")
}

func TestDeliveryFinishingDuringSyncPhaseKeepsRunOpen(t *testing.T) {
	f := newFixture(t, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	svc := delivery.NewService(f.store, f.tracker, delivery.Config{Timeout: 5 * time.Second}, testutil.TestLogger())

	// The internal action plays a fast poller: it delivers the first
	// webhook before the second one exists.
	var midStatus model.RunStatus
	exec := f.executor(f.store, midRunAction(func(ctx context.Context, req model.InternalActionRequest) error {
		ds, err := f.store.ListRunDeliveries(ctx, req.RunID)
		if err != nil {
			return err
		}
		if len(ds) != 1 {
			return errors.New("expected one delivery so far")
		}
		if err := svc.Deliver(ctx, ds[0].ID); err != nil {
			return err
		}
		run, err := f.store.GetRun(ctx, req.RunID)
		midStatus = run.Status
		return err
	}))

	f.rule(model.Rule{Body: model.GeneralBody{Actions: []model.Action{
		{Type: model.ActionWebhook, URL: srv.URL + "/a"},
		{Type: model.ActionInternal, Action: "create_note"},
		{Type: model.ActionWebhook, URL: srv.URL + "/b"},
	}}})
	ids, err := f.disp.Dispatch(f.ctx, f.noteEvent(f.alice.ID, "hello", "").ID)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.NoError(t, exec.Execute(f.ctx, ids[0]))

	assert.Equal(t, model.RunStatusRunning, midStatus)
	run := f.run(ids[0])
	assert.Equal(t, model.RunStatusRunning, run.Status, "the second delivery is still open")
	require.Len(t, run.ActionsExecuted, 3)
	assert.Equal(t, model.ActionSucceeded, run.ActionsExecuted[1].Result)
	assert.Nil(t, run.CompletedAt)

	second := *run.ActionsExecuted[2].SubResourceID
	require.NoError(t, svc.Deliver(f.ctx, second))
	assert.Equal(t, model.RunStatusCompleted, f.run(ids[0]).Status)
}

func TestTerminalRunIgnoresLateActionLog(t *testing.T) {
	f := newFixture(t, 0)
	var exec *Executor
	exec = f.executor(f.store, midRunAction(func(ctx context.Context, req model.InternalActionRequest) error {
		_, err := exec.Recover(ctx, req.RunID)
		return err
	}))
	f.rule(model.Rule{Body: model.GeneralBody{Actions: []model.Action{
		{Type: model.ActionInternal, Action: "create_note"},
	}}})
	ids, err := f.disp.Dispatch(f.ctx, f.noteEvent(f.alice.ID, "hello", "").ID)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.NoError(t, exec.Execute(f.ctx, ids[0]))

	run := f.run(ids[0])
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.Len(t, run.ActionsExecuted, 1, "entries recorded after the run finished are dropped")
	assert.Equal(t, actionTypeRecovery, run.ActionsExecuted[0].Type)
}

func TestConcurrentDispatchHonorsCeiling(t *testing.T) {
	f := newFixture(t, 1)
	f.rule(model.Rule{Body: model.GeneralBody{}})

	const events = 8
	evs := make([]model.Event, events)
	for i := range evs {
		evs[i] = f.noteEvent(f.alice.ID, "n", "")
	}
	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for _, ev := range evs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, err := f.disp.Dispatch(f.ctx, ev.ID)
			assert.NoError(t, err)
			created.Add(int32(len(ids)))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, created.Load())
}

func TestConditionsDoNotGateAgentRules(t *testing.T) {
	f := newFixture(t, 0)
	f.rule(model.Rule{
		TargetAgentID: &f.bot1.ID,
		Conditions:    []model.Condition{{Field: "event.metadata.priority", Operator: ">", Value: 5}},
		Body:          model.AgentBody{Task: "triage {{ subject.title }}"},
	})
	run := f.dispatchOne(f.noteEvent(f.alice.ID, "low priority", ""))

	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.NotNil(t, run.StartedAt)
	require.Len(t, f.store.Tasks(run.ID), 1)
}
