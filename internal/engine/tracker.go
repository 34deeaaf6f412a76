package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

// Tracker recomputes a run's status from the sub-resources it owns.
type Tracker struct {
	runs   RunStore
	tasks  TaskStore
	logger *slog.Logger
	now    func() time.Time

	finished metric.Int64Counter
	onFinish []func(model.Run)
}

// NewTracker creates a lifecycle tracker.
func NewTracker(runs RunStore, tasks TaskStore, logger *slog.Logger) *Tracker {
	finished, _ := telemetry.Meter("hibiki/engine").Int64Counter("hibiki.runs.finished",
		metric.WithDescription("Runs reaching a terminal status"))
	return &Tracker{
		runs:     runs,
		tasks:    tasks,
		logger:   logger,
		now:      time.Now,
		finished: finished,
	}
}

// UpdateStatusFromActions re-reads every sub-resource of the run under the
// run's lock and moves the run to running, completed or failed. Terminal
// and pending runs, and runs still recording their actions, are left
// untouched, so calling it again is harmless.
// Storage errors are logged and returned for the caller to retry.
func (t *Tracker) UpdateStatusFromActions(ctx context.Context, runID uuid.UUID) (model.Run, error) {
	var before model.RunStatus
	run, err := t.runs.MutateRun(ctx, runID, func(r *model.Run, subs []model.SubResourceState) error {
		before = r.Status
		t.apply(r, subs)
		return nil
	})
	if err != nil {
		t.logger.Error("tracker: update run status", "run_id", runID, "error", err)
		return model.Run{}, fmt.Errorf("tracker: update run %s: %w", runID, err)
	}
	if run.Status != before {
		t.recordFinish(ctx, run)
	}
	return run, nil
}

// RunChanged is the notification entrypoint for sub-resource state changes.
func (t *Tracker) RunChanged(ctx context.Context, runID uuid.UUID) error {
	_, err := t.UpdateStatusFromActions(ctx, runID)
	return err
}

// TaskCompleted records an agent task's final outcome and recomputes the
// owning run. Completing an already-terminal task changes nothing.
func (t *Tracker) TaskCompleted(ctx context.Context, taskID uuid.UUID, success bool, errText string) (model.AgentTask, error) {
	status := model.TaskCompleted
	var errMsg *string
	if !success {
		status = model.TaskFailed
		if errText == "" {
			errText = "Task failed"
		}
		errMsg = &errText
	}
	return t.TaskFinished(ctx, taskID, status, errMsg)
}

// TaskFinished moves a task to a terminal status and recomputes its run.
func (t *Tracker) TaskFinished(ctx context.Context, taskID uuid.UUID, status model.TaskStatus, errMsg *string) (model.AgentTask, error) {
	if !status.Terminal() {
		return model.AgentTask{}, fmt.Errorf("tracker: task status %q is not terminal", status)
	}
	task, changed, err := t.tasks.SetTaskStatus(ctx, taskID, status, errMsg, t.now().UTC())
	if err != nil {
		return model.AgentTask{}, fmt.Errorf("tracker: finish task %s: %w", taskID, err)
	}
	if !changed {
		t.logger.Info("tracker: task already terminal", "task_id", taskID, "status", task.Status)
	}
	if task.RunID != nil {
		if _, err := t.UpdateStatusFromActions(ctx, *task.RunID); err != nil {
			return task, err
		}
	}
	return task, nil
}

// apply is the status aggregation rule. It runs inside MutateRun. A run
// whose synchronous actions are not recorded yet may still create
// sub-resources, so it is never finished here.
func (t *Tracker) apply(r *model.Run, subs []model.SubResourceState) {
	if r.Status.Terminal() || r.Status == model.RunStatusPending || r.ActionsRecordedAt == nil {
		return
	}

	var failures []string
	for _, a := range r.ActionsExecuted {
		if a.Type == actionTypeRecovery {
			failures = append(failures, a.Error)
		}
	}
	for _, s := range subs {
		if !s.Terminal {
			r.Status = model.RunStatusRunning
			return
		}
		if !s.Succeeded {
			msg := s.Error
			if msg == "" {
				msg = fmt.Sprintf("%s %s failed", s.Kind, s.ID)
			}
			failures = append(failures, msg)
		}
	}

	now := t.now().UTC()
	if r.CompletedAt == nil {
		r.CompletedAt = &now
	}
	if len(failures) > 0 {
		r.Status = model.RunStatusFailed
		msg := strings.Join(failures, "; ")
		r.ErrorMessage = &msg
		return
	}
	r.Status = model.RunStatusCompleted
	r.ErrorMessage = nil
}

// OnFinish registers fn to be called with every run that reaches a
// terminal status. Register observers before the engine starts; fn must
// not block.
func (t *Tracker) OnFinish(fn func(model.Run)) {
	t.onFinish = append(t.onFinish, fn)
}

func (t *Tracker) recordFinish(ctx context.Context, run model.Run) {
	if !run.Status.Terminal() {
		return
	}
	for _, fn := range t.onFinish {
		fn(run)
	}
	t.finished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(run.Status)),
		attribute.String("source", string(run.TriggerSource)),
	))
	t.logger.Info("tracker: run finished", "run_id", run.ID, "rule_id", run.RuleID, "status", run.Status)
}
