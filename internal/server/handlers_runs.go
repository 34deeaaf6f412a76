package server

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hibiki/internal/engine"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/storage"
)

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	f := model.RunFilter{
		TenantID: claims.TenantID,
		Limit:    queryLimit(r, 50),
		Offset:   queryOffset(r),
	}
	q := r.URL.Query()
	if s := q.Get("rule_id"); s != "" {
		id, err := parseUUID(s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid rule_id")
			return
		}
		f.RuleID = &id
	}
	if s := q.Get("status"); s != "" {
		st := model.RunStatus(s)
		if !st.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status")
			return
		}
		f.Status = &st
	}

	runs, err := h.store.ListRuns(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, r, http.StatusOK, model.ListRunsResponse{Runs: runs, Limit: f.Limit, Offset: f.Offset})
}

// HandleGetRun handles GET /v1/runs/{run_id}. Runs of other tenants are
// reported as not found.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	runID, err := parsePathID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}
	if run.TenantID != claims.TenantID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}

	deliveries, err := h.store.ListRunDeliveries(r.Context(), run.ID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list run deliveries", err)
		return
	}
	tasks, err := h.store.ListRunTasks(r.Context(), run.ID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list run tasks", err)
		return
	}
	if deliveries == nil {
		deliveries = []model.WebhookDelivery{}
	}
	if tasks == nil {
		tasks = []model.AgentTask{}
	}
	writeJSON(w, r, http.StatusOK, model.RunDetail{Run: run, Deliveries: deliveries, Tasks: tasks})
}

// HandleTriggerRule handles POST /v1/rules/{rule_id}/trigger. A test
// trigger bypasses the run ceiling and is excluded from run listings.
func (h *Handlers) HandleTriggerRule(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	ruleID, err := parsePathID(r, "rule_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.TriggerRuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	source := model.SourceManual
	if req.Test {
		source = model.SourceTest
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("hibiki.rule_id", ruleID.String()),
		attribute.String("hibiki.trigger_source", string(source)),
	)

	run, err := h.engine.Trigger(r.Context(), engine.TriggerRequest{
		RuleID:   ruleID,
		TenantID: claims.TenantID,
		Source:   source,
		Data:     req.Data,
		EventID:  req.EventID,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.TriggerResponse{RunID: run.ID, Status: run.Status})
}

// HandleCompleteTask handles POST /v1/tasks/{task_id}/complete, the agent
// runner's callback. Completing a finished task again is accepted and
// changes nothing.
func (h *Handlers) HandleCompleteTask(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	taskID, err := parsePathID(r, "task_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.CompleteTaskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task not found")
			return
		}
		h.writeInternalError(w, r, "failed to get task", err)
		return
	}
	if task.TenantID != claims.TenantID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task not found")
		return
	}
	if err := claims.CanCompleteTask(task.TenantID, task.ID); err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token cannot complete this task")
		return
	}

	updated, err := h.engine.TaskCompleted(r.Context(), task.ID, req.Success, req.Error)
	if err != nil {
		h.writeInternalError(w, r, "failed to complete task", err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}
