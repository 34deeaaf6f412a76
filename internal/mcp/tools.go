package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/hibiki/internal/ctxutil"
	"github.com/ashita-ai/hibiki/internal/engine"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/storage"
)

func (s *Server) registerTools() {
	// hibiki_list_runs — recent runs of the caller's tenant.
	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_list_runs",
			mcplib.WithDescription(`List recent automation runs, newest first.

Each run is one execution of a rule. Status is one of pending, running,
completed, failed or skipped. A run stays running while webhook deliveries
or agent tasks it started are still in flight.

Filter by rule_id to see the history of one rule, or by status="failed"
to find runs that need attention. Test runs are never listed.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("rule_id", mcplib.Description("Only runs of this rule (UUID)")),
			mcplib.WithString("status",
				mcplib.Description("Only runs with this status"),
				mcplib.Enum("pending", "running", "completed", "failed", "skipped"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of runs to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListRuns,
	)

	// hibiki_get_run — one run with its action log and sub-resources.
	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_get_run",
			mcplib.WithDescription(`Get one run with its full action log, webhook deliveries and agent tasks.

Use this to explain why a run failed: the action log records each action's
result, and deliveries carry response codes and error messages.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
		),
		s.handleGetRun,
	)

	// hibiki_trigger_rule — fire a rule by hand.
	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_trigger_rule",
			mcplib.WithDescription(`Fire a rule now, outside its normal trigger.

Set test=true to try a rule without counting against its run ceiling; test
runs are hidden from run listings but can be fetched by id. The optional data
object is available to the rule's templates as {{trigger.<key>}}.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("rule_id", mcplib.Description("Rule UUID"), mcplib.Required()),
			mcplib.WithBoolean("test", mcplib.Description("Run as a test run"), mcplib.DefaultBool(false)),
			mcplib.WithObject("data", mcplib.Description("Trigger data passed to the rule's templates")),
		),
		s.handleTriggerRule,
	)

	// hibiki_append_event — record an event and dispatch it to event rules.
	s.mcpServer.AddTool(
		mcplib.NewTool("hibiki_append_event",
			mcplib.WithDescription(`Append an event to the tenant's event log. Every enabled event rule
whose event_type matches (and whose studio, conditions and mention filter
accept the event) starts a run. Returns the event id and the created run ids.`),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("event_type",
				mcplib.Description("Event type, e.g. note.created or decision.resolved"),
				mcplib.Required(),
			),
			mcplib.WithString("studio_id", mcplib.Description("Studio UUID the event happened in")),
			mcplib.WithString("subject_kind", mcplib.Description("Kind of record the event is about: note, decision or commitment")),
			mcplib.WithString("subject_id", mcplib.Description("UUID of the record the event is about")),
			mcplib.WithObject("metadata", mcplib.Description("Free-form event metadata")),
		),
		s.handleAppendEvent,
	)
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID := ctxutil.TenantIDFromContext(ctx)
	if tenantID == uuid.Nil {
		return errorResult("no tenant in request context"), nil
	}

	limit := request.GetInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	f := model.RunFilter{TenantID: tenantID, Limit: limit}
	if raw := request.GetString("rule_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("rule_id must be a UUID"), nil
		}
		f.RuleID = &id
	}
	if raw := request.GetString("status", ""); raw != "" {
		st := model.RunStatus(raw)
		if !st.Valid() {
			return errorResult(fmt.Sprintf("unknown status %q", raw)), nil
		}
		f.Status = &st
	}

	runs, err := s.store.ListRuns(ctx, f)
	if err != nil {
		s.logger.Error("mcp: list runs", "error", err, "tenant_id", tenantID)
		return errorResult("failed to list runs"), nil
	}

	compact := make([]map[string]any, 0, len(runs))
	for _, r := range runs {
		compact = append(compact, compactRun(r))
	}
	return jsonResult(map[string]any{
		"summary": summarizeRuns(runs),
		"runs":    compact,
	})
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID := ctxutil.TenantIDFromContext(ctx)
	runID, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && run.TenantID != tenantID) {
		return errorResult("run not found"), nil
	}
	if err != nil {
		s.logger.Error("mcp: get run", "error", err, "run_id", runID)
		return errorResult("failed to get run"), nil
	}

	deliveries, err := s.store.ListRunDeliveries(ctx, run.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list deliveries: %v", err)), nil
	}
	tasks, err := s.store.ListRunTasks(ctx, run.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}

	resp := map[string]any{
		"run":        run,
		"deliveries": deliveries,
		"tasks":      tasks,
	}
	if failed := failedActions(run); len(failed) > 0 {
		resp["failed_actions"] = failed
	}
	return jsonResult(resp)
}

func (s *Server) handleTriggerRule(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID := ctxutil.TenantIDFromContext(ctx)
	ruleID, err := uuid.Parse(request.GetString("rule_id", ""))
	if err != nil {
		return errorResult("rule_id must be a UUID"), nil
	}

	source := model.SourceManual
	if request.GetBool("test", false) {
		source = model.SourceTest
	}
	data, _ := request.GetArguments()["data"].(map[string]any)

	run, err := s.engine.Trigger(ctx, engine.TriggerRequest{
		RuleID:   ruleID,
		TenantID: tenantID,
		Source:   source,
		Data:     data,
	})
	if err != nil {
		return errorResult(triggerErrorText(err)), nil
	}
	return jsonResult(model.TriggerResponse{RunID: run.ID, Status: run.Status})
}

func (s *Server) handleAppendEvent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID := ctxutil.TenantIDFromContext(ctx)
	if tenantID == uuid.Nil {
		return errorResult("no tenant in request context"), nil
	}
	req := model.AppendEventRequest{
		EventType: strings.TrimSpace(request.GetString("event_type", "")),
	}
	if req.EventType == "" {
		return errorResult("event_type is required"), nil
	}
	if raw := request.GetString("studio_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("studio_id must be a UUID"), nil
		}
		req.StudioID = &id
	}
	kind, rawSubject := request.GetString("subject_kind", ""), request.GetString("subject_id", "")
	if (kind == "") != (rawSubject == "") {
		return errorResult("subject_kind and subject_id go together"), nil
	}
	if kind != "" {
		id, err := uuid.Parse(rawSubject)
		if err != nil {
			return errorResult("subject_id must be a UUID"), nil
		}
		req.Subject = &model.SubjectRef{Kind: kind, ID: id}
	}
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil {
		if actor, err := uuid.Parse(claims.Subject); err == nil {
			req.ActorID = &actor
		}
	}
	req.Metadata, _ = request.GetArguments()["metadata"].(map[string]any)

	ev, runIDs, err := s.engine.Ingest(ctx, tenantID, req)
	if err != nil && ev.ID == uuid.Nil {
		s.logger.Error("mcp: append event", "error", err, "tenant_id", tenantID)
		return errorResult("failed to append event"), nil
	}
	if runIDs == nil {
		runIDs = []uuid.UUID{}
	}
	return jsonResult(model.DispatchResponse{EventID: ev.ID, RunIDs: runIDs})
}

// triggerErrorText turns engine trigger errors into agent-facing text.
func triggerErrorText(err error) string {
	switch {
	case errors.Is(err, engine.ErrRuleNotFound):
		return "rule not found"
	case errors.Is(err, engine.ErrRuleDisabled):
		return "rule is disabled"
	case errors.Is(err, engine.ErrRateLimited):
		return "rule has reached its run ceiling; retry later or use test=true"
	case errors.Is(err, engine.ErrWrongTrigger):
		return "rule cannot be triggered this way"
	default:
		return fmt.Sprintf("trigger failed: %v", err)
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
