package mcp

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/hibiki/internal/model"
)

const maxCompactError = 200

// compactRun returns a minimal representation of a run for list responses.
// Drops trigger data and the full action log; hibiki_get_run has both.
func compactRun(r model.Run) map[string]any {
	m := map[string]any{
		"id":             r.ID,
		"rule_id":        r.RuleID,
		"trigger_source": r.TriggerSource,
		"status":         r.Status,
		"actions":        len(r.ActionsExecuted),
		"created_at":     r.CreatedAt,
	}
	if r.ErrorMessage != nil && *r.ErrorMessage != "" {
		m["error"] = truncate(*r.ErrorMessage, maxCompactError)
	}
	if r.TriggeringEventID != nil {
		m["event_id"] = r.TriggeringEventID
	}
	if r.CompletedAt != nil {
		m["completed_at"] = r.CompletedAt
	}
	return m
}

// summarizeRuns is a one-line status tally, e.g. "12 runs: 9 completed, 3 failed".
func summarizeRuns(runs []model.Run) string {
	if len(runs) == 0 {
		return "No runs match."
	}
	counts := map[model.RunStatus]int{}
	for _, r := range runs {
		counts[r.Status]++
	}
	order := []model.RunStatus{
		model.RunStatusCompleted, model.RunStatusFailed, model.RunStatusSkipped,
		model.RunStatusRunning, model.RunStatusPending,
	}
	parts := make([]string, 0, len(order))
	for _, st := range order {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}
	noun := "runs"
	if len(runs) == 1 {
		noun = "run"
	}
	return fmt.Sprintf("%d %s: %s", len(runs), noun, strings.Join(parts, ", "))
}

// failedActions lists the action log entries that did not succeed.
func failedActions(r model.Run) []model.ActionEntry {
	var out []model.ActionEntry
	for _, e := range r.ActionsExecuted {
		if e.Result == model.ActionFailed || e.Result == model.ActionUnsupported {
			out = append(out, e)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
