package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// debug-run — walks the agent through explaining a failed run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("debug-run",
			mcplib.WithPromptDescription("Explain why an automation run failed and what to change"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("UUID of the run to investigate"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleDebugRunPrompt,
	)

	// rule-health — reviews the recent history of one rule.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("rule-health",
			mcplib.WithPromptDescription("Review the recent runs of one rule and flag recurring failures"),
			mcplib.WithArgument("rule_id",
				mcplib.ArgumentDescription("UUID of the rule to review"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleRuleHealthPrompt,
	)
}

func (s *Server) handleDebugRunPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	runID := request.Params.Arguments["run_id"]
	if runID == "" {
		return nil, fmt.Errorf("run_id argument is required")
	}
	return userPrompt(fmt.Sprintf("Debug run %s", runID), fmt.Sprintf(`Investigate automation run %s.

1. CALL hibiki_get_run with run_id="%s".

2. READ the action log in order. Each entry has a result:
   - success / skipped: fine.
   - failed: the action's error field says why.
   - unsupported: the rule names an internal action this server does not know.
   - dispatched: a webhook delivery or agent task was started. Its outcome is
     in the deliveries or tasks list, not in the action log.

3. For deliveries, check attempt_count, response_code and error_message.
   Delivery retries back off, so a delivery still retrying keeps the run running.

4. REPORT the first failure that explains the run's status, and suggest the
   smallest rule change that would fix it. If the rule was disabled after the
   run was created, say so; that is not a failure of the rule itself.`, runID, runID)), nil
}

func (s *Server) handleRuleHealthPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	ruleID := request.Params.Arguments["rule_id"]
	if ruleID == "" {
		return nil, fmt.Errorf("rule_id argument is required")
	}
	return userPrompt(fmt.Sprintf("Review rule %s", ruleID), fmt.Sprintf(`Review the health of rule %s.

1. CALL hibiki_list_runs with rule_id="%s" and limit=50.
2. From the summary, note the share of failed and skipped runs.
3. For up to three failed runs, CALL hibiki_get_run and compare their
   failed actions. Look for the same action failing the same way.
4. REPORT whether the rule is healthy, and name any recurring failure
   with the run ids that show it.`, ruleID, ruleID)), nil
}

func userPrompt(description, text string) *mcplib.GetPromptResult {
	return &mcplib.GetPromptResult{
		Description: description,
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: text},
			},
		},
	}
}
