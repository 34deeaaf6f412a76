package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/hibiki/internal/condition"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/render"
)

// NewRenderCommand creates the render command.
func NewRenderCommand(rootOpts *RootOptions) *cobra.Command {
	var contextPath string
	cmd := &cobra.Command{
		Use:   "render <template>",
		Short: "Render a {{path}} template against a context",
		Long: `Render a template the way rule actions are rendered. The context file is
YAML or JSON shaped like a run's render context, e.g.

  event:
    type: note.created
  subject:
    title: Launch plan
  trigger:
    source: manual

Unresolved paths render as the empty string and values are HTML-escaped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := loadContext(contextPath)
			if err != nil {
				return err
			}
			out := render.Render(args[0], ctx)
			return emit(cmd.OutOrStdout(), rootOpts, out, map[string]string{"rendered": out})
		},
	}
	cmd.Flags().StringVarP(&contextPath, "context", "c", "", "context file (YAML or JSON)")
	return cmd
}

// ConditionResult is one line of eval output.
type ConditionResult struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Actual   any    `json:"actual"`
	Expected any    `json:"expected"`
	Holds    bool   `json:"holds"`
}

// EvalResult is the json output of eval.
type EvalResult struct {
	Matches    bool              `json:"matches"`
	Conditions []ConditionResult `json:"conditions"`
}

// NewEvalCommand creates the eval command.
func NewEvalCommand(rootOpts *RootOptions) *cobra.Command {
	var contextPath string
	cmd := &cobra.Command{
		Use:   "eval <conditions-file>",
		Short: "Evaluate rule conditions against a context",
		Long: `Evaluate a list of conditions, each {field, operator, value}, against a
context file and report which hold. A rule with these conditions fires only
when every one holds; an empty list always matches.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var conditions []model.Condition
			if err := loadDocument(args[0], &conditions); err != nil {
				return err
			}
			if contextPath == "" {
				return errors.New("--context is required")
			}
			ctx, err := loadContext(contextPath)
			if err != nil {
				return err
			}

			res := EvalResult{Conditions: make([]ConditionResult, 0, len(conditions))}
			var b strings.Builder
			for _, c := range conditions {
				cr := ConditionResult{
					Field:    c.Field,
					Operator: c.Operator,
					Actual:   condition.ResolveFieldPath(c.Field, ctx),
					Expected: c.Value,
					Holds:    condition.Evaluate(c, ctx),
				}
				res.Conditions = append(res.Conditions, cr)
				mark := "FAIL"
				if cr.Holds {
					mark = "ok  "
				}
				fmt.Fprintf(&b, "%s %s %s %s (actual: %s)\n", mark, c.Field, c.Operator,
					condition.Stringify(c.Value), condition.Stringify(cr.Actual))
			}
			res.Matches = condition.EvaluateAll(conditions, ctx)
			if res.Matches {
				b.WriteString("matches")
			} else {
				b.WriteString("does not match")
			}
			return emit(cmd.OutOrStdout(), rootOpts, b.String(), res)
		},
	}
	cmd.Flags().StringVarP(&contextPath, "context", "c", "", "context file (YAML or JSON)")
	return cmd
}
