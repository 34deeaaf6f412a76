package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/hibiki/internal/auth"
)

// TokenResult is the json output of token.
type TokenResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var tenant, subject, task string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API or task token",
		Long: `Issue a bearer token signed with HIBIKI_JWT_SECRET. Without --task the
token is an API token for --subject in --tenant. With --task it may only
complete that agent task.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("HIBIKI_JWT_SECRET")
			if secret == "" {
				return errors.New("HIBIKI_JWT_SECRET must be set")
			}
			tenantID, err := uuid.Parse(tenant)
			if err != nil {
				return fmt.Errorf("--tenant: %w", err)
			}
			mgr, err := auth.NewJWTManager(secret, ttl)
			if err != nil {
				return err
			}

			var res TokenResult
			if task != "" {
				taskID, err := uuid.Parse(task)
				if err != nil {
					return fmt.Errorf("--task: %w", err)
				}
				res.Token, res.ExpiresAt, err = mgr.IssueTaskToken(tenantID, taskID, ttl)
				if err != nil {
					return err
				}
			} else {
				if subject == "" {
					return errors.New("--subject is required for API tokens")
				}
				res.Token, res.ExpiresAt, err = mgr.IssueToken(tenantID, subject)
				if err != nil {
					return err
				}
			}
			return emit(cmd.OutOrStdout(), rootOpts, res.Token, res)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant UUID")
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, usually a user UUID")
	cmd.Flags().StringVar(&task, "task", "", "agent task UUID; issues a task token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
