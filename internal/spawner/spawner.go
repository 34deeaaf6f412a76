// Package spawner hands agent tasks to the external agent runner.
//
// The runner is fire-and-forget from the engine's point of view: Spawn
// returns once the runner has accepted the task, and the runner reports the
// outcome later through POST /v1/tasks/{task_id}/complete using the bearer
// token carried in the envelope.
package spawner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hibiki/internal/delivery"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

// TokenIssuer mints the callback token for one task.
type TokenIssuer interface {
	IssueTaskToken(tenantID, taskID uuid.UUID, ttl time.Duration) (string, time.Time, error)
}

// Envelope is the JSON body posted to the agent runner.
type Envelope struct {
	TaskID        uuid.UUID  `json:"task_id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	AgentID       uuid.UUID  `json:"agent_id"`
	RuleID        uuid.UUID  `json:"rule_id"`
	RunID         *uuid.UUID `json:"run_id,omitempty"`
	Task          string     `json:"task"`
	MaxSteps      int        `json:"max_steps"`
	InitiatedByID uuid.UUID  `json:"initiated_by_id"`
	CallbackURL   string     `json:"callback_url"`
	CallbackToken string     `json:"callback_token"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// Config tunes the HTTP spawner.
type Config struct {
	RunnerURL string
	// BaseURL is this service's public URL; callbacks are built from it.
	BaseURL string
	// Secret signs envelopes with the webhook signature scheme. Optional.
	Secret  string
	Timeout time.Duration
	// TokenTTL bounds how long the runner may take to call back.
	TokenTTL time.Duration
}

// HTTPSpawner posts task envelopes to the agent runner.
type HTTPSpawner struct {
	cfg    Config
	tokens TokenIssuer
	client *http.Client
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewHTTP creates an HTTPSpawner.
func NewHTTP(cfg Config, tokens TokenIssuer, logger *slog.Logger) *HTTPSpawner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &HTTPSpawner{
		cfg:    cfg,
		tokens: tokens,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		tracer: telemetry.Tracer("hibiki/spawner"),
		now:    time.Now,
	}
}

// CallbackURL returns the completion endpoint for taskID.
func (s *HTTPSpawner) CallbackURL(taskID uuid.UUID) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/tasks/" + taskID.String() + "/complete"
}

// Spawn posts the task to the runner. Any non-2xx response is an error.
func (s *HTTPSpawner) Spawn(ctx context.Context, task model.AgentTask) (err error) {
	ctx, span := s.tracer.Start(ctx, "spawner.Spawn", trace.WithAttributes(
		attribute.String("task_id", task.ID.String()),
		attribute.String("agent_id", task.AgentID.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	token, exp, err := s.tokens.IssueTaskToken(task.TenantID, task.ID, s.cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("spawner: issue callback token: %w", err)
	}
	body, err := json.Marshal(Envelope{
		TaskID:        task.ID,
		TenantID:      task.TenantID,
		AgentID:       task.AgentID,
		RuleID:        task.RuleID,
		RunID:         task.RunID,
		Task:          task.Task,
		MaxSteps:      task.MaxSteps,
		InitiatedByID: task.InitiatedByID,
		CallbackURL:   s.CallbackURL(task.ID),
		CallbackToken: token,
		ExpiresAt:     exp,
	})
	if err != nil {
		return fmt.Errorf("spawner: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.RunnerURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("spawner: build request: %w", err)
	}
	ts := strconv.FormatInt(s.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hibiki-spawner/1")
	req.Header.Set(delivery.HeaderEvent, "agent_task.spawn")
	req.Header.Set(delivery.HeaderDelivery, task.ID.String())
	req.Header.Set(delivery.HeaderTimestamp, ts)
	if s.cfg.Secret != "" {
		req.Header.Set(delivery.HeaderSignature, delivery.Sign(s.cfg.Secret, ts, body))
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("spawner: post task: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("spawner: runner returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	s.logger.Info("spawner: task handed to runner", "task_id", task.ID, "agent_id", task.AgentID, "tenant_id", task.TenantID)
	return nil
}

// LogSpawner accepts every task and only logs it. It is used when no agent
// runner is configured; tasks then stay running until completed by hand.
type LogSpawner struct {
	logger *slog.Logger
}

// NewLog creates a LogSpawner.
func NewLog(logger *slog.Logger) *LogSpawner {
	return &LogSpawner{logger: logger}
}

// Spawn logs the task.
func (s *LogSpawner) Spawn(_ context.Context, task model.AgentTask) error {
	s.logger.Info("spawner: no agent runner configured, task not sent",
		"task_id", task.ID, "agent_id", task.AgentID, "tenant_id", task.TenantID, "max_steps", task.MaxSteps)
	return nil
}
