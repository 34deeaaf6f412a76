package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/storage"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

// MaxAttempts is the number of HTTP attempts before a delivery fails for good.
const MaxAttempts = 5

// retryDelays is indexed by attempt_count-1 after a failed attempt.
var retryDelays = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	24 * time.Hour,
}

// RetryDelay returns the wait before the next attempt once attemptCount
// attempts have failed.
func RetryDelay(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	if attemptCount > len(retryDelays) {
		attemptCount = len(retryDelays)
	}
	return retryDelays[attemptCount-1]
}

// Store is the persistence the delivery service needs.
type Store interface {
	// ClaimDelivery leases a non-terminal delivery whose lease is free.
	// It reports false when the delivery is terminal or leased elsewhere.
	ClaimDelivery(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (model.WebhookDelivery, bool, error)
	// ClaimDueDeliveries leases up to limit non-terminal deliveries whose
	// next attempt is due, skipping rows locked by other workers.
	ClaimDueDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.WebhookDelivery, error)
	// RecordDeliveryAttempt stores the outcome of one attempt and releases the lease.
	RecordDeliveryAttempt(ctx context.Context, a model.DeliveryAttempt) error
	GetRule(ctx context.Context, id uuid.UUID) (model.Rule, error)
}

// RunNotifier is told whenever a delivery owned by a run changes state.
type RunNotifier interface {
	RunChanged(ctx context.Context, runID uuid.UUID) error
}

// Config holds delivery tuning.
type Config struct {
	Timeout time.Duration
	// Lease must exceed Timeout so a slow attempt is not picked up twice.
	Lease time.Duration
}

// Service performs single delivery attempts.
type Service struct {
	store    Store
	notifier RunNotifier
	client   *http.Client
	logger   *slog.Logger
	lease    time.Duration
	now      func() time.Time

	attempts metric.Int64Counter
	duration metric.Float64Histogram
	tracer   trace.Tracer
}

// NewService creates a delivery service. notifier may be nil.
func NewService(store Store, notifier RunNotifier, cfg Config, logger *slog.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Lease <= cfg.Timeout {
		cfg.Lease = cfg.Timeout + 30*time.Second
	}
	meter := telemetry.Meter("hibiki/delivery")
	attempts, _ := meter.Int64Counter("hibiki.delivery.attempts",
		metric.WithDescription("Webhook delivery attempts by outcome"))
	duration, _ := meter.Float64Histogram("hibiki.delivery.duration",
		metric.WithDescription("Webhook delivery HTTP latency"),
		metric.WithUnit("s"))

	return &Service{
		store:    store,
		notifier: notifier,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		lease:    cfg.Lease,
		now:      time.Now,
		attempts: attempts,
		duration: duration,
		tracer:   otel.Tracer("hibiki/delivery"),
	}
}

// Deliver claims the delivery and makes one attempt. A delivery that is
// terminal, leased by another worker, or owned by a disabled rule is left
// alone and Deliver returns nil.
func (s *Service) Deliver(ctx context.Context, id uuid.UUID) error {
	d, ok, err := s.store.ClaimDelivery(ctx, id, s.now(), s.lease)
	if err != nil {
		return fmt.Errorf("delivery: claim %s: %w", id, err)
	}
	if !ok {
		return nil
	}
	return s.attempt(ctx, d)
}

// attempt sends a claimed delivery and records the outcome.
func (s *Service) attempt(ctx context.Context, d model.WebhookDelivery) error {
	rule, err := s.store.GetRule(ctx, d.RuleID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delivery: load rule %s: %w", d.RuleID, err)
	}
	if err != nil || !rule.Enabled {
		// The lease expires on its own; the poller re-checks the rule then.
		s.logger.Info("delivery: rule disabled, skipping",
			"delivery_id", d.ID, "rule_id", d.RuleID)
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "delivery.attempt", trace.WithAttributes(
		attribute.String("delivery.id", d.ID.String()),
		attribute.String("delivery.event_type", d.EventType),
		attribute.Int("delivery.attempt", d.AttemptCount+1),
	))
	defer span.End()

	start := s.now()
	code, respBody, sendErr := s.send(ctx, d)
	s.duration.Record(ctx, s.now().Sub(start).Seconds())

	attempt := s.outcome(d, code, respBody, sendErr)
	s.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(attempt.Status))))
	if attempt.Status != model.DeliverySuccess {
		span.SetStatus(codes.Error, derefString(attempt.ErrorMessage))
	}

	if err := s.store.RecordDeliveryAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("delivery: record attempt %s: %w", d.ID, err)
	}

	logAttrs := []any{
		"delivery_id", d.ID, "rule_id", d.RuleID, "status", attempt.Status,
		"attempt", attempt.AttemptCount,
	}
	switch attempt.Status {
	case model.DeliverySuccess:
		s.logger.Info("delivery: delivered", logAttrs...)
	case model.DeliveryFailed:
		s.logger.Warn("delivery: giving up", append(logAttrs, "error", derefString(attempt.ErrorMessage))...)
	default:
		s.logger.Info("delivery: will retry", append(logAttrs, "next_attempt_at", attempt.NextAttemptAt)...)
	}

	if d.RunID != nil && s.notifier != nil {
		if err := s.notifier.RunChanged(ctx, *d.RunID); err != nil {
			s.logger.Error("delivery: notify tracker", "delivery_id", d.ID, "run_id", *d.RunID, "error", err)
		}
	}
	return nil
}

func (s *Service) send(ctx context.Context, d model.WebhookDelivery) (int, string, error) {
	body := []byte(d.RequestBody)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}
	ts := strconv.FormatInt(s.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hibiki-webhooks/1")
	req.Header.Set(HeaderEvent, d.EventType)
	req.Header.Set(HeaderDelivery, d.ID.String())
	req.Header.Set(HeaderTimestamp, ts)
	if d.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(d.Secret, ts, body))
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	kept, _ := io.ReadAll(io.LimitReader(resp.Body, model.MaxResponseBodyKeep))
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, string(kept), nil
}

// outcome applies the retry policy to one attempt's result.
func (s *Service) outcome(d model.WebhookDelivery, code int, respBody string, sendErr error) model.DeliveryAttempt {
	now := s.now().UTC()
	a := model.DeliveryAttempt{
		DeliveryID:   d.ID,
		AttemptCount: d.AttemptCount + 1,
	}
	if code != 0 {
		a.ResponseCode = &code
		a.ResponseBody = &respBody
	}

	if sendErr == nil && code >= 200 && code < 300 {
		a.Status = model.DeliverySuccess
		a.DeliveredAt = &now
		return a
	}

	lastErr := fmt.Sprintf("HTTP %d", code)
	if sendErr != nil {
		lastErr = sendErr.Error()
	}
	if a.AttemptCount >= MaxAttempts {
		msg := "Max retries exceeded: " + lastErr
		a.Status = model.DeliveryFailed
		a.ErrorMessage = &msg
		return a
	}
	next := now.Add(RetryDelay(a.AttemptCount))
	a.Status = model.DeliveryRetrying
	a.NextAttemptAt = &next
	a.ErrorMessage = &lastErr
	return a
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
