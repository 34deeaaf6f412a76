package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ashita-ai/hibiki/internal/model"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler fires schedule-triggered rules. Every interval it evaluates each
// enabled schedule rule's cron expression in the rule's time zone and starts
// a run for each rule whose next fire time has passed.
type Scheduler struct {
	rules    RuleStore
	trigger  *Triggerer
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	fired map[uuid.UUID]time.Time

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
}

// NewScheduler creates a scheduler.
func NewScheduler(rules RuleStore, trigger *Triggerer, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		rules:    rules,
		trigger:  trigger,
		logger:   logger,
		interval: interval,
		now:      time.Now,
		fired:    map[uuid.UUID]time.Time{},
		done:     make(chan struct{}),
	}
}

// NextFire returns the first fire time of rule's schedule strictly after from.
func NextFire(cfg model.TriggerConfig, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cfg.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: parse cron %q: %w", cfg.Cron, err)
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: load timezone %q: %w", cfg.Timezone, err)
		}
	}
	return sched.Next(from.In(loc)), nil
}

// Tick evaluates every schedule rule once and returns the runs it started.
func (s *Scheduler) Tick(ctx context.Context) []uuid.UUID {
	rules, err := s.rules.ListScheduleRules(ctx)
	if err != nil {
		s.logger.Error("scheduler: list rules", "error", err)
		return nil
	}
	now := s.now()
	var started []uuid.UUID
	for _, rule := range rules {
		last := s.lastFire(rule)
		next, err := NextFire(rule.TriggerConfig, last)
		if err != nil {
			s.logger.Warn("scheduler: invalid schedule", "rule_id", rule.ID, "error", err)
			continue
		}
		if next.IsZero() || next.After(now) {
			continue
		}
		// Record the slot before triggering so a failure does not retry
		// the same slot every tick.
		s.mu.Lock()
		s.fired[rule.ID] = now
		s.mu.Unlock()

		run, err := s.trigger.Trigger(ctx, TriggerRequest{
			RuleID:   rule.ID,
			TenantID: rule.TenantID,
			Source:   model.SourceSchedule,
			Data: map[string]any{
				"scheduled_for": next.UTC().Format(time.RFC3339),
				"cron":          rule.TriggerConfig.Cron,
			},
		})
		if err != nil {
			s.logger.Warn("scheduler: trigger rule", "rule_id", rule.ID, "error", err)
			continue
		}
		started = append(started, run.ID)
	}
	return started
}

// lastFire is the latest of the rule's creation, its last execution, and
// the last slot this scheduler fired.
func (s *Scheduler) lastFire(rule model.Rule) time.Time {
	last := rule.CreatedAt
	if rule.LastExecutedAt != nil && rule.LastExecutedAt.After(last) {
		last = *rule.LastExecutedAt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.fired[rule.ID]; ok && t.After(last) {
		last = t
	}
	return last
}

// Start begins ticking. It is safe to call only once.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("scheduler: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.Tick(loopCtx)
			}
		}
	}()
}

// Stop halts ticking and waits for an in-progress tick or ctx expiry.
func (s *Scheduler) Stop(ctx context.Context) {
	if !s.started.Load() {
		return
	}
	s.cancelLoop()
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("scheduler: stop timed out")
	}
}
