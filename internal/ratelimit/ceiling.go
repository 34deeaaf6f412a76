package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunCounter counts the runs of a rule created at or after since.
// A zero since counts every run the rule has ever had.
type RunCounter interface {
	CountRuns(ctx context.Context, ruleID uuid.UUID, since time.Time) (int, error)
}

// Ceiling caps how many runs a single rule may accumulate, which stops
// rules that re-trigger themselves through the events their actions emit.
type Ceiling struct {
	counter RunCounter
	max     int
	window  time.Duration
	now     func() time.Time

	// holds maps rule id to the *sync.Mutex that orders check-and-create.
	holds sync.Map
}

// NewCeiling creates a run ceiling. max <= 0 disables the ceiling. A zero
// window counts all runs of the rule; otherwise only runs created within
// the trailing window count.
func NewCeiling(counter RunCounter, max int, window time.Duration) *Ceiling {
	return &Ceiling{counter: counter, max: max, window: window, now: time.Now}
}

// Max returns the configured ceiling.
func (c *Ceiling) Max() int { return c.max }

// Reached reports whether the rule's run count meets the ceiling.
func (c *Ceiling) Reached(ctx context.Context, ruleID uuid.UUID) (bool, error) {
	if c == nil || c.max <= 0 {
		return false, nil
	}
	var since time.Time
	if c.window > 0 {
		since = c.now().Add(-c.window)
	}
	n, err := c.counter.CountRuns(ctx, ruleID, since)
	if err != nil {
		return false, fmt.Errorf("ratelimit: count runs: %w", err)
	}
	return n >= c.max, nil
}

// Hold serializes the ceiling check and the run insert for one rule within
// this process. Call the returned func once the run is created or skipped.
// Instances sharing a database can still overshoot the ceiling by the runs
// they create concurrently.
func (c *Ceiling) Hold(ruleID uuid.UUID) (release func()) {
	if c == nil || c.max <= 0 {
		return func() {}
	}
	v, _ := c.holds.LoadOrStore(ruleID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
