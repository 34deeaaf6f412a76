package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst)
	m.now = clock.Now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func TestMemoryLimiterAllowUnderBurst(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 5)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d is within burst", i)
	}
}

func TestMemoryLimiterDenyAfterBurst(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, _ := m.Allow(ctx, "k1")
		require.True(t, ok)
	}
	ok, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiterTokenRefill(t *testing.T) {
	m, clock := newTestLimiter(t, 1, 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = m.Allow(ctx, "k1")
	}
	ok, _ := m.Allow(ctx, "k1")
	require.False(t, ok)

	clock.Advance(1500 * time.Millisecond)
	ok, _ = m.Allow(ctx, "k1")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "k1")
	assert.False(t, ok, "only one token refilled")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 1)
	ctx := context.Background()
	ok, _ := m.Allow(ctx, "a")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	assert.False(t, ok)
	ok, _ = m.Allow(ctx, "b")
	assert.True(t, ok)
}

func TestMemoryLimiterEvictsStaleBuckets(t *testing.T) {
	m, clock := newTestLimiter(t, 1, 1)
	_, _ = m.Allow(context.Background(), "old")
	clock.Advance(staleThreshold + time.Second)
	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.buckets)
}

func TestMemoryLimiterConcurrentAccess(t *testing.T) {
	m, _ := newTestLimiter(t, 0, 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Allow(ctx, "shared"); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}
