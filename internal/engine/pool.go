package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Pool executes runs on a fixed number of workers fed by a buffered queue.
// The queue is a latency optimization only: pending runs live in the store,
// and a periodic sweep re-submits any the queue dropped or a crash left behind.
// The same sweep recovers runs whose claim outlived stallTimeout.
type Pool struct {
	exec          *Executor
	runs          RunStore
	logger        *slog.Logger
	workers       int
	sweepInterval time.Duration
	stallTimeout  time.Duration
	now           func() time.Time

	queue   chan uuid.UUID
	stop    chan struct{}
	stopped sync.Once
	started atomic.Bool
	group   *errgroup.Group
	done    chan struct{}
}

// NewPool creates a worker pool. It does nothing until Start.
func NewPool(exec *Executor, runs RunStore, workers, queueSize int, sweepInterval, stallTimeout time.Duration, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	if stallTimeout <= 0 {
		stallTimeout = 10 * time.Minute
	}
	return &Pool{
		exec:          exec,
		runs:          runs,
		logger:        logger,
		workers:       workers,
		sweepInterval: sweepInterval,
		stallTimeout:  stallTimeout,
		now:           time.Now,
		queue:         make(chan uuid.UUID, queueSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Submit queues a run without blocking. A full queue leaves the run pending
// for the next sweep.
func (p *Pool) Submit(runID uuid.UUID) {
	select {
	case <-p.stop:
		return
	default:
	}
	select {
	case p.queue <- runID:
	default:
		p.logger.Warn("pool: queue full, run left for sweep", "run_id", runID)
	}
}

// Depth is the number of queued runs.
func (p *Pool) Depth() int {
	return len(p.queue)
}

// Start launches the workers and the pending-run sweep. The first sweep
// runs immediately so runs left pending by a previous process resume.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("pool: Start called more than once, ignoring")
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	p.group = g
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.work(gctx)
			return nil
		})
	}
	g.Go(func() error {
		p.sweepLoop(gctx)
		return nil
	})
	go func() {
		_ = g.Wait()
		close(p.done)
	}()
}

// Drain stops the workers after their current run and waits for them or
// for ctx to expire. Queued runs stay pending in the store.
func (p *Pool) Drain(ctx context.Context) {
	p.stopped.Do(func() { close(p.stop) })
	if !p.started.Load() {
		return
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn("pool: drain timed out")
	}
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case id := <-p.queue:
			// A run in progress finishes even if the parent context is
			// cancelled mid-way; leaving it half-recorded is worse.
			runCtx := context.WithoutCancel(ctx)
			if err := p.exec.Execute(runCtx, id); err != nil {
				p.logger.Error("pool: execute run", "run_id", id, "error", err)
			}
		}
	}
}

func (p *Pool) sweepLoop(ctx context.Context) {
	p.Sweep(ctx)
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep recovers stalled runs, then re-submits pending runs from the store.
// Runs already queued may be submitted twice; the executor's claim makes the
// second a no-op.
func (p *Pool) Sweep(ctx context.Context) int {
	p.recoverStalled(ctx)

	free := cap(p.queue) - len(p.queue)
	if free <= 0 {
		return 0
	}
	ids, err := p.runs.ListPendingRunIDs(ctx, free)
	if err != nil {
		p.logger.Error("pool: list pending runs", "error", err)
		return 0
	}
	for _, id := range ids {
		p.Submit(id)
	}
	if len(ids) > 0 {
		p.logger.Info("pool: re-submitted pending runs", "count", len(ids))
	}
	return len(ids)
}

func (p *Pool) recoverStalled(ctx context.Context) {
	ids, err := p.runs.ListStalledRunIDs(ctx, p.now().Add(-p.stallTimeout), 100)
	if err != nil {
		p.logger.Error("pool: list stalled runs", "error", err)
		return
	}
	for _, id := range ids {
		if _, err := p.exec.Recover(ctx, id); err != nil {
			p.logger.Error("pool: recover run", "run_id", id, "error", err)
		}
	}
}
