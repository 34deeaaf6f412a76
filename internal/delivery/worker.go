package delivery

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Worker runs deliveries in the background. Fresh deliveries arrive on an
// in-memory queue (Enqueue); retries and anything the queue dropped are
// found by polling the store for due rows.
type Worker struct {
	service      *Service
	store        Store
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	queue chan uuid.UUID
	wake  chan struct{}

	started    atomic.Bool
	cancelLoop context.CancelFunc
	inflight   sync.WaitGroup
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewWorker creates a delivery worker.
func NewWorker(service *Service, store Store, logger *slog.Logger, pollInterval time.Duration, batchSize, queueSize int) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Worker{
		service:      service,
		store:        store,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		queue:        make(chan uuid.UUID, queueSize),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Enqueue schedules an immediate attempt. It never blocks: when the queue
// is full the delivery stays pending and the poller picks it up.
func (w *Worker) Enqueue(id uuid.UUID) {
	select {
	case w.queue <- id:
	default:
		w.logger.Warn("delivery: queue full, deferring to poller", "delivery_id", id)
	}
}

// Wake triggers a poll without waiting for the next tick. Used when another
// instance signals new work.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start begins the fast path and the poll loop. It is safe to call only
// once; subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("delivery: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.fastPath(loopCtx)
	go w.pollLoop(loopCtx)
}

// Drain stops accepting queued work, runs one final poll, and blocks until
// done or ctx expires.
func (w *Worker) Drain(ctx context.Context) {
	if !w.started.Load() {
		return
	}
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("delivery: drain timed out")
	}
}

func (w *Worker) fastPath(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-w.queue:
			w.inflight.Add(1)
			if err := w.service.Deliver(ctx, id); err != nil {
				w.logger.Error("delivery: deliver", "delivery_id", id, "error", err)
			}
			w.inflight.Done()
		}
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.inflight.Wait()
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			w.processBatch(ctx)
		case <-w.wake:
			w.processBatch(ctx)
		}
	}
}

// processBatch claims due deliveries and attempts each. Claimed rows carry
// a lease, so a crash mid-batch only delays them until the lease expires.
func (w *Worker) processBatch(ctx context.Context) int {
	due, err := w.store.ClaimDueDeliveries(ctx, w.service.now(), w.service.lease, w.batchSize)
	if err != nil {
		w.logger.Error("delivery: claim due", "error", err)
		return 0
	}
	for _, d := range due {
		if err := w.service.attempt(ctx, d); err != nil {
			w.logger.Error("delivery: attempt", "delivery_id", d.ID, "error", err)
		}
	}
	return len(due)
}
