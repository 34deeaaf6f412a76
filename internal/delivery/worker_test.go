package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/model"
)

func TestWorkerFastPathAndPoller(t *testing.T) {
	h := newHarness(t)
	h.svc.now = time.Now
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Held back from the poller: only the fast path can send it.
	future := time.Now().Add(time.Hour)
	held := h.deliveryAt(t, srv.URL, &future)

	// Due and never enqueued: only the poller can send it.
	due := h.delivery(t, srv.URL)

	w := NewWorker(h.svc, h.store, h.svc.logger, 20*time.Millisecond, 10, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.Enqueue(held.ID)

	require.Eventually(t, func() bool {
		return h.get(t, held.ID).Status == model.DeliverySuccess &&
			h.get(t, due.ID).Status == model.DeliverySuccess
	}, 5*time.Second, 10*time.Millisecond)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	w.Drain(drainCtx)
	assert.EqualValues(t, 2, calls.Load())
}

func TestWorkerDrainWithoutStart(t *testing.T) {
	h := newHarness(t)
	w := NewWorker(h.svc, h.store, h.svc.logger, time.Second, 1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Drain(ctx)
	assert.NoError(t, ctx.Err(), "drain of an idle worker returns immediately")
}
