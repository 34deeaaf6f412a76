package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/model"
)

// sseEventRunFinished is the SSE event name for terminal run transitions.
const sseEventRunFinished = "run.finished"

// Broker fans out finished runs to SSE subscribers of the run's tenant.
// Publish is wired to the tracker's finish hook and never blocks.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]uuid.UUID
}

// NewBroker creates a new SSE broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]uuid.UUID),
	}
}

// Publish formats run as an SSE event and sends it to every subscriber of
// the run's tenant.
func (b *Broker) Publish(run model.Run) {
	data, err := json.Marshal(run)
	if err != nil {
		b.logger.Warn("broker: marshal run", "run_id", run.ID, "error", err)
		return
	}
	b.broadcast(run.TenantID, formatSSE(sseEventRunFinished, string(data)))
}

// Subscribe returns a channel that receives SSE-formatted events for tenantID.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(tenantID uuid.UUID) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = tenantID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers of tenantID. Slow subscribers
// that have a full buffer are skipped (their event is dropped) to prevent
// one slow client from blocking all others.
func (b *Broker) broadcast(tenantID uuid.UUID, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, tid := range b.subscribers {
		if tid != tenantID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
