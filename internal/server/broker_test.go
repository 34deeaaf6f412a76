package server

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/model"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(testLogger())
	tenant := uuid.New()

	// Subscribe two clients.
	ch1 := broker.Subscribe(tenant)
	ch2 := broker.Subscribe(tenant)

	// Broadcast an event.
	event := formatSSE("run.finished", `{"id":"abc"}`)
	broker.broadcast(tenant, event)

	// Both should receive it.
	select {
	case got := <-ch1:
		if string(got) != string(event) {
			t.Errorf("ch1: got %q, want %q", got, event)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch1: timed out waiting for event")
	}

	select {
	case got := <-ch2:
		if string(got) != string(event) {
			t.Errorf("ch2: got %q, want %q", got, event)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch2: timed out waiting for event")
	}

	// Unsubscribe ch1, broadcast again. Only ch2 should receive.
	broker.Unsubscribe(ch1)
	event2 := formatSSE("run.finished", `{"id":"def"}`)
	broker.broadcast(tenant, event2)

	select {
	case got := <-ch2:
		if string(got) != string(event2) {
			t.Errorf("ch2: got %q, want %q", got, event2)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch2: timed out waiting for event after ch1 unsubscribed")
	}

	broker.Unsubscribe(ch2)
}

func TestBrokerIsolatesTenants(t *testing.T) {
	broker := NewBroker(testLogger())
	mine, theirs := uuid.New(), uuid.New()
	ch := broker.Subscribe(mine)
	defer broker.Unsubscribe(ch)

	broker.Publish(model.Run{ID: uuid.New(), TenantID: theirs, Status: model.RunStatusCompleted})
	select {
	case got := <-ch:
		t.Fatalf("received another tenant's run: %q", got)
	default:
	}

	runID := uuid.New()
	broker.Publish(model.Run{ID: runID, TenantID: mine, Status: model.RunStatusFailed})
	select {
	case got := <-ch:
		s := string(got)
		if !strings.HasPrefix(s, "event: run.finished\ndata: ") || !strings.Contains(s, runID.String()) {
			t.Errorf("unexpected event %q", s)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for own tenant's run")
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("run.finished", `{"id":"123"}`))
	want := "event: run.finished\ndata: {\"id\":\"123\"}\n\n"
	if got != want {
		t.Errorf("formatSSE: got %q, want %q", got, want)
	}
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := NewBroker(testLogger())
	tenant := uuid.New()

	// Create a slow subscriber (small buffer that we won't read from).
	slow := broker.Subscribe(tenant)
	fast := broker.Subscribe(tenant)

	// Fill the slow subscriber's buffer.
	for range 65 {
		broker.broadcast(tenant, formatSSE("test", "fill"))
	}

	// Fast subscriber should still get events.
	event := formatSSE("test", "after-fill")
	broker.broadcast(tenant, event)

	select {
	case <-fast:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber should receive events even when slow subscriber is blocked")
	}

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}
