// Package internalaction runs the named in-process actions a general rule
// can invoke with an internal_action step.
package internalaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

// Built-in action names.
const (
	ActionCreateNote = "create_note"
	ActionLog        = "log"
)

// ErrAlreadyRegistered is returned when a name is registered twice.
var ErrAlreadyRegistered = errors.New("internalaction: already registered")

// Handler executes one internal action. Returning an error records the
// action as failed; it never fails the run.
type Handler func(ctx context.Context, req model.InternalActionRequest) (model.InternalActionOutcome, error)

// NoteStore is what create_note writes to.
type NoteStore interface {
	CreateNote(ctx context.Context, n model.Note) (model.Note, error)
}

// Registry maps action names to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
	executed metric.Int64Counter
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	executed, _ := telemetry.Meter("hibiki/internalaction").Int64Counter("hibiki.internal_actions.executed",
		metric.WithDescription("Internal actions executed, by name and result"))
	return &Registry{handlers: make(map[string]Handler), logger: logger, executed: executed}
}

// NewDefault creates a registry with the built-in actions registered.
func NewDefault(notes NoteStore, logger *slog.Logger) *Registry {
	r := New(logger)
	_ = r.Register(ActionCreateNote, CreateNote(notes))
	_ = r.Register(ActionLog, Log(logger))
	return r
}

// Register adds a handler under name. Names are case-insensitive.
func (r *Registry) Register(name string, h Handler) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || h == nil {
		return fmt.Errorf("internalaction: register: name and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("internalaction: %q: %w", key, ErrAlreadyRegistered)
	}
	r.handlers[key] = h
	return nil
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named action. Unknown names yield an unsupported outcome
// rather than an error.
func (r *Registry) Execute(ctx context.Context, req model.InternalActionRequest) (model.InternalActionOutcome, error) {
	key := strings.ToLower(strings.TrimSpace(req.Action))
	r.mu.RLock()
	h, ok := r.handlers[key]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("internalaction: unsupported action", "action", req.Action, "rule_id", req.RuleID, "run_id", req.RunID)
		r.record(ctx, key, model.ActionUnsupported)
		return model.InternalActionOutcome{Result: model.ActionUnsupported}, nil
	}

	out, err := h(ctx, req)
	if err != nil {
		r.record(ctx, key, model.ActionFailed)
		return model.InternalActionOutcome{}, err
	}
	if out.Result == "" {
		out.Result = model.ActionSucceeded
	}
	r.record(ctx, key, out.Result)
	return out, nil
}

func (r *Registry) record(ctx context.Context, name string, result model.ActionResult) {
	r.executed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", name),
		attribute.String("result", string(result)),
	))
}

// CreateNote returns the create_note handler. It creates a note in the
// run's studio, authored by the request actor. Params: title, text.
// A note with neither is skipped.
func CreateNote(notes NoteStore) Handler {
	return func(ctx context.Context, req model.InternalActionRequest) (model.InternalActionOutcome, error) {
		title := stringParam(req.Params, "title")
		text := stringParam(req.Params, "text")
		if title == "" && text == "" {
			return model.InternalActionOutcome{
				Result: model.ActionSkipped,
				Detail: map[string]any{"reason": "title and text are empty"},
			}, nil
		}
		note, err := notes.CreateNote(ctx, model.Note{
			TenantID:    req.TenantID,
			StudioID:    req.StudioID,
			NoteTitle:   title,
			Text:        text,
			CreatedByID: req.ActorID,
		})
		if err != nil {
			return model.InternalActionOutcome{}, fmt.Errorf("create note: %w", err)
		}
		return model.InternalActionOutcome{
			Result: model.ActionSucceeded,
			Detail: map[string]any{"note_id": note.ID.String(), "title": note.NoteTitle},
		}, nil
	}
}

// Log returns the log handler, which writes params.message at info level.
func Log(logger *slog.Logger) Handler {
	return func(_ context.Context, req model.InternalActionRequest) (model.InternalActionOutcome, error) {
		msg := stringParam(req.Params, "message")
		logger.Info("internalaction: log", "message", msg, "rule_id", req.RuleID, "run_id", req.RunID, "tenant_id", req.TenantID)
		return model.InternalActionOutcome{Result: model.ActionSucceeded, Detail: map[string]any{"message": msg}}, nil
	}
}

func stringParam(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
