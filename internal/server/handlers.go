package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/engine"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/storage"
)

// Store is the read side the HTTP API needs beyond the engine.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, error)
	GetTask(ctx context.Context, id uuid.UUID) (model.AgentTask, error)
	ListRunDeliveries(ctx context.Context, runID uuid.UUID) ([]model.WebhookDelivery, error)
	ListRunTasks(ctx context.Context, runID uuid.UUID) ([]model.AgentTask, error)
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              *engine.Engine
	store               Store
	broker              *Broker
	logger              *slog.Logger
	version             string
	storageKind         string
	maxRequestBodyBytes int64
	hookTolerance       time.Duration
	startedAt           time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Engine              *engine.Engine
	Store               Store
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	StorageKind         string
	MaxRequestBodyBytes int64
	// HookTolerance bounds the clock skew accepted on signed inbound hooks.
	HookTolerance time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	if d.HookTolerance <= 0 {
		d.HookTolerance = 5 * time.Minute
	}
	return &Handlers{
		engine:              d.Engine,
		store:               d.Store,
		broker:              d.Broker,
		logger:              d.Logger,
		version:             d.Version,
		storageKind:         d.StorageKind,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		hookTolerance:       d.HookTolerance,
		startedAt:           time.Now(),
	}
}

// HandleAppendEvent handles POST /v1/events. The event is appended to the
// ledger and dispatched synchronously; matched runs execute in the background.
func (h *Handlers) HandleAppendEvent(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.AppendEventRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.EventType = strings.TrimSpace(req.EventType)
	if req.EventType == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "event_type is required")
		return
	}
	if req.Subject != nil && (req.Subject.Kind == "" || req.Subject.ID == uuid.Nil) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject requires kind and id")
		return
	}

	ev, runIDs, err := h.engine.Ingest(r.Context(), claims.TenantID, req)
	if err != nil && ev.ID == uuid.Nil {
		h.writeInternalError(w, r, "failed to append event", err)
		return
	}
	if err != nil {
		// Appended but not dispatched: the event exists, runs do not.
		h.logger.Warn("events: appended without dispatch", "event_id", ev.ID, "error", err)
	}
	if runIDs == nil {
		runIDs = []uuid.UUID{}
	}
	writeJSON(w, r, http.StatusCreated, model.DispatchResponse{EventID: ev.ID, RunIDs: runIDs})
}

// HandleSubscribe handles GET /v1/runs/stream (SSE). Each finished run of
// the caller's tenant is pushed as a run.finished event.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "run stream not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(ClaimsFromContext(r.Context()).TenantID)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	if h.storageKind != "" && storageStatus == "connected" {
		storageStatus = h.storageKind
	}

	depth := 0
	if h.engine != nil {
		depth = h.engine.QueueDepth()
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:     status,
		Version:    h.version,
		Storage:    storageStatus,
		QueueDepth: depth,
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	})
}

// writeEngineError maps trigger and dispatch errors to responses.
func (h *Handlers) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrRuleNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "rule not found")
	case errors.Is(err, engine.ErrRuleDisabled):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "rule is disabled")
	case errors.Is(err, engine.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "rule run ceiling reached")
	case errors.Is(err, engine.ErrWrongTrigger),
		errors.Is(err, engine.ErrInvalidSource),
		errors.Is(err, engine.ErrEventNotInRule):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, strings.TrimPrefix(err.Error(), "engine: "))
	default:
		h.writeInternalError(w, r, "trigger failed", err)
	}
}

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// parsePathID parses a UUID path parameter.
func parsePathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := parseUUID(r.PathValue(name))
	if err != nil {
		return uuid.Nil, errors.New("invalid " + name)
	}
	return id, nil
}

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(s))
}

const (
	maxQueryLimit  = 1000
	maxQueryOffset = 100000
)

// queryInt reads an integer query parameter with a fallback.
func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// queryOffset reads the offset parameter, clamped to [0, maxQueryOffset].
func queryOffset(r *http.Request) int {
	v := queryInt(r, "offset", 0)
	if v < 0 {
		return 0
	}
	if v > maxQueryOffset {
		return maxQueryOffset
	}
	return v
}

// queryLimit reads the limit parameter, clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	v := queryInt(r, "limit", defaultVal)
	if v <= 0 {
		return defaultVal
	}
	if v > maxQueryLimit {
		return maxQueryLimit
	}
	return v
}
