// Package memstore is an in-memory implementation of every store the engine
// depends on. It backs HIBIKI_STORAGE=memory and the engine, server and MCP
// tests. A single mutex serializes all access, which gives MutateRun the
// same read-modify-write isolation the Postgres row lock does.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/storage"
)

// Store holds all records in maps keyed by ID.
type Store struct {
	mu sync.Mutex

	tenants     map[uuid.UUID]model.Tenant
	studios     map[uuid.UUID]model.Studio
	users       map[uuid.UUID]model.User
	notes       map[uuid.UUID]model.Note
	decisions   map[uuid.UUID]model.Decision
	commitments map[uuid.UUID]model.Commitment
	events      map[uuid.UUID]model.Event
	rules       map[uuid.UUID]model.Rule
	runs        map[uuid.UUID]model.Run
	deliveries  map[uuid.UUID]deliveryRow
	tasks       map[uuid.UUID]model.AgentTask

	now func() time.Time
}

type deliveryRow struct {
	model.WebhookDelivery
	lockedUntil *time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tenants:     map[uuid.UUID]model.Tenant{},
		studios:     map[uuid.UUID]model.Studio{},
		users:       map[uuid.UUID]model.User{},
		notes:       map[uuid.UUID]model.Note{},
		decisions:   map[uuid.UUID]model.Decision{},
		commitments: map[uuid.UUID]model.Commitment{},
		events:      map[uuid.UUID]model.Event{},
		rules:       map[uuid.UUID]model.Rule{},
		runs:        map[uuid.UUID]model.Run{},
		deliveries:  map[uuid.UUID]deliveryRow{},
		tasks:       map[uuid.UUID]model.AgentTask{},
		now:         time.Now,
	}
}

// SetClock replaces the clock used for created_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func notFound(kind string, id uuid.UUID) error {
	return fmt.Errorf("memstore: %s %s: %w", kind, id, storage.ErrNotFound)
}

// Directory.

func (s *Store) CreateTenant(_ context.Context, t model.Tenant) (model.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tenants {
		if existing.Subdomain == t.Subdomain {
			return model.Tenant{}, fmt.Errorf("memstore: tenant %q: %w", t.Subdomain, storage.ErrConflict)
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	s.tenants[t.ID] = t
	return t, nil
}

func (s *Store) CreateStudio(_ context.Context, st model.Studio) (model.Studio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.studios {
		if existing.TenantID == st.TenantID && existing.Handle == st.Handle {
			return model.Studio{}, fmt.Errorf("memstore: studio %q: %w", st.Handle, storage.ErrConflict)
		}
	}
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = s.now().UTC()
	}
	s.studios[st.ID] = st
	return st, nil
}

func (s *Store) CreateUser(_ context.Context, u model.User) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.TenantID == u.TenantID && strings.EqualFold(existing.Handle, u.Handle) {
			return model.User{}, fmt.Errorf("memstore: user %q: %w", u.Handle, storage.ErrConflict)
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Type == "" {
		u.Type = model.UserTypeHuman
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, tenantID, id uuid.UUID) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || u.TenantID != tenantID {
		return nil, nil
	}
	return &u, nil
}

func (s *Store) ResolveHandle(_ context.Context, tenantID uuid.UUID, handle string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.TenantID == tenantID && strings.EqualFold(u.Handle, handle) {
			return &u, nil
		}
	}
	return nil, nil
}

func (s *Store) CreateNote(_ context.Context, n model.Note) (model.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	s.notes[n.ID] = n
	return n, nil
}

func (s *Store) CreateDecision(_ context.Context, d model.Decision) (model.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	s.decisions[d.ID] = d
	return d, nil
}

func (s *Store) CreateCommitment(_ context.Context, c model.Commitment) (model.Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	s.commitments[c.ID] = c
	return c, nil
}

// Notes returns every note in a studio, oldest first.
func (s *Store) Notes(studioID uuid.UUID) []model.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Note
	for _, n := range s.notes {
		if n.StudioID == studioID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Events.

func (s *Store) AppendEvent(_ context.Context, tenantID uuid.UUID, req model.AppendEventRequest) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return model.Event{}, notFound("tenant", tenantID)
	}
	ev := model.Event{
		ID:        uuid.New(),
		TenantID:  tenantID,
		StudioID:  req.StudioID,
		EventType: req.EventType,
		ActorID:   req.ActorID,
		Subject:   req.Subject,
		Metadata:  req.Metadata,
		CreatedAt: s.now().UTC(),
	}
	if ev.Metadata == nil {
		ev.Metadata = map[string]any{}
	}
	s.events[ev.ID] = ev
	return ev, nil
}

func (s *Store) GetHydratedEvent(_ context.Context, id uuid.UUID) (model.HydratedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return model.HydratedEvent{}, notFound("event", id)
	}
	he := model.HydratedEvent{Event: ev, Tenant: s.tenants[ev.TenantID]}
	if ev.StudioID != nil {
		if st, ok := s.studios[*ev.StudioID]; ok {
			he.Studio = &st
		}
	}
	if ev.ActorID != nil {
		if u, ok := s.users[*ev.ActorID]; ok && u.TenantID == ev.TenantID {
			he.Actor = &u
		}
	}
	if ev.Subject != nil {
		he.Subject = s.subject(ev.TenantID, *ev.Subject)
	}
	return he, nil
}

func (s *Store) subject(tenantID uuid.UUID, ref model.SubjectRef) model.Subject {
	switch ref.Kind {
	case model.SubjectKindNote:
		if n, ok := s.notes[ref.ID]; ok && n.TenantID == tenantID {
			n.StudioHandle = s.studios[n.StudioID].Handle
			return n
		}
	case model.SubjectKindDecision:
		if d, ok := s.decisions[ref.ID]; ok && d.TenantID == tenantID {
			d.StudioHandle = s.studios[d.StudioID].Handle
			return d
		}
	case model.SubjectKindCommitment:
		if c, ok := s.commitments[ref.ID]; ok && c.TenantID == tenantID {
			c.StudioHandle = s.studios[c.StudioID].Handle
			return c
		}
	}
	return nil
}

// Rules.

func (s *Store) CreateRule(_ context.Context, r model.Rule) (model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	s.rules[r.ID] = r
	return r, nil
}

func (s *Store) GetRule(_ context.Context, id uuid.UUID) (model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return model.Rule{}, notFound("rule", id)
	}
	return r, nil
}

func (s *Store) ListEventRules(_ context.Context, tenantID uuid.UUID, eventType string) ([]model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Rule
	for _, r := range s.rules {
		if r.TenantID == tenantID && r.Enabled && r.TriggerType == model.TriggerEvent &&
			r.TriggerConfig.EventType == eventType {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out, nil
}

func (s *Store) ListScheduleRules(context.Context) ([]model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Rule
	for _, r := range s.rules {
		if r.Enabled && r.TriggerType == model.TriggerSchedule {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out, nil
}

func sortRules(rules []model.Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID.String() < rules[j].ID.String()
	})
}

func (s *Store) SetRuleEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return notFound("rule", id)
	}
	r.Enabled = enabled
	s.rules[id] = r
	return nil
}

// Runs.

func cloneRun(r model.Run) model.Run {
	r.ActionsExecuted = slices.Clone(r.ActionsExecuted)
	if r.ActionsExecuted == nil {
		r.ActionsExecuted = []model.ActionEntry{}
	}
	return r
}

func (s *Store) CreateRun(_ context.Context, run model.Run) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}
	if run.TriggerData == nil {
		run.TriggerData = map[string]any{}
	}
	run = cloneRun(run)
	s.runs[run.ID] = run
	return cloneRun(run), nil
}

func (s *Store) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return model.Run{}, notFound("run", id)
	}
	return cloneRun(r), nil
}

func (s *Store) ListRuns(_ context.Context, f model.RunFilter) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Limit <= 0 {
		f.Limit = 50
	}
	matched := []model.Run{}
	for _, r := range s.runs {
		if r.TenantID != f.TenantID || r.TriggerSource == model.SourceTest {
			continue
		}
		if f.RuleID != nil && r.RuleID != *f.RuleID {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		matched = append(matched, cloneRun(r))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() > matched[j].ID.String()
	})
	if f.Offset >= len(matched) {
		return []model.Run{}, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *Store) CountRuns(_ context.Context, ruleID uuid.UUID, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.runs {
		if r.RuleID != ruleID || r.TriggerSource == model.SourceTest {
			continue
		}
		if !since.IsZero() && r.CreatedAt.Before(since) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) ListPendingRunIDs(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []model.Run
	for _, r := range s.runs {
		if r.Status == model.RunStatusPending {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	ids := make([]uuid.UUID, 0, min(limit, len(pending)))
	for i := 0; i < len(pending) && i < limit; i++ {
		ids = append(ids, pending[i].ID)
	}
	return ids, nil
}

func (s *Store) ListStalledRunIDs(_ context.Context, claimedBefore time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stalled []model.Run
	for _, r := range s.runs {
		if r.Status == model.RunStatusRunning && r.ActionsRecordedAt == nil &&
			r.ClaimedAt != nil && r.ClaimedAt.Before(claimedBefore) {
			stalled = append(stalled, r)
		}
	}
	sort.Slice(stalled, func(i, j int) bool { return stalled[i].ClaimedAt.Before(*stalled[j].ClaimedAt) })
	ids := make([]uuid.UUID, 0, min(limit, len(stalled)))
	for i := 0; i < len(stalled) && i < limit; i++ {
		ids = append(ids, stalled[i].ID)
	}
	return ids, nil
}

func (s *Store) MutateRun(_ context.Context, id uuid.UUID, fn func(*model.Run, []model.SubResourceState) error) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[id]
	if !ok {
		return model.Run{}, notFound("run", id)
	}
	run := cloneRun(stored)
	if err := fn(&run, s.subResources(id)); err != nil {
		return model.Run{}, err
	}
	// Only the mutable columns are written back, as in Postgres.
	stored.Status = run.Status
	stored.ActionsExecuted = slices.Clone(run.ActionsExecuted)
	stored.ErrorMessage = run.ErrorMessage
	stored.ClaimedAt = run.ClaimedAt
	stored.StartedAt = run.StartedAt
	stored.ActionsRecordedAt = run.ActionsRecordedAt
	stored.CompletedAt = run.CompletedAt
	s.runs[id] = stored
	return cloneRun(stored), nil
}

func (s *Store) subResources(runID uuid.UUID) []model.SubResourceState {
	var out []model.SubResourceState
	for _, d := range s.deliveries {
		if d.RunID == nil || *d.RunID != runID {
			continue
		}
		st := model.SubResourceState{
			Kind:      model.SubResourceDelivery,
			ID:        d.ID,
			Terminal:  d.Status.Terminal(),
			Succeeded: d.Status == model.DeliverySuccess,
		}
		if d.ErrorMessage != nil {
			st.Error = *d.ErrorMessage
		}
		out = append(out, st)
	}
	for _, t := range s.tasks {
		if t.RunID == nil || *t.RunID != runID {
			continue
		}
		st := model.SubResourceState{
			Kind:      model.SubResourceAgentTask,
			ID:        t.ID,
			Terminal:  t.Status.Terminal(),
			Succeeded: t.Status == model.TaskCompleted,
		}
		switch {
		case t.ErrorMessage != nil:
			st.Error = *t.ErrorMessage
		case t.Status == model.TaskCancelled:
			st.Error = "Task cancelled"
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (s *Store) MarkRunStarted(_ context.Context, runID uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.StartedAt != nil {
		return false, nil
	}
	run.StartedAt = &at
	s.runs[runID] = run
	if rule, ok := s.rules[run.RuleID]; ok {
		rule.ExecutionCount++
		rule.LastExecutedAt = &at
		s.rules[rule.ID] = rule
	}
	return true, nil
}

// Deliveries.

func (s *Store) CreateDelivery(_ context.Context, d model.WebhookDelivery) (model.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	s.deliveries[d.ID] = deliveryRow{WebhookDelivery: d}
	return d, nil
}

func (s *Store) GetDelivery(_ context.Context, id uuid.UUID) (model.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return model.WebhookDelivery{}, notFound("delivery", id)
	}
	return d.WebhookDelivery, nil
}

func (s *Store) ClaimDelivery(_ context.Context, id uuid.UUID, now time.Time, lease time.Duration) (model.WebhookDelivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok || d.Status.Terminal() || (d.lockedUntil != nil && !d.lockedUntil.Before(now)) {
		return model.WebhookDelivery{}, false, nil
	}
	until := now.Add(lease)
	d.lockedUntil = &until
	s.deliveries[id] = d
	return d.WebhookDelivery, true, nil
}

func (s *Store) ClaimDueDeliveries(_ context.Context, now time.Time, lease time.Duration, limit int) ([]model.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []deliveryRow
	for _, d := range s.deliveries {
		if d.Status.Terminal() {
			continue
		}
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(now) {
			continue
		}
		if d.lockedUntil != nil && !d.lockedUntil.Before(now) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	until := now.Add(lease)
	out := make([]model.WebhookDelivery, 0, len(due))
	for _, d := range due {
		d.lockedUntil = &until
		s.deliveries[d.ID] = d
		out = append(out, d.WebhookDelivery)
	}
	return out, nil
}

func (s *Store) RecordDeliveryAttempt(_ context.Context, a model.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[a.DeliveryID]
	if !ok {
		return notFound("delivery", a.DeliveryID)
	}
	if d.Status.Terminal() {
		return fmt.Errorf("memstore: delivery %s already terminal: %w", a.DeliveryID, storage.ErrConflict)
	}
	d.Status = a.Status
	d.AttemptCount = a.AttemptCount
	d.NextAttemptAt = a.NextAttemptAt
	d.DeliveredAt = a.DeliveredAt
	d.ResponseCode = a.ResponseCode
	d.ResponseBody = a.ResponseBody
	d.ErrorMessage = a.ErrorMessage
	d.lockedUntil = nil
	s.deliveries[d.ID] = d
	return nil
}

func (s *Store) ListRunDeliveries(_ context.Context, runID uuid.UUID) ([]model.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WebhookDelivery
	for _, d := range s.deliveries {
		if d.RunID != nil && *d.RunID == runID {
			out = append(out, d.WebhookDelivery)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Tasks.

func (s *Store) CreateTask(_ context.Context, t model.AgentTask) (model.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	if t.Status == "" {
		t.Status = model.TaskQueued
	}
	s.tasks[t.ID] = t
	return t, nil
}

func (s *Store) GetTask(_ context.Context, id uuid.UUID) (model.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.AgentTask{}, notFound("task", id)
	}
	return t, nil
}

func (s *Store) SetTaskStatus(_ context.Context, id uuid.UUID, status model.TaskStatus, errMsg *string, at time.Time) (model.AgentTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.AgentTask{}, false, notFound("task", id)
	}
	if t.Status.Terminal() {
		return t, false, nil
	}
	t.Status = status
	t.ErrorMessage = errMsg
	if status.Terminal() {
		t.CompletedAt = &at
	}
	s.tasks[id] = t
	return t, true, nil
}

// Tasks returns every task owned by a run.
func (s *Store) Tasks(runID uuid.UUID) []model.AgentTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AgentTask
	for _, t := range s.tasks {
		if t.RunID != nil && *t.RunID == runID {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) ListRunTasks(_ context.Context, runID uuid.UUID) ([]model.AgentTask, error) {
	out := s.Tasks(runID)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
