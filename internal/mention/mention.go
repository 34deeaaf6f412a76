// Package mention decides whether an event's subject mentions the agents a
// rule cares about.
package mention

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"

	"github.com/ashita-ai/hibiki/internal/model"
)

var handlePattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9_.@-])@([A-Za-z0-9_-]+)`)

// HandleResolver looks up a user by handle within a tenant. A missing
// handle is reported as (nil, nil).
type HandleResolver interface {
	ResolveHandle(ctx context.Context, tenantID uuid.UUID, handle string) (*model.User, error)
}

// Filter applies rule mention filters to events.
type Filter struct {
	resolver HandleResolver
	logger   *slog.Logger
	group    singleflight.Group
}

// NewFilter creates a Filter backed by resolver.
func NewFilter(resolver HandleResolver, logger *slog.Logger) *Filter {
	return &Filter{
		resolver: resolver,
		logger:   logger,
	}
}

// ExtractHandles returns the distinct @handles in text, case-folded, in
// order of first appearance.
func ExtractHandles(text string) []string {
	matches := handlePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	// A Caser is stateful and must not be shared between goroutines.
	fold := cases.Fold()
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		h := fold.String(m[1])
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// Matches reports whether ev passes filter for a rule targeting targetAgent.
//
// A blank filter always passes. "self" passes when targetAgent is mentioned;
// "any_agent" passes when any mentioned user is an agent. Unknown filters,
// subjects without text and resolver failures do not pass.
func (f *Filter) Matches(ctx context.Context, ev *model.HydratedEvent, targetAgent *uuid.UUID, filter string) bool {
	if filter == "" {
		return true
	}
	if filter != model.MentionFilterSelf && filter != model.MentionFilterAnyAgent {
		return false
	}
	if ev == nil || ev.Subject == nil {
		return false
	}
	if filter == model.MentionFilterSelf && targetAgent == nil {
		return false
	}

	text := model.SubjectText(ev.Subject)
	if text == "" {
		return false
	}

	for _, handle := range ExtractHandles(text) {
		user, err := f.resolve(ctx, ev.Event.TenantID, handle)
		if err != nil {
			f.logger.Warn("mention: resolve handle failed",
				"tenant_id", ev.Event.TenantID, "handle", handle, "error", err)
			continue
		}
		if user == nil {
			continue
		}
		switch filter {
		case model.MentionFilterSelf:
			if user.ID == *targetAgent {
				return true
			}
		case model.MentionFilterAnyAgent:
			if user.IsAgent() {
				return true
			}
		}
	}
	return false
}

// resolve collapses concurrent lookups of the same handle. Dispatching one
// event against many rules asks for the same handles repeatedly.
func (f *Filter) resolve(ctx context.Context, tenantID uuid.UUID, handle string) (*model.User, error) {
	v, err, _ := f.group.Do(tenantID.String()+"/"+handle, func() (any, error) {
		return f.resolver.ResolveHandle(ctx, tenantID, handle)
	})
	if err != nil {
		return nil, err
	}
	user, _ := v.(*model.User)
	return user, nil
}
