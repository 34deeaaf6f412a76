// Package render interpolates {{dot.path}} tokens in rule-authored templates
// and builds the template context from an event.
//
// Rendering is single pass: substituted values are HTML-escaped and never
// re-scanned, so a value containing "{{...}}" is emitted literally.
package render

import (
	"html"
	"regexp"

	"github.com/ashita-ai/hibiki/internal/condition"
	"github.com/ashita-ai/hibiki/internal/model"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Render replaces every {{dot.path}} token with the escaped string form of
// the value at that path. Unresolved paths render as the empty string.
func Render(template string, ctx map[string]any) string {
	if template == "" {
		return ""
	}
	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		m := tokenPattern.FindStringSubmatch(token)
		if len(m) < 2 {
			return ""
		}
		return html.EscapeString(condition.Stringify(condition.ResolveFieldPath(m[1], ctx)))
	})
}

// RenderValue renders every string found in a nested structure of maps and
// lists. Non-string leaves are returned unchanged.
func RenderValue(v any, ctx map[string]any) any {
	switch t := v.(type) {
	case string:
		return Render(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = RenderValue(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = RenderValue(val, ctx)
		}
		return out
	default:
		return v
	}
}

// RenderHeaders renders header values. Header names are taken literally.
func RenderHeaders(headers map[string]string, ctx map[string]any) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = Render(v, ctx)
	}
	return out
}

// ContextFromEvent builds the template and condition context for an event:
//
//	{event: {id, type, metadata, actor: {id, name, handle} | nil},
//	 subject: {id, type, path} | nil,
//	 studio: {id, handle, name} | nil}
func ContextFromEvent(ev *model.HydratedEvent) map[string]any {
	if ev == nil {
		return map[string]any{"event": nil, "subject": nil, "studio": nil}
	}

	var actor any
	if ev.Actor != nil {
		actor = map[string]any{
			"id":     ev.Actor.ID.String(),
			"name":   ev.Actor.Name,
			"handle": ev.Actor.Handle,
		}
	}

	metadata := ev.Event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	var subject any
	if ev.Subject != nil {
		subject = map[string]any{
			"id":   ev.Subject.SubjectID().String(),
			"type": ev.Subject.TypeName(),
			"path": ev.Subject.Path(),
		}
	}

	var studio any
	if ev.Studio != nil {
		studio = map[string]any{
			"id":     ev.Studio.ID.String(),
			"handle": ev.Studio.Handle,
			"name":   ev.Studio.Name,
		}
	}

	return map[string]any{
		"event": map[string]any{
			"id":       ev.Event.ID.String(),
			"type":     ev.Event.EventType,
			"metadata": metadata,
			"actor":    actor,
		},
		"subject": subject,
		"studio":  studio,
	}
}
