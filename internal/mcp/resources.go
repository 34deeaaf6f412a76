package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/hibiki/internal/ctxutil"
	"github.com/ashita-ai/hibiki/internal/model"
)

const (
	uriRecentRuns = "hibiki://runs/recent"
	uriFailedRuns = "hibiki://runs/failed"
	uriRunPrefix  = "hibiki://runs/"
)

func (s *Server) registerResources() {
	// hibiki://runs/recent — latest runs of the caller's tenant.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriRecentRuns,
			"Recent Runs",
			mcplib.WithResourceDescription("The 20 most recent automation runs"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentRuns,
	)

	// hibiki://runs/failed — latest failed runs.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriFailedRuns,
			"Failed Runs",
			mcplib.WithResourceDescription("The 20 most recent failed automation runs"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleFailedRuns,
	)

	// hibiki://runs/{id} — one run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"hibiki://runs/{id}",
			"Run",
			mcplib.WithTemplateDescription("One automation run with its action log"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRun,
	)
}

func (s *Server) handleRecentRuns(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return s.runList(ctx, uriRecentRuns, nil)
}

func (s *Server) handleFailedRuns(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	failed := model.RunStatusFailed
	return s.runList(ctx, uriFailedRuns, &failed)
}

func (s *Server) runList(ctx context.Context, uri string, status *model.RunStatus) ([]mcplib.ResourceContents, error) {
	tenantID := ctxutil.TenantIDFromContext(ctx)
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("mcp: no tenant in request context")
	}
	runs, err := s.store.ListRuns(ctx, model.RunFilter{TenantID: tenantID, Status: status, Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: list runs: %w", err)
	}
	compact := make([]map[string]any, 0, len(runs))
	for _, r := range runs {
		compact = append(compact, compactRun(r))
	}
	return textResource(uri, map[string]any{"summary": summarizeRuns(runs), "runs": compact})
}

func (s *Server) handleRun(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := uuid.Parse(strings.TrimPrefix(uri, uriRunPrefix))
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	run, err := s.store.GetRun(ctx, id)
	if err != nil || run.TenantID != ctxutil.TenantIDFromContext(ctx) {
		return nil, fmt.Errorf("mcp: run %s not found", id)
	}
	return textResource(uri, run)
}

func textResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
