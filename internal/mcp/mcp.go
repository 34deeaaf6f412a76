// Package mcp implements the Model Context Protocol server for hibiki.
//
// The MCP server exposes run history and rule triggers through MCP tools,
// resources and prompts, so MCP-compatible agents can inspect and fire
// automations with the same tenant-scoped token the HTTP API accepts.
package mcp

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hibiki/internal/engine"
	"github.com/ashita-ai/hibiki/internal/model"
)

// Store is the run history the MCP server reads.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, error)
	ListRunDeliveries(ctx context.Context, runID uuid.UUID) ([]model.WebhookDelivery, error)
	ListRunTasks(ctx context.Context, runID uuid.UUID) ([]model.AgentTask, error)
}

// Server wraps the MCP server with hibiki's engine and run store.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    *engine.Engine
	store     Store
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(eng *engine.Engine, store Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		engine: eng,
		store:  store,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"hibiki",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions("hibiki runs automation rules. Use hibiki_list_runs and hibiki_get_run "+
			"to inspect what rules did, hibiki_trigger_rule to fire a rule by hand, and "+
			"hibiki_append_event to record an event that event rules react to."),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
