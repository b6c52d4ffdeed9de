package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/glyphware/grimoire/internal/httpapi"
	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/internal/tools"
)

// GrimoireServerDeps holds the dependencies for creating a GrimoireServer.
type GrimoireServerDeps struct {
	Service  httpapi.ExecutionService
	Store    store.Store
	Tools    tools.Registry
	Sessions *SessionRegistry
	Logger   *slog.Logger
}

// GrimoireServer wraps an MCP server with spell execution tool handlers, so
// agents can cast spells and watch them run.
type GrimoireServer struct {
	service   httpapi.ExecutionService
	store     store.Store
	tools     tools.Registry
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewGrimoireServer creates a new GrimoireServer with all tools registered.
func NewGrimoireServer(deps GrimoireServerDeps) *GrimoireServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &GrimoireServer{
		service:  deps.Service,
		store:    deps.Store,
		tools:    deps.Tools,
		sessions: sessions,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"grimoire",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Grimoire chains AI tools into spells and runs them. Use grimoire.cast to start a spell, grimoire.status to check a cast, grimoire.records to inspect per-step results, and grimoire.tools to list available tools."),
	)

	mcpSrv.AddTools(s.serverTools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *GrimoireServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *GrimoireServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the session registry, shared with the agent notifier.
func (s *GrimoireServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *GrimoireServer) serverTools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: castTool(), Handler: s.handleCast},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: recordsTool(), Handler: s.handleRecords},
		{Tool: toolsTool(), Handler: s.handleTools},
	}
}

// --- Tool definitions ---

func castTool() mcp.Tool {
	return mcp.NewTool("grimoire.cast",
		mcp.WithDescription("Start a cast of a registered spell"),
		mcp.WithString("spell_id", mcp.Required(), mcp.Description("ID of the spell to cast")),
		mcp.WithString("initiator_id", mcp.Required(), mcp.Description("ID of the agent casting the spell")),
		mcp.WithObject("overrides", mcp.Description("Initial pipeline inputs, available to mapping rules as inputs.*")),
		mcp.WithString("platform", mcp.Description("Notification platform (slack, webhook, websocket, agent)")),
		mcp.WithString("target_id", mcp.Description("Delivery target: channel, URL, or connection ID")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("grimoire.status",
		mcp.WithDescription("Get the status, cost, and step list of a cast"),
		mcp.WithString("cast_id", mcp.Required(), mcp.Description("ID of the cast to query")),
	)
}

func recordsTool() mcp.Tool {
	return mcp.NewTool("grimoire.records",
		mcp.WithDescription("List the generation records of a cast with outputs and errors"),
		mcp.WithString("cast_id", mcp.Required(), mcp.Description("ID of the cast to inspect")),
	)
}

func toolsTool() mcp.Tool {
	return mcp.NewTool("grimoire.tools",
		mcp.WithDescription("List the tools spells can invoke"),
	)
}
