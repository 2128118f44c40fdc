package mcp

import (
	"context"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/hassgate/internal/hass"
)

// Config holds MCP server configuration.
type Config struct {
	Hub *hass.Hub
	// ReadWrite registers the service call tool.
	ReadWrite bool
	// SSHEnabled registers the full log tool.
	SSHEnabled bool
	Version    string
	Logger     *slog.Logger
}

// Server wraps the MCP SDK server with the hub tools.
type Server struct {
	mcpServer *mcpsdk.Server
	hub       *hass.Hub
	logger    *slog.Logger
	tools     []string
}

// New creates an MCP server and registers the tools the configuration enables.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		hub:    cfg.Hub,
		logger: logger,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "hassgate",
			Version: version,
		},
		nil,
	)

	s.registerTools(cfg)
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// MCPServer exposes the underlying SDK server, e.g. to connect an in-memory
// transport.
func (s *Server) MCPServer() *mcpsdk.Server {
	return s.mcpServer
}

// Tools lists the registered tool names in registration order.
func (s *Server) Tools() []string {
	return append([]string(nil), s.tools...)
}

func addTool[In, Out any](s *Server, name, description string, h mcpsdk.ToolHandlerFor[In, Out]) {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{Name: name, Description: description}, h)
	s.tools = append(s.tools, name)
}

// registerTools adds the read tools, then the mutating and SSH tools when
// enabled. A call to a tool that is not registered never reaches the hub;
// registered tools are still authorized on every call.
func (s *Server) registerTools(cfg Config) {
	addTool(s, hass.ToolPing,
		"Check Home Assistant connectivity and get version info.", s.handlePing)
	addTool(s, hass.ToolListEntities,
		"List all entities in Home Assistant, optionally filtered by domain (e.g., 'light', 'sensor', 'switch').", s.handleListEntities)
	addTool(s, hass.ToolGetEntity,
		"Get the current state and attributes of a specific entity.", s.handleGetEntity)
	addTool(s, hass.ToolSearchEntities,
		"Search for entities by name, ID, or attributes.", s.handleSearchEntities)
	addTool(s, hass.ToolGetHistory,
		"Get state history for an entity or all entities over a time period.", s.handleHistory)
	addTool(s, hass.ToolGetLogbook,
		"Get logbook events showing what happened in Home Assistant.", s.handleLogbook)
	addTool(s, hass.ToolGetErrorLog,
		"Get the Home Assistant error log.", s.handleErrorLog)
	addTool(s, hass.ToolGetLovelace,
		"Get the Lovelace dashboard configuration via WebSocket API.", s.handleLovelace)
	addTool(s, hass.ToolListDashboards,
		"List the Lovelace dashboards configured in the UI.", s.handleDashboards)
	addTool(s, hass.ToolCheckService,
		"Check whether a service call would be allowed by the gateway policy without calling it (dry-run).", s.handleCheckService)

	if cfg.ReadWrite {
		addTool(s, hass.ToolCallService,
			"Call a Home Assistant service (e.g., turn on lights, set temperature). "+
				"Only allowed services can be called based on HA_ALLOWED_SERVICES configuration.", s.handleCallService)
	}
	if cfg.SSHEnabled {
		addTool(s, hass.ToolGetFullLogs,
			"Get full Home Assistant logs via SSH. Requires SSH access to the HA host.", s.handleFullLogs)
	}
}
