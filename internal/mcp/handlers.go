package mcp

import (
	"context"
	"errors"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/hassgate/internal/dispatch"
	"github.com/ppiankov/hassgate/internal/hass"
)

// CodeInternal marks errors outside the dispatch taxonomy.
const CodeInternal = "internal_error"

// --- Input/Output types ---

// ToolError is the structured error returned with IsError results.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Output wraps every tool result: exactly one of Result and Error is set.
type Output[T any] struct {
	Result *T         `json:"result,omitempty"`
	Error  *ToolError `json:"error,omitempty"`
}

// EmptyInput is used by tools without parameters.
type EmptyInput struct{}

// ListEntitiesInput defines parameters for ha_list_entities.
type ListEntitiesInput struct {
	Domain string `json:"domain,omitempty" jsonschema:"optional domain to filter by (e.g. light, sensor, climate)"`
}

// GetEntityInput defines parameters for ha_get_entity.
type GetEntityInput struct {
	EntityID string `json:"entity_id" jsonschema:"the entity ID (e.g. light.living_room, sensor.temperature)"`
}

// SearchInput defines parameters for ha_search_entities.
type SearchInput struct {
	Query string `json:"query" jsonschema:"search query matched against entity IDs, friendly names and attributes"`
}

// WindowInput defines parameters for ha_get_history and ha_get_logbook.
type WindowInput struct {
	EntityID string `json:"entity_id,omitempty" jsonschema:"optional entity ID; omit for all entities (limited)"`
	Hours    int    `json:"hours,omitempty" jsonschema:"number of hours to retrieve (default 24, max 168)"`
}

// LovelaceInput defines parameters for ha_get_lovelace_config.
type LovelaceInput struct {
	Force   bool   `json:"force,omitempty" jsonschema:"force reload configuration from storage"`
	URLPath string `json:"url_path,omitempty" jsonschema:"dashboard URL path; omit for the default dashboard"`
}

// ServiceInput defines parameters for ha_call_service.
type ServiceInput struct {
	Domain  string         `json:"domain" jsonschema:"service domain (e.g. light, climate, switch)"`
	Service string         `json:"service" jsonschema:"service name (e.g. turn_on, turn_off, set_temperature)"`
	Data    map[string]any `json:"data,omitempty" jsonschema:"optional service data (e.g. {\"brightness\": 255})"`
	Target  map[string]any `json:"target,omitempty" jsonschema:"optional target: entity_id, device_id or area_id"`
}

// CheckServiceInput defines parameters for ha_check_service.
type CheckServiceInput struct {
	Domain  string `json:"domain" jsonschema:"service domain"`
	Service string `json:"service" jsonschema:"service name"`
}

// FullLogsInput defines parameters for ha_get_full_logs.
type FullLogsInput struct {
	Kind  string `json:"kind,omitempty" jsonschema:"log type: core (default) or supervisor"`
	Lines int    `json:"lines,omitempty" jsonschema:"number of log lines (default 500, min 10, max 2000)"`
}

// --- Handlers ---

func reply[T any](s *Server, tool string, v *T, err error) (*mcpsdk.CallToolResult, Output[T], error) {
	if err == nil {
		return nil, Output[T]{Result: v}, nil
	}

	code := dispatch.CodeOf(err)
	if code == "" {
		code = CodeInternal
	}
	var authErr *dispatch.AuthorizationError
	switch {
	case errors.As(err, &authErr):
		s.logger.Warn("tool call denied", "tool", tool, "code", code)
	case code == dispatch.CodeValidation:
		s.logger.Info("invalid tool call", "tool", tool, "error", err)
	default:
		s.logger.Error("tool call failed", "tool", tool, "code", code, "error", err)
	}

	out := Output[T]{Error: &ToolError{Code: code, Message: err.Error()}}
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: code + ": " + err.Error()}},
	}, out, nil
}

func (s *Server) handlePing(ctx context.Context, req *mcpsdk.CallToolRequest, _ EmptyInput) (*mcpsdk.CallToolResult, Output[hass.PingResult], error) {
	res, err := s.hub.Ping(ctx)
	return reply(s, hass.ToolPing, res, err)
}

func (s *Server) handleListEntities(ctx context.Context, req *mcpsdk.CallToolRequest, input ListEntitiesInput) (*mcpsdk.CallToolResult, Output[hass.EntityList], error) {
	res, err := s.hub.ListEntities(ctx, input.Domain)
	return reply(s, hass.ToolListEntities, res, err)
}

func (s *Server) handleGetEntity(ctx context.Context, req *mcpsdk.CallToolRequest, input GetEntityInput) (*mcpsdk.CallToolResult, Output[hass.State], error) {
	res, err := s.hub.GetEntity(ctx, input.EntityID)
	return reply(s, hass.ToolGetEntity, res, err)
}

func (s *Server) handleSearchEntities(ctx context.Context, req *mcpsdk.CallToolRequest, input SearchInput) (*mcpsdk.CallToolResult, Output[hass.SearchResult], error) {
	res, err := s.hub.SearchEntities(ctx, input.Query)
	return reply(s, hass.ToolSearchEntities, res, err)
}

func (s *Server) handleHistory(ctx context.Context, req *mcpsdk.CallToolRequest, input WindowInput) (*mcpsdk.CallToolResult, Output[hass.HistoryResult], error) {
	res, err := s.hub.History(ctx, input.EntityID, input.Hours)
	return reply(s, hass.ToolGetHistory, res, err)
}

func (s *Server) handleLogbook(ctx context.Context, req *mcpsdk.CallToolRequest, input WindowInput) (*mcpsdk.CallToolResult, Output[hass.LogbookResult], error) {
	res, err := s.hub.Logbook(ctx, input.EntityID, input.Hours)
	return reply(s, hass.ToolGetLogbook, res, err)
}

func (s *Server) handleErrorLog(ctx context.Context, req *mcpsdk.CallToolRequest, _ EmptyInput) (*mcpsdk.CallToolResult, Output[hass.ErrorLog], error) {
	res, err := s.hub.GetErrorLog(ctx)
	return reply(s, hass.ToolGetErrorLog, res, err)
}

func (s *Server) handleLovelace(ctx context.Context, req *mcpsdk.CallToolRequest, input LovelaceInput) (*mcpsdk.CallToolResult, Output[hass.LovelaceResult], error) {
	res, err := s.hub.LovelaceConfig(ctx, input.Force, input.URLPath)
	return reply(s, hass.ToolGetLovelace, res, err)
}

func (s *Server) handleDashboards(ctx context.Context, req *mcpsdk.CallToolRequest, _ EmptyInput) (*mcpsdk.CallToolResult, Output[hass.DashboardList], error) {
	res, err := s.hub.Dashboards(ctx)
	return reply(s, hass.ToolListDashboards, res, err)
}

func (s *Server) handleCallService(ctx context.Context, req *mcpsdk.CallToolRequest, input ServiceInput) (*mcpsdk.CallToolResult, Output[hass.ServiceResult], error) {
	res, err := s.hub.CallService(ctx, input.Domain, input.Service, input.Data, input.Target)
	return reply(s, hass.ToolCallService, res, err)
}

func (s *Server) handleCheckService(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckServiceInput) (*mcpsdk.CallToolResult, Output[hass.CheckResult], error) {
	res, err := s.hub.CheckService(input.Domain, input.Service)
	return reply(s, hass.ToolCheckService, res, err)
}

func (s *Server) handleFullLogs(ctx context.Context, req *mcpsdk.CallToolRequest, input FullLogsInput) (*mcpsdk.CallToolResult, Output[hass.LogResult], error) {
	res, err := s.hub.FullLogs(ctx, input.Kind, input.Lines)
	return reply(s, hass.ToolGetFullLogs, res, err)
}
