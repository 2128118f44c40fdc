// Package hass implements the hub operations exposed as tools. Every
// operation builds model.Invocations and sends them through a Dispatcher,
// so authorization and retry policy apply uniformly.
package hass

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ppiankov/hassgate/internal/dispatch"
	"github.com/ppiankov/hassgate/internal/model"
	"github.com/ppiankov/hassgate/internal/transport"
)

// Tool names.
const (
	ToolPing            = "ha_ping"
	ToolListEntities    = "ha_list_entities"
	ToolGetEntity       = "ha_get_entity"
	ToolSearchEntities  = "ha_search_entities"
	ToolGetHistory      = "ha_get_history"
	ToolGetLogbook      = "ha_get_logbook"
	ToolGetErrorLog     = "ha_get_error_log"
	ToolGetLovelace     = "ha_get_lovelace_config"
	ToolListDashboards  = "ha_list_dashboards"
	ToolCallService     = "ha_call_service"
	ToolCheckService    = "ha_check_service"
	ToolGetFullLogs     = "ha_get_full_logs"
	toolSSHConnectivity = "ssh_whoami"
)

// Output limits.
const (
	MaxResponseBytes = 100_000
	MaxEntities      = 500
	MaxHistoryItems  = 200
	MaxLovelaceBytes = 500_000
	MaxLogBytes      = 200_000
	MaxHours         = 168
	DefaultHours     = 24
)

// Dispatcher is the subset of *dispatch.Dispatcher the hub needs.
type Dispatcher interface {
	Handle(ctx context.Context, inv model.Invocation) (*dispatch.Result, error)
	HandleJSON(ctx context.Context, inv model.Invocation, v any) (*dispatch.Result, error)
	Check(inv model.Invocation) (model.Decision, error)
	Explain(d model.Decision, resource string) string
}

// Hub runs hub operations through a Dispatcher.
type Hub struct {
	d      Dispatcher
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithClock overrides time.Now for history and logbook windows.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// New creates a Hub.
func New(d Dispatcher, opts ...Option) *Hub {
	h := &Hub{d: d, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// restGet reads path over REST and decodes the JSON body into v.
func (h *Hub) restGet(ctx context.Context, tool, path string, v any) error {
	_, err := h.d.HandleJSON(ctx, model.Invocation{
		Tool:    tool,
		Kind:    model.Read,
		Channel: transport.ChannelREST,
		Request: transport.Request{Method: http.MethodGet, Path: path},
	}, v)
	return err
}

// wsCommand runs a WebSocket command and returns the raw result.
func (h *Hub) wsCommand(ctx context.Context, tool, command string, fields map[string]any) (json.RawMessage, error) {
	res, err := h.d.Handle(ctx, model.Invocation{
		Tool:    tool,
		Kind:    model.Read,
		Channel: transport.ChannelWebSocket,
		Request: transport.Request{Command: command, Fields: fields},
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(res.Body), nil
}

func clampHours(hours int) int {
	switch {
	case hours <= 0:
		return DefaultHours
	case hours > MaxHours:
		return MaxHours
	default:
		return hours
	}
}

// shrink halves items until their JSON encoding fits in maxBytes.
func shrink[T any](items []T, maxBytes int) ([]T, bool) {
	if encodedLen(items) <= maxBytes {
		return items, false
	}
	n := len(items)
	for n > 0 {
		n /= 2
		if encodedLen(items[:n]) <= maxBytes {
			break
		}
	}
	return items[:n], true
}

func encodedLen(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
