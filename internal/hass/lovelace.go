package hass

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ppiankov/hassgate/internal/dispatch"
	"github.com/ppiankov/hassgate/internal/transport"
)

const lovelaceNotFound = "No UI-managed Lovelace configuration found. " +
	"This typically means: " +
	"1) You're using YAML mode (dashboards defined in configuration.yaml), " +
	"2) Using auto-generated dashboards, or " +
	"3) No custom dashboards have been created via the UI. " +
	"YAML mode dashboards are stored in files, not the database."

// ViewSummary describes one dashboard view without its cards.
type ViewSummary struct {
	Title      any `json:"title"`
	Path       any `json:"path"`
	Icon       any `json:"icon"`
	CardsCount int `json:"cards_count"`
}

// LovelaceResult is the result of LovelaceConfig. Either Config is set, or
// the config was too large and only the view summary is returned, or the hub
// has no UI-managed config and Message explains why.
type LovelaceResult struct {
	Truncated  bool          `json:"truncated"`
	Config     any           `json:"config,omitempty"`
	Message    string        `json:"message,omitempty"`
	TotalBytes int           `json:"total_bytes,omitempty"`
	MaxBytes   int           `json:"max_bytes,omitempty"`
	Title      any           `json:"title,omitempty"`
	ViewsCount int           `json:"views_count,omitempty"`
	Views      []ViewSummary `json:"views,omitempty"`
}

// LovelaceConfig fetches a dashboard configuration over WebSocket. urlPath
// selects a dashboard other than the default.
func (h *Hub) LovelaceConfig(ctx context.Context, force bool, urlPath string) (*LovelaceResult, error) {
	fields := map[string]any{"force": force}
	if p := strings.TrimSpace(urlPath); p != "" {
		fields["url_path"] = p
	}

	raw, err := h.wsCommand(ctx, ToolGetLovelace, "lovelace/config", fields)
	if err != nil {
		if configMissing(err) {
			return &LovelaceResult{Message: lovelaceNotFound}, nil
		}
		return nil, err
	}

	if len(raw) <= MaxLovelaceBytes {
		var cfg any
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, &dispatch.PermanentTransportError{Channel: transport.ChannelWebSocket, Cause: err}
		}
		return &LovelaceResult{Config: cfg}, nil
	}

	var cfg struct {
		Title any `json:"title"`
		Views []struct {
			Title any               `json:"title"`
			Path  any               `json:"path"`
			Icon  any               `json:"icon"`
			Cards []json.RawMessage `json:"cards"`
		} `json:"views"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, &dispatch.PermanentTransportError{Channel: transport.ChannelWebSocket, Cause: err}
	}
	out := &LovelaceResult{
		Truncated:  true,
		Message:    "Full config too large, returning summary",
		TotalBytes: len(raw),
		MaxBytes:   MaxLovelaceBytes,
		Title:      cfg.Title,
		ViewsCount: len(cfg.Views),
		Views:      make([]ViewSummary, 0, len(cfg.Views)),
	}
	for _, v := range cfg.Views {
		out.Views = append(out.Views, ViewSummary{Title: v.Title, Path: v.Path, Icon: v.Icon, CardsCount: len(v.Cards)})
	}
	return out, nil
}

func configMissing(err error) bool {
	var pe *dispatch.PermanentTransportError
	if !errors.As(err, &pe) {
		return false
	}
	if pe.HubCode == "config_not_found" {
		return true
	}
	msg := strings.ToLower(pe.Error())
	return strings.Contains(msg, "no config found") || strings.Contains(msg, "config not found")
}

// DashboardList is the result of Dashboards.
type DashboardList struct {
	Dashboards any    `json:"dashboards,omitempty"`
	Count      int    `json:"count"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Dashboards lists the hub's UI dashboards. Hubs that reject the command
// get an explanatory result instead of an error.
func (h *Hub) Dashboards(ctx context.Context) (*DashboardList, error) {
	raw, err := h.wsCommand(ctx, ToolListDashboards, "lovelace/dashboards", nil)
	if err != nil {
		var pe *dispatch.PermanentTransportError
		if errors.As(err, &pe) && !pe.CredentialsRejected() {
			h.logger.Warn("failed to list dashboards", "error", err)
			return &DashboardList{
				Error:   pe.Error(),
				Message: "Dashboard listing may not be available in your HA version",
			}, nil
		}
		return nil, err
	}

	var dashboards any
	if err := json.Unmarshal(raw, &dashboards); err != nil {
		return nil, &dispatch.PermanentTransportError{Channel: transport.ChannelWebSocket, Cause: err}
	}
	out := &DashboardList{Dashboards: dashboards}
	if items, ok := dashboards.([]any); ok {
		out.Count = len(items)
	}
	return out, nil
}
