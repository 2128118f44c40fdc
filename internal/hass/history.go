package hass

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ppiankov/hassgate/internal/dispatch"
	"github.com/ppiankov/hassgate/internal/model"
	"github.com/ppiankov/hassgate/internal/transport"
)

const hubTimeLayout = "2006-01-02T15:04:05-07:00"

// HistoryResult is the result of History.
type HistoryResult struct {
	EntityID     string  `json:"entity_id,omitempty"`
	Hours        int     `json:"hours"`
	StartTime    string  `json:"start_time"`
	EndTime      string  `json:"end_time"`
	TotalEntries int     `json:"total_entries"`
	History      [][]any `json:"history"`
	Truncated    bool    `json:"truncated"`
}

// window returns the [now-hours, now] range, second precision, UTC.
func (h *Hub) window(hours int) (start, end string) {
	e := h.now().UTC().Truncate(time.Second)
	s := e.Add(-time.Duration(hours) * time.Hour)
	return s.Format(hubTimeLayout), e.Format(hubTimeLayout)
}

// History returns state changes over the last hours for entityID, or for
// all entities with significant changes when entityID is empty.
func (h *Hub) History(ctx context.Context, entityID string, hours int) (*HistoryResult, error) {
	hours = clampHours(hours)
	entityID = strings.TrimSpace(entityID)
	start, end := h.window(hours)

	q := "?end_time=" + url.QueryEscape(end)
	if entityID != "" {
		q += "&filter_entity_id=" + url.QueryEscape(entityID)
	} else {
		q += "&significant_changes_only=1"
	}

	var series [][]any
	if err := h.restGet(ctx, ToolGetHistory, "/api/history/period/"+url.QueryEscape(start)+q, &series); err != nil {
		return nil, err
	}

	out := &HistoryResult{
		EntityID:  entityID,
		Hours:     hours,
		StartTime: start,
		EndTime:   end,
		History:   [][]any{},
	}
	for _, entries := range series {
		if len(entries) == 0 {
			continue
		}
		out.TotalEntries += len(entries)
		if len(entries) > MaxHistoryItems {
			entries = entries[:MaxHistoryItems]
			out.Truncated = true
		}
		out.History = append(out.History, entries)
	}
	kept, shrunk := shrink(out.History, MaxResponseBytes)
	out.History = kept
	out.Truncated = out.Truncated || shrunk
	return out, nil
}

// LogbookResult is the result of Logbook.
type LogbookResult struct {
	EntityID        string `json:"entity_id,omitempty"`
	Hours           int    `json:"hours"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	TotalEntries    int    `json:"total_entries"`
	ReturnedEntries int    `json:"returned_entries"`
	Entries         []any  `json:"entries"`
	Truncated       bool   `json:"truncated"`
}

// Logbook returns logbook events over the last hours.
func (h *Hub) Logbook(ctx context.Context, entityID string, hours int) (*LogbookResult, error) {
	hours = clampHours(hours)
	entityID = strings.TrimSpace(entityID)
	start, end := h.window(hours)

	path := "/api/logbook/" + url.QueryEscape(start) + "?end_time=" + url.QueryEscape(end)
	if entityID != "" {
		path += "&entity=" + url.QueryEscape(entityID)
	}

	var entries []any
	if err := h.restGet(ctx, ToolGetLogbook, path, &entries); err != nil {
		return nil, err
	}

	out := &LogbookResult{
		EntityID:     entityID,
		Hours:        hours,
		StartTime:    start,
		EndTime:      end,
		TotalEntries: len(entries),
		Entries:      []any{},
	}
	if len(entries) > MaxHistoryItems {
		entries = entries[:MaxHistoryItems]
		out.Truncated = true
	}
	kept, shrunk := shrink(entries, MaxResponseBytes)
	if kept != nil {
		out.Entries = kept
	}
	out.Truncated = out.Truncated || shrunk
	out.ReturnedEntries = len(out.Entries)
	return out, nil
}

// ErrorLog is the result of GetErrorLog.
type ErrorLog struct {
	Truncated  bool   `json:"truncated"`
	TotalBytes int    `json:"total_bytes"`
	MaxBytes   int    `json:"max_bytes,omitempty"`
	Log        string `json:"log"`
	Message    string `json:"message,omitempty"`
}

const errorLogUnavailable = "Error log endpoint not available. This may be due to: " +
	"1) Home Assistant version differences, " +
	"2) Logging not configured, or " +
	"3) Insufficient API token permissions. " +
	"Try checking logs via SSH with ha_get_full_logs if SSH is enabled."

// GetErrorLog returns the hub error log, capped at MaxResponseBytes.
func (h *Hub) GetErrorLog(ctx context.Context) (*ErrorLog, error) {
	res, err := h.d.Handle(ctx, model.Invocation{
		Tool:    ToolGetErrorLog,
		Kind:    model.Read,
		Channel: transport.ChannelREST,
		Request: transport.Request{Method: http.MethodGet, Path: "/api/error_log"},
	})
	if err != nil {
		var pe *dispatch.PermanentTransportError
		if errors.As(err, &pe) && pe.NotFound() {
			return &ErrorLog{Message: errorLogUnavailable}, nil
		}
		return nil, err
	}

	text := res.Text()
	out := &ErrorLog{TotalBytes: len(text), Log: text}
	if len(text) > MaxResponseBytes {
		out.Truncated = true
		out.MaxBytes = MaxResponseBytes
		out.Log = transport.Truncate(text, MaxResponseBytes)
	}
	return out, nil
}
