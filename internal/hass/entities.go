package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/ppiankov/hassgate/internal/dispatch"
)

// State is one entity state as returned by /api/states.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed,omitempty"`
	LastUpdated string         `json:"last_updated,omitempty"`
	Context     any            `json:"context,omitempty"`
}

func (s State) attr(name string) any {
	if s.Attributes == nil {
		return nil
	}
	return s.Attributes[name]
}

func (s State) friendlyName() string {
	name, _ := s.attr("friendly_name").(string)
	return name
}

// EntitySummary is the compact form used by listing and search.
type EntitySummary struct {
	EntityID     string `json:"entity_id"`
	State        string `json:"state"`
	FriendlyName any    `json:"friendly_name"`
	DeviceClass  any    `json:"device_class"`
	LastChanged  string `json:"last_changed,omitempty"`
}

func summarize(s State, withChanged bool) EntitySummary {
	sum := EntitySummary{
		EntityID:     s.EntityID,
		State:        s.State,
		FriendlyName: s.attr("friendly_name"),
		DeviceClass:  s.attr("device_class"),
	}
	if withChanged {
		sum.LastChanged = s.LastChanged
	}
	return sum
}

// PingResult reports hub reachability.
type PingResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Version string `json:"version,omitempty"`
}

// Ping checks connectivity and reports the hub version.
func (h *Hub) Ping(ctx context.Context) (*PingResult, error) {
	var body struct {
		Message string `json:"message"`
		Version string `json:"version"`
	}
	if err := h.restGet(ctx, ToolPing, "/api/", &body); err != nil {
		return nil, err
	}
	if body.Message == "" {
		body.Message = "API running"
	}
	return &PingResult{Status: "ok", Message: body.Message, Version: body.Version}, nil
}

// EntityList is the result of ListEntities.
type EntityList struct {
	Total        int             `json:"total"`
	Returned     int             `json:"returned"`
	DomainFilter string          `json:"domain_filter,omitempty"`
	Entities     []EntitySummary `json:"entities"`
	Truncated    bool            `json:"truncated"`
	Message      string          `json:"message,omitempty"`
}

func (h *Hub) states(ctx context.Context, tool string) ([]State, error) {
	var states []State
	if err := h.restGet(ctx, tool, "/api/states", &states); err != nil {
		return nil, err
	}
	return states, nil
}

// ListEntities lists entity states, optionally only those in domain.
func (h *Hub) ListEntities(ctx context.Context, domain string) (*EntityList, error) {
	states, err := h.states(ctx, ToolListEntities)
	if err != nil {
		return nil, err
	}

	domain = strings.TrimSpace(domain)
	if domain != "" {
		prefix := domain + "."
		filtered := states[:0]
		for _, s := range states {
			if strings.HasPrefix(s.EntityID, prefix) {
				filtered = append(filtered, s)
			}
		}
		states = filtered
	}

	out := &EntityList{Total: len(states), DomainFilter: domain, Entities: []EntitySummary{}}
	for i, s := range states {
		if i == MaxEntities {
			out.Truncated = true
			out.Message = fmt.Sprintf("Limited to %d entities. Use domain filter for more specific results.", MaxEntities)
			break
		}
		out.Entities = append(out.Entities, summarize(s, false))
	}
	out.Returned = len(out.Entities)
	return out, nil
}

// GetEntity returns the full state of one entity.
func (h *Hub) GetEntity(ctx context.Context, entityID string) (*State, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, &dispatch.ValidationError{Field: "entity_id", Reason: "required"}
	}
	var s State
	if err := h.restGet(ctx, ToolGetEntity, "/api/states/"+url.PathEscape(entityID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SearchResult is the result of SearchEntities.
type SearchResult struct {
	Query        string          `json:"query"`
	TotalMatches int             `json:"total_matches"`
	Returned     int             `json:"returned"`
	Entities     []EntitySummary `json:"entities"`
	Truncated    bool            `json:"truncated"`
}

// SearchEntities matches query case-insensitively against entity IDs,
// friendly names and attribute values.
func (h *Hub) SearchEntities(ctx context.Context, query string) (*SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &dispatch.ValidationError{Field: "query", Reason: "required"}
	}
	states, err := h.states(ctx, ToolSearchEntities)
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	var matches []EntitySummary
	for _, s := range states {
		if matchesQuery(s, q) {
			matches = append(matches, summarize(s, true))
		}
	}

	out := &SearchResult{Query: query, TotalMatches: len(matches), Entities: []EntitySummary{}}
	if len(matches) > MaxEntities {
		matches = matches[:MaxEntities]
		out.Truncated = true
	}
	matches, shrunk := shrink(matches, MaxResponseBytes)
	if matches != nil {
		out.Entities = matches
	}
	out.Truncated = out.Truncated || shrunk
	out.Returned = len(out.Entities)
	return out, nil
}

func matchesQuery(s State, q string) bool {
	if strings.Contains(strings.ToLower(s.EntityID), q) {
		return true
	}
	if strings.Contains(strings.ToLower(s.friendlyName()), q) {
		return true
	}
	if len(s.Attributes) == 0 {
		return false
	}
	attrs, err := json.Marshal(s.Attributes)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(attrs)), q)
}
