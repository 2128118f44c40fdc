package hass

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ppiankov/hassgate/internal/dispatch"
	"github.com/ppiankov/hassgate/internal/model"
)

// ServiceResult is the result of CallService.
type ServiceResult struct {
	Success bool   `json:"success"`
	Domain  string `json:"domain"`
	Service string `json:"service"`
	Result  any    `json:"result"`
}

func serviceInvocation(tool, domain, service string, payload map[string]any) model.Invocation {
	return model.Invocation{
		Tool:    tool,
		Kind:    model.ServiceCall,
		Service: strings.TrimSpace(domain) + "." + strings.TrimSpace(service),
		Payload: payload,
	}
}

// CallService invokes domain.service. data and target are merged into one
// flat body, target keys winning.
func (h *Hub) CallService(ctx context.Context, domain, service string, data, target map[string]any) (*ServiceResult, error) {
	if strings.TrimSpace(domain) == "" || strings.TrimSpace(service) == "" {
		return nil, &dispatch.ValidationError{Field: "service", Reason: "domain and service are required"}
	}

	var body map[string]any
	if len(data)+len(target) > 0 {
		body = make(map[string]any, len(data)+len(target))
		for k, v := range data {
			body[k] = v
		}
		for k, v := range target {
			body[k] = v
		}
	}

	inv := serviceInvocation(ToolCallService, domain, service, body)
	h.logger.Info("calling service", "service", inv.Service, "data_keys", len(body))
	res, err := h.d.Handle(ctx, inv)
	if err != nil {
		return nil, err
	}

	out := &ServiceResult{
		Success: true,
		Domain:  strings.TrimSpace(domain),
		Service: strings.TrimSpace(service),
		Result:  "Service called successfully",
	}
	var changed any
	if len(res.Body) > 0 && json.Unmarshal(res.Body, &changed) == nil && !empty(changed) {
		out.Result = changed
	}
	return out, nil
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

// CheckResult is the result of CheckService.
type CheckResult struct {
	Service string `json:"service"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// CheckService reports whether domain.service would be allowed, without
// calling the hub.
func (h *Hub) CheckService(domain, service string) (*CheckResult, error) {
	inv := serviceInvocation(ToolCheckService, domain, service, nil)
	decision, err := h.d.Check(inv)
	if err != nil {
		return nil, err
	}
	out := &CheckResult{Service: inv.Service, Allowed: decision.Allowed, Reason: string(decision.Reason)}
	if !decision.Allowed {
		out.Message = h.d.Explain(decision, inv.Service)
	}
	return out, nil
}
