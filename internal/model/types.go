package model

import (
	"fmt"
	"strings"

	"github.com/ppiankov/hassgate/internal/transport"
)

// ActionKind classifies what an invocation does to the hub.
type ActionKind string

const (
	Read        ActionKind = "read"
	ServiceCall ActionKind = "service_call"
	SSHLog      ActionKind = "ssh_log"
)

// Mutating reports whether the kind changes hub state.
func (k ActionKind) Mutating() bool {
	return k == ServiceCall
}

// Mode is the process-wide operating mode.
type Mode string

const (
	ReadOnly  Mode = "readonly"
	ReadWrite Mode = "readwrite"
)

// ParseMode accepts "readonly" or "readwrite" (case-insensitive, trimmed).
// Empty input yields ReadOnly.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ReadOnly):
		return ReadOnly, nil
	case string(ReadWrite):
		return ReadWrite, nil
	default:
		return "", fmt.Errorf("mode must be %q or %q, got: %q", ReadOnly, ReadWrite, s)
	}
}

// Reason is the machine-checkable code attached to a denial.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonReadOnlyMode   Reason = "read_only_mode"
	ReasonNotInAllowlist Reason = "not_in_allowlist"
	ReasonSSHDisabled    Reason = "ssh_disabled"
)

// Decision is the authorization outcome for one invocation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
}

// Allow is the single allow decision.
var Allow = Decision{Allowed: true}

// Deny returns a denial carrying reason.
func Deny(reason Reason) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// String renders "allow" or "deny(<reason>)".
func (d Decision) String() string {
	if d.Allowed {
		return "allow"
	}
	return "deny(" + string(d.Reason) + ")"
}

// Invocation is one request to read state or act on the hub.
// Service is set only for ServiceCall. Request describes the transport
// operation for Read and SSHLog; for ServiceCall the dispatcher derives it
// from Service and Payload. Channel picks REST or WebSocket for Read.
type Invocation struct {
	ID      string            `json:"id"`
	Tool    string            `json:"tool,omitempty"`
	Kind    ActionKind        `json:"kind"`
	Service string            `json:"service,omitempty"`
	Channel transport.Channel `json:"channel,omitempty"`
	Request transport.Request `json:"-"`
	Payload map[string]any    `json:"-"`
}

// SplitService splits "domain.service" on the first dot.
func SplitService(id string) (domain, service string, ok bool) {
	domain, service, ok = strings.Cut(id, ".")
	return domain, service, ok
}

// Resource is the string recorded in logs and audit entries for inv.
func (inv Invocation) Resource() string {
	switch inv.Kind {
	case ServiceCall:
		return inv.Service
	case SSHLog:
		return inv.Request.Command
	default:
		if inv.Request.Path != "" {
			return inv.Request.Method + " " + inv.Request.Path
		}
		return inv.Request.Command
	}
}
