// Package authz decides whether an invocation may reach the hub.
package authz

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ppiankov/hassgate/internal/allowlist"
	"github.com/ppiankov/hassgate/internal/model"
)

// Policy is the immutable authorization configuration built at startup.
type Policy struct {
	Mode       model.Mode
	Allowlist  []string
	SSHEnabled bool
}

// Hash fingerprints the policy for audit entries.
func (p *Policy) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "mode=%s\nssh=%t\n", p.Mode, p.SSHEnabled)
	for _, pat := range p.Allowlist {
		fmt.Fprintf(h, "allow=%s\n", pat)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Gate evaluates invocations against a Policy. It holds no other state.
type Gate struct {
	policy *Policy
}

// NewGate creates a Gate. A nil policy denies every mutating or SSH call.
func NewGate(p *Policy) *Gate {
	if p == nil {
		p = &Policy{Mode: model.ReadOnly}
	}
	return &Gate{policy: p}
}

// Policy returns the policy the gate evaluates against.
func (g *Gate) Policy() *Policy {
	return g.policy
}

// Authorize returns the decision for inv. Reads are always allowed.
func (g *Gate) Authorize(inv model.Invocation) model.Decision {
	switch inv.Kind {
	case model.Read:
		return model.Allow
	case model.SSHLog:
		if !g.policy.SSHEnabled {
			return model.Deny(model.ReasonSSHDisabled)
		}
		return model.Allow
	case model.ServiceCall:
		if g.policy.Mode != model.ReadWrite {
			return model.Deny(model.ReasonReadOnlyMode)
		}
		if !allowlist.MatchAny(g.policy.Allowlist, inv.Service) {
			return model.Deny(model.ReasonNotInAllowlist)
		}
		return model.Allow
	default:
		// Unknown kinds never reach a transport.
		return model.Deny(model.ReasonReadOnlyMode)
	}
}

// Explain renders a human-readable message for a denial of resource.
func (g *Gate) Explain(d model.Decision, resource string) string {
	switch d.Reason {
	case model.ReasonReadOnlyMode:
		return "Service calls are disabled in read-only mode. Set HA_MCP_MODE=readwrite to enable."
	case model.ReasonNotInAllowlist:
		if len(g.policy.Allowlist) == 0 {
			return fmt.Sprintf("Service call '%s' denied: no services are allowlisted. "+
				"Set HA_ALLOWED_SERVICES to enable service calls.", resource)
		}
		return fmt.Sprintf("Service call '%s' denied: not in allowlist. Allowed patterns: %s",
			resource, strings.Join(g.policy.Allowlist, ", "))
	case model.ReasonSSHDisabled:
		return "SSH is not enabled. Set HA_SSH_ENABLE=true and configure SSH credentials to use this feature."
	default:
		return ""
	}
}
