package scenario

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/hassgate/internal/allowlist"
	"github.com/ppiankov/hassgate/internal/authz"
	"github.com/ppiankov/hassgate/internal/dispatch"
	"github.com/ppiankov/hassgate/internal/model"
	"github.com/ppiankov/hassgate/internal/transport"
)

// Policy returns base with the scenario's overrides applied.
func (s *Scenario) Policy(base *authz.Policy) (*authz.Policy, error) {
	p := *base
	p.Allowlist = append([]string(nil), base.Allowlist...)
	if s.Mode != "" {
		mode, err := model.ParseMode(s.Mode)
		if err != nil {
			return nil, err
		}
		p.Mode = mode
	}
	if s.AllowedServices != nil {
		patterns, rejected := allowlist.Parse(*s.AllowedServices)
		if len(rejected) > 0 {
			return nil, fmt.Errorf("invalid service patterns: %s", strings.Join(rejected, ", "))
		}
		p.Allowlist = patterns
	}
	if s.SSHEnable != nil {
		p.SSHEnabled = *s.SSHEnable
	}
	return &p, nil
}

// Invocation builds the invocation a case asserts on. Reads and log reads
// use a fixed representative request.
func (c Case) Invocation() model.Invocation {
	switch model.ActionKind(c.Kind) {
	case model.Read:
		return model.Invocation{
			Tool:    "scenario",
			Kind:    model.Read,
			Channel: transport.ChannelREST,
			Request: transport.Request{Path: "/api/states"},
		}
	case model.SSHLog:
		return model.Invocation{
			Tool:    "scenario",
			Kind:    model.SSHLog,
			Channel: transport.ChannelShell,
			Request: transport.Request{Command: "ha core logs"},
		}
	case "", model.ServiceCall:
		return model.Invocation{Tool: "scenario", Kind: model.ServiceCall, Service: c.Service}
	default:
		return model.Invocation{Tool: "scenario", Kind: model.ActionKind(c.Kind)}
	}
}

// Run evaluates every case through the dispatcher's validation and gate.
// Nothing is sent to a hub.
func Run(s *Scenario, p *authz.Policy) *RunResult {
	d := dispatch.New(authz.NewGate(p), nil, nil)

	result := &RunResult{
		Name:       s.Name,
		PolicyHash: p.Hash(),
		Total:      len(s.Cases),
	}

	for i, c := range s.Cases {
		inv := c.Invocation()
		cr := CaseResult{
			Index:    i + 1,
			Kind:     string(inv.Kind),
			Service:  c.Service,
			Expected: strings.ToLower(c.Expect),
		}

		decision, err := d.Check(inv)
		switch {
		case err != nil:
			cr.Actual = ExpectInvalid
			cr.Reason = err.Error()
		case decision.Allowed:
			cr.Actual = ExpectAllow
		default:
			cr.Actual = ExpectDeny
			cr.Reason = string(decision.Reason)
		}

		cr.Passed = cr.Actual == cr.Expected
		if cr.Passed && c.Reason != "" && cr.Actual == ExpectDeny {
			cr.Passed = c.Reason == cr.Reason
		}
		if cr.Passed {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Cases = append(result.Cases, cr)
	}

	return result
}

// Load parses a scenario YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = path
	}
	return &s, nil
}

// LoadAndRun loads a scenario file and runs it against base.
func LoadAndRun(path string, base *authz.Policy) (*RunResult, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	p, err := s.Policy(base)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}

	result := Run(s, p)
	result.File = path
	return result, nil
}
