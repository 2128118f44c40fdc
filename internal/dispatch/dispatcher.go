// Package dispatch authorizes invocations and runs the allowed ones against
// the hub through the matching transport.
//
// Each invocation moves RECEIVED → AUTHORIZING → DENIED, or
// AUTHORIZED → DISPATCHING → SUCCEEDED | FAILED. Authorization always
// completes before any transport is touched.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/hassgate/internal/audit"
	"github.com/ppiankov/hassgate/internal/authz"
	"github.com/ppiankov/hassgate/internal/metrics"
	"github.com/ppiankov/hassgate/internal/model"
	"github.com/ppiankov/hassgate/internal/transport"
)

// Hub service identifiers are lowercase snake_case on both sides of the dot.
var serviceSegmentRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// Result is the normalized success response of one invocation.
type Result struct {
	InvocationID string
	Channel      transport.Channel
	Attempts     int
	Status       int
	ContentType  string
	Body         []byte
	Stderr       string
	ExitStatus   int
}

// JSON reports whether the body is a JSON document.
func (r *Result) JSON() bool {
	return strings.Contains(r.ContentType, "application/json")
}

// Decode unmarshals a JSON body into v. A body that does not decode is a
// malformed hub response.
func (r *Result) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &PermanentTransportError{Channel: r.Channel, Status: r.Status,
			Cause: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}

// Text returns the body as a string.
func (r *Result) Text() string {
	return string(r.Body)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAudit records every terminal state to rec.
func WithAudit(rec audit.Recorder) Option {
	return func(d *Dispatcher) { d.audit = rec }
}

// WithMetrics counts decisions and outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher is the authorization-and-dispatch core.
type Dispatcher struct {
	gate       *authz.Gate
	clients    map[transport.Channel]transport.Client
	retrier    *transport.Retrier
	audit      audit.Recorder
	metrics    *metrics.Metrics
	logger     *slog.Logger
	policyHash string
}

// New creates a Dispatcher. clients maps each channel to its transport;
// a missing channel fails invocations that need it.
func New(gate *authz.Gate, clients map[transport.Channel]transport.Client, retrier *transport.Retrier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gate:       gate,
		clients:    clients,
		retrier:    retrier,
		logger:     slog.Default(),
		policyHash: gate.Policy().Hash(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.retrier == nil {
		d.retrier = transport.NewRetrier(transport.DefaultPolicy())
	}
	return d
}

// Gate returns the authorization gate.
func (d *Dispatcher) Gate() *authz.Gate {
	return d.gate
}

// Check validates and authorizes inv without dispatching it.
func (d *Dispatcher) Check(inv model.Invocation) (model.Decision, error) {
	if _, err := d.prepare(inv); err != nil {
		return model.Decision{}, err
	}
	return d.gate.Authorize(inv), nil
}

// Explain renders the operator-facing message for a denial.
func (d *Dispatcher) Explain(decision model.Decision, resource string) string {
	return d.gate.Explain(decision, resource)
}

// Handle validates, authorizes and dispatches inv. It returns a *Result or
// one of *ValidationError, *AuthorizationError, *TransientTransportError,
// *PermanentTransportError.
func (d *Dispatcher) Handle(ctx context.Context, inv model.Invocation) (*Result, error) {
	return d.HandleJSON(ctx, inv, nil)
}

// HandleJSON is Handle followed by decoding the body into v. A body that
// does not decode fails the invocation with hub_rejected, in the audit log
// and metrics as well as for the caller. A nil v skips decoding.
func (d *Dispatcher) HandleJSON(ctx context.Context, inv model.Invocation, v any) (*Result, error) {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	start := time.Now()
	log := d.logger.With("invocation", inv.ID, "tool", inv.Tool, "kind", inv.Kind)

	req, err := d.prepare(inv)
	if err != nil {
		log.Warn("invalid invocation", "error", err)
		d.record(inv, model.Decision{}, audit.StateInvalid, err, 0, start)
		return nil, err
	}

	decision := d.gate.Authorize(inv)
	d.metrics.Decision(string(inv.Kind), decisionLabel(decision), string(decision.Reason))
	if !decision.Allowed {
		denial := &AuthorizationError{
			Reason:   decision.Reason,
			Resource: inv.Resource(),
			Message:  d.gate.Explain(decision, inv.Resource()),
		}
		log.Info("invocation denied", "resource", inv.Resource(), "reason", decision.Reason)
		d.record(inv, decision, audit.StateDenied, denial, 0, start)
		return nil, denial
	}

	ch := channelFor(inv)
	client, ok := d.clients[ch]
	if !ok || client == nil {
		err := &PermanentTransportError{Channel: ch, Cause: fmt.Errorf("no %s transport configured", ch)}
		d.record(inv, decision, audit.StateFailed, err, 0, start)
		return nil, err
	}

	log.Debug("dispatching", "channel", ch, "resource", inv.Resource())
	resp, attempts, err := d.do(ctx, ch, client, req)
	if err != nil {
		d.metrics.Outcome(string(ch), outcomeCode(err), time.Since(start))
		mapped := fromTransport(ch, err)
		log.Error("invocation failed", "channel", ch, "attempts", attempts, "error", mapped)
		d.record(inv, decision, audit.StateFailed, mapped, attempts, start)
		return nil, mapped
	}

	res := &Result{
		InvocationID: inv.ID,
		Channel:      ch,
		Attempts:     attempts,
		Status:       resp.Status,
		ContentType:  resp.ContentType,
		Body:         resp.Body,
		Stderr:       resp.Stderr,
		ExitStatus:   resp.ExitStatus,
	}
	if v != nil {
		if err := res.Decode(v); err != nil {
			d.metrics.Outcome(string(ch), CodeHubRejected, time.Since(start))
			log.Error("invocation failed", "channel", ch, "attempts", attempts, "error", err)
			d.record(inv, decision, audit.StateFailed, err, attempts, start)
			return nil, err
		}
	}

	d.metrics.Outcome(string(ch), "ok", time.Since(start))
	log.Debug("invocation succeeded", "channel", ch, "attempts", attempts, "status", resp.Status)
	d.record(inv, decision, audit.StateSucceeded, nil, attempts, start)
	return res, nil
}

func (d *Dispatcher) do(ctx context.Context, ch transport.Channel, client transport.Client, req transport.Request) (transport.Response, int, error) {
	r := *d.retrier
	prev := r.OnRetry
	r.OnRetry = func(attempt int, delay time.Duration, f *transport.Failure) {
		d.metrics.Retry(string(ch))
		d.logger.Warn("transient hub failure, retrying",
			"channel", ch, "attempt", attempt, "delay", delay, "error", f)
		if prev != nil {
			prev(attempt, delay, f)
		}
	}
	return r.Do(ctx, ch, client, req)
}

// prepare validates inv and returns the transport request it maps to.
func (d *Dispatcher) prepare(inv model.Invocation) (transport.Request, error) {
	switch inv.Kind {
	case model.ServiceCall:
		domain, service, err := validateService(inv.Service)
		if err != nil {
			return transport.Request{}, err
		}
		req := transport.Request{
			Method: http.MethodPost,
			Path:   "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service),
		}
		if len(inv.Payload) > 0 {
			req.Body = inv.Payload
		}
		return req, nil

	case model.SSHLog:
		if inv.Channel != "" && inv.Channel != transport.ChannelShell {
			return transport.Request{}, &ValidationError{Field: "channel", Reason: "ssh_log invocations run over ssh"}
		}
		if strings.TrimSpace(inv.Request.Command) == "" {
			return transport.Request{}, &ValidationError{Field: "command", Reason: "required"}
		}
		return inv.Request, nil

	case model.Read:
		switch channelFor(inv) {
		case transport.ChannelREST:
			if !strings.HasPrefix(inv.Request.Path, "/") {
				return transport.Request{}, &ValidationError{Field: "path", Reason: "must start with /"}
			}
			if m := inv.Request.Method; m != "" && m != http.MethodGet {
				return transport.Request{}, &ValidationError{Field: "method", Reason: "read invocations use GET"}
			}
		case transport.ChannelWebSocket:
			if inv.Request.Command == "" {
				return transport.Request{}, &ValidationError{Field: "command", Reason: "required"}
			}
		default:
			return transport.Request{}, &ValidationError{Field: "channel", Reason: fmt.Sprintf("unsupported channel %q for read", inv.Channel)}
		}
		return inv.Request, nil

	default:
		return transport.Request{}, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown action kind %q", inv.Kind)}
	}
}

func validateService(id string) (domain, service string, err error) {
	if id == "" {
		return "", "", &ValidationError{Field: "service", Reason: "required"}
	}
	if strings.Count(id, ".") != 1 {
		return "", "", &ValidationError{Field: "service", Reason: fmt.Sprintf("%q must be domain.service", id)}
	}
	domain, service, _ = model.SplitService(id)
	if !serviceSegmentRe.MatchString(domain) || !serviceSegmentRe.MatchString(service) {
		return "", "", &ValidationError{Field: "service", Reason: fmt.Sprintf("%q must be lowercase domain.service", id)}
	}
	return domain, service, nil
}

func channelFor(inv model.Invocation) transport.Channel {
	switch inv.Kind {
	case model.ServiceCall:
		return transport.ChannelREST
	case model.SSHLog:
		return transport.ChannelShell
	default:
		if inv.Channel == "" {
			return transport.ChannelREST
		}
		return inv.Channel
	}
}

func (d *Dispatcher) record(inv model.Invocation, decision model.Decision, state string, err error, attempts int, start time.Time) {
	if d.audit == nil {
		return
	}
	entry := audit.Entry{
		InvocationID: inv.ID,
		Invocation: audit.Invocation{
			Tool:     inv.Tool,
			Kind:     string(inv.Kind),
			Channel:  string(channelFor(inv)),
			Resource: inv.Resource(),
		},
		Decision:   decisionLabel(decision),
		Reason:     string(decision.Reason),
		State:      state,
		Code:       CodeOf(err),
		Attempts:   attempts,
		DurationMS: time.Since(start).Milliseconds(),
		PolicyHash: d.policyHash,
	}
	if state == audit.StateInvalid {
		entry.Decision = ""
	}
	if err := d.audit.Record(entry); err != nil {
		d.logger.Error("audit record failed", "error", err)
	}
}

func decisionLabel(d model.Decision) string {
	if d.Allowed {
		return "allow"
	}
	return "deny"
}

func outcomeCode(err error) string {
	if err == nil {
		return "ok"
	}
	var exhausted *transport.ExhaustedError
	if errors.As(err, &exhausted) {
		return CodeHubUnavailable
	}
	return CodeHubRejected
}
