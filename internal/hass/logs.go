package hass

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/hassgate/internal/dispatch"
	"github.com/ppiankov/hassgate/internal/model"
	"github.com/ppiankov/hassgate/internal/transport"
)

// Log kinds accepted by FullLogs.
const (
	LogsCore       = "core"
	LogsSupervisor = "supervisor"
)

// Line bounds for FullLogs.
const (
	MinLogLines     = 10
	MaxLogLines     = 2000
	DefaultLogLines = 500
)

// Log commands can be slow on small hosts.
const logCommandTimeout = 30 * time.Second

// Core log files tried after `ha core logs`, in order.
var coreLogPaths = []string{
	"/config/home-assistant.log",
	"/var/log/home-assistant.log",
	"/home/homeassistant/.homeassistant/home-assistant.log",
}

// LogResult is the result of FullLogs.
type LogResult struct {
	Truncated      bool   `json:"truncated"`
	Source         string `json:"source"`
	RequestedLines int    `json:"requested_lines"`
	ActualLines    int    `json:"actual_lines,omitempty"`
	TotalBytes     int    `json:"total_bytes"`
	ReturnedBytes  int    `json:"returned_bytes,omitempty"`
	MaxBytes       int    `json:"max_bytes,omitempty"`
	Log            string `json:"log"`
}

type logSource struct {
	name    string
	command string
}

func coreSources(lines int) []logSource {
	sources := []logSource{{"ha core logs", fmt.Sprintf("ha core logs --lines %d", lines)}}
	for _, p := range coreLogPaths {
		sources = append(sources, logSource{"tail " + p, fmt.Sprintf("tail -n %d %s", lines, p)})
	}
	return append(sources, logSource{"journalctl", fmt.Sprintf("journalctl -u home-assistant -n %d --no-pager", lines)})
}

func clampLines(lines int) int {
	switch {
	case lines <= 0:
		return DefaultLogLines
	case lines < MinLogLines:
		return MinLogLines
	case lines > MaxLogLines:
		return MaxLogLines
	default:
		return lines
	}
}

func (h *Hub) run(ctx context.Context, tool, command string) (*dispatch.Result, error) {
	return h.d.Handle(ctx, model.Invocation{
		Tool:    tool,
		Kind:    model.SSHLog,
		Channel: transport.ChannelShell,
		Request: transport.Request{Command: command, Timeout: logCommandTimeout},
	})
}

// FullLogs reads hub logs over SSH. Core logs fall back from the ha CLI to
// known log files and then journalctl; supervisor logs need the ha CLI.
func (h *Hub) FullLogs(ctx context.Context, kind string, lines int) (*LogResult, error) {
	lines = clampLines(lines)
	switch strings.TrimSpace(kind) {
	case "", LogsCore:
		return h.coreLogs(ctx, lines)
	case LogsSupervisor:
		return h.supervisorLogs(ctx, lines)
	default:
		return nil, &dispatch.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown log kind %q, use %q or %q", kind, LogsCore, LogsSupervisor)}
	}
}

func (h *Hub) coreLogs(ctx context.Context, lines int) (*LogResult, error) {
	var unavailable *dispatch.TransientTransportError
	for _, src := range coreSources(lines) {
		res, err := h.run(ctx, ToolGetFullLogs, src.command)
		if err != nil {
			// A slow or dropped command may not affect the next source.
			// Denials and SSH auth or host key rejections affect all of them.
			if !errors.As(err, &unavailable) || ctx.Err() != nil {
				return nil, err
			}
			h.logger.Warn("log source failed, trying next", "source", src.name, "error", err)
			continue
		}
		if res.ExitStatus == 0 && res.Text() != "" {
			return formatLog(res.Text(), src.name, lines), nil
		}
		h.logger.Debug("log source unavailable, trying next", "source", src.name, "exit_status", res.ExitStatus)
	}
	if unavailable != nil {
		return nil, unavailable
	}
	return nil, &dispatch.PermanentTransportError{
		Channel: transport.ChannelShell,
		Cause:   errors.New("could not retrieve core logs. Tried: ha core logs, common log files, journalctl"),
	}
}

func (h *Hub) supervisorLogs(ctx context.Context, lines int) (*LogResult, error) {
	res, err := h.run(ctx, ToolGetFullLogs, fmt.Sprintf("ha supervisor logs --lines %d", lines))
	if err != nil {
		return nil, err
	}
	if res.ExitStatus == 0 && res.Text() != "" {
		return formatLog(res.Text(), "ha supervisor logs", lines), nil
	}

	var cause error
	switch stderr := strings.TrimSpace(res.Stderr); {
	case strings.Contains(strings.ToLower(stderr), "not found"):
		cause = errors.New("supervisor logs not available. This requires HA OS or Supervised installation")
	case stderr != "":
		cause = fmt.Errorf("ha supervisor logs failed: %s", transport.Truncate(stderr, 200))
	default:
		cause = errors.New("ha supervisor logs returned empty output")
	}
	return nil, &dispatch.PermanentTransportError{Channel: transport.ChannelShell, Cause: cause}
}

func formatLog(content, source string, requested int) *LogResult {
	out := &LogResult{
		Source:         source,
		RequestedLines: requested,
		TotalBytes:     len(content),
		Log:            content,
	}
	if len(content) <= MaxLogBytes {
		out.ActualLines = strings.Count(content, "\n")
		if !strings.HasSuffix(content, "\n") {
			out.ActualLines++
		}
		return out
	}

	cut := transport.Truncate(content, MaxLogBytes)
	if i := strings.LastIndexByte(cut, '\n'); i > MaxLogBytes/2 {
		cut = cut[:i]
	}
	out.Truncated = true
	out.Log = cut
	out.ReturnedBytes = len(cut)
	out.MaxBytes = MaxLogBytes
	return out
}

// SSHStatus is the result of TestSSH.
type SSHStatus struct {
	Success bool   `json:"success"`
	User    string `json:"user,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TestSSH runs whoami on the hub host.
func (h *Hub) TestSSH(ctx context.Context) *SSHStatus {
	res, err := h.run(ctx, toolSSHConnectivity, "whoami")
	if err != nil {
		return &SSHStatus{Error: err.Error()}
	}
	return &SSHStatus{Success: true, User: strings.TrimSpace(res.Text()), Message: "SSH connection successful"}
}
