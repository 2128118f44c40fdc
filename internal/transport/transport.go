// Package transport performs single operations against the hub over REST,
// WebSocket or SSH and classifies every failure as transient or permanent.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
	"unicode/utf8"
)

// Channel names a transport variant.
type Channel string

const (
	ChannelREST      Channel = "rest"
	ChannelWebSocket Channel = "websocket"
	ChannelShell     Channel = "ssh"
)

// Request describes one logical hub operation.
type Request struct {
	// REST
	Method string
	Path   string
	Body   any

	// WebSocket message type, or the shell command line.
	Command string
	// Extra WebSocket message fields.
	Fields map[string]any

	// Per-attempt timeout override. Zero uses the retry policy timeout.
	Timeout time.Duration
}

// Response is a successful transport outcome.
type Response struct {
	Status      int
	ContentType string
	Body        []byte

	// Shell only.
	Stderr     string
	ExitStatus int
}

// Client executes one attempt of a request. Failures are returned as *Failure.
type Client interface {
	Execute(ctx context.Context, req Request) (Response, error)
}

// Kind separates retryable failures from final ones.
type Kind int

const (
	Transient Kind = iota + 1
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Failure is a classified transport error.
type Failure struct {
	Kind    Kind
	Channel Channel
	// HTTP status, when the hub answered.
	Status int
	// Hub error code from a WebSocket result.
	Code string
	// Server-provided delay before the next attempt.
	RetryAfter time.Duration
	Err        error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s %s failure", f.Channel, f.Kind)
	if f.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", f.Status)
	}
	if f.Code != "" {
		msg += fmt.Sprintf(" (%s)", f.Code)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

func transient(ch Channel, err error) *Failure {
	return &Failure{Kind: Transient, Channel: ch, Err: err}
}

func permanent(ch Channel, err error) *Failure {
	return &Failure{Kind: Permanent, Channel: ch, Err: err}
}

// Classify converts any error returned by a Client into a *Failure.
// Timeouts, network errors and unexpected EOFs are transient; anything
// else a client failed to classify is treated as permanent.
func Classify(ch Channel, err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return transient(ch, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return transient(ch, err)
	}
	return permanent(ch, err)
}

// ExhaustedError reports that every allowed attempt failed transiently.
type ExhaustedError struct {
	Attempts int
	Last     *Failure
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
