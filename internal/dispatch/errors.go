package dispatch

import (
	"errors"
	"fmt"

	"github.com/ppiankov/hassgate/internal/model"
	"github.com/ppiankov/hassgate/internal/transport"
)

// Codes returned by Code() in addition to the model.Reason denial codes.
const (
	CodeValidation     = "validation_error"
	CodeHubUnavailable = "hub_unavailable"
	CodeHubRejected    = "hub_rejected"
)

// Coded is implemented by every error Handle returns.
type Coded interface {
	error
	Code() string
}

// CodeOf returns the machine-checkable code of err, or "" if it has none.
func CodeOf(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}

// ValidationError is a malformed invocation. It never reaches authorization.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid invocation: " + e.Reason
	}
	return fmt.Sprintf("invalid invocation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Code() string { return CodeValidation }

// AuthorizationError is this gateway's own policy refusing the invocation.
type AuthorizationError struct {
	Reason   model.Reason
	Resource string
	Message  string
}

func (e *AuthorizationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s denied: %s", e.Resource, e.Reason)
}

func (e *AuthorizationError) Code() string { return string(e.Reason) }

// TransientTransportError is reported once every attempt failed transiently.
type TransientTransportError struct {
	Channel  transport.Channel
	Attempts int
	Cause    error
}

func (e *TransientTransportError) Error() string {
	return fmt.Sprintf("hub unavailable via %s after %d attempt(s): %v", e.Channel, e.Attempts, e.Cause)
}

func (e *TransientTransportError) Unwrap() error { return e.Cause }

func (e *TransientTransportError) Code() string { return CodeHubUnavailable }

// PermanentTransportError is the hub (not this gateway) rejecting the request.
type PermanentTransportError struct {
	Channel transport.Channel
	Status  int
	HubCode string
	Cause   error
}

func (e *PermanentTransportError) Error() string {
	return fmt.Sprintf("hub rejected request via %s: %v", e.Channel, e.Cause)
}

func (e *PermanentTransportError) Unwrap() error { return e.Cause }

func (e *PermanentTransportError) Code() string { return CodeHubRejected }

// NotFound reports whether the hub answered 404.
func (e *PermanentTransportError) NotFound() bool { return e.Status == 404 }

// CredentialsRejected reports whether the hub refused the gateway's token.
func (e *PermanentTransportError) CredentialsRejected() bool {
	return e.Status == 401 || e.Status == 403 || e.HubCode == "auth_invalid"
}

// fromTransport maps a Retrier error onto the taxonomy.
func fromTransport(ch transport.Channel, err error) error {
	var exhausted *transport.ExhaustedError
	if errors.As(err, &exhausted) {
		return &TransientTransportError{Channel: ch, Attempts: exhausted.Attempts, Cause: exhausted.Last}
	}
	f := transport.Classify(ch, err)
	return &PermanentTransportError{Channel: ch, Status: f.Status, HubCode: f.Code, Cause: f}
}
