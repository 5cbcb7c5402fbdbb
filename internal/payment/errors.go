package payment

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable covers network failures, timeouts and provider 5xx responses.
	ErrProviderUnavailable = errors.New("payment: provider unavailable")
	// ErrProviderRejected covers 4xx responses and provider-level declines.
	ErrProviderRejected = errors.New("payment: provider rejected request")
	// ErrInvalidSignature is returned when a callback fails authenticity or shape checks.
	ErrInvalidSignature = errors.New("payment: invalid callback signature")
	// ErrUnsupportedEvent marks an authentic callback that carries no terminal outcome.
	ErrUnsupportedEvent = errors.New("payment: unsupported callback event")
	ErrUnknownProvider  = errors.New("payment: unknown provider")
	ErrUnknownIntent    = errors.New("payment: unknown intent")
	ErrIntentNotFound   = errors.New("payment: intent not found")
	ErrAlreadyAttached  = errors.New("payment: provider reference already attached")
	ErrStateConflict    = errors.New("payment: state conflict")
	// ErrInvalidTransition is a programming error: the requested edge is not in the state machine.
	ErrInvalidTransition  = errors.New("payment: invalid state transition")
	ErrDuplicateClientKey = errors.New("payment: duplicate client idempotency key")
)

// ProviderError describes a failed provider call.
type ProviderError struct {
	Provider   Provider
	StatusCode int
	Code       string
	Message    string
	// Kind is ErrProviderUnavailable or ErrProviderRejected.
	Kind  error
	Cause error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ProviderError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

func unavailable(p Provider, status int, msg string, cause error) error {
	return &ProviderError{Provider: p, StatusCode: status, Message: msg, Kind: ErrProviderUnavailable, Cause: cause}
}

func rejected(p Provider, status int, code, msg string) error {
	return &ProviderError{Provider: p, StatusCode: status, Code: code, Message: msg, Kind: ErrProviderRejected}
}

func invalidCallback(p Provider, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", p, fmt.Sprintf(format, args...), ErrInvalidSignature)
}

func unsupportedEvent(p Provider, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", p, fmt.Sprintf(format, args...), ErrUnsupportedEvent)
}

// StateConflictError reports a conditional transition that found another state.
type StateConflictError struct {
	IntentID string
	Expected State
	Actual   State
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("payment: intent %s is %s, expected %s", e.IntentID, e.Actual, e.Expected)
}

func (e *StateConflictError) Is(target error) bool { return target == ErrStateConflict }
