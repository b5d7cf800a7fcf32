// Package bridgeerr implements the bridge's MCP-facing error taxonomy on
// top of internal/errors. Every component that can fail in a way a tool
// caller needs to distinguish returns (or wraps into) a *BridgeError
// carrying one of the Kinds below; internal/dispatcher turns that into
// the {code, message, details?} shape returned to the MCP client.
package bridgeerr

import (
	"fmt"

	"github.com/qsysbridge/core/internal/errors"
)

// Kind tags a BridgeError with the taxonomy slot it occupies.
type Kind string

const (
	NotConnected        Kind = "NOT_CONNECTED"
	Timeout             Kind = "TIMEOUT"
	Backpressure        Kind = "BACKPRESSURE"
	CircuitOpen         Kind = "CIRCUIT_OPEN"
	ValidationError     Kind = "VALIDATION_ERROR"
	AuthRequired        Kind = "AUTH_REQUIRED"
	AuthInvalid         Kind = "AUTH_INVALID"
	RateLimited         Kind = "RATE_LIMITED"
	ComponentNotFound   Kind = "COMPONENT_NOT_FOUND"
	ControlNotFound     Kind = "CONTROL_NOT_FOUND"
	ChangeGroupNotFound Kind = "CHANGE_GROUP_NOT_FOUND"
	ChangeGroupExists   Kind = "CHANGE_GROUP_EXISTS"
	CoreError           Kind = "CORE_ERROR"
	Cancelled           Kind = "CANCELLED"
	Internal            Kind = "INTERNAL"
)

// BridgeError is the taxonomy-tagged error every component surfaces
// across an internal package boundary that the dispatcher or a tool
// handler cares about. It wraps an internal/errors value, so GetStack,
// WithHint, and friends still apply to it.
type BridgeError struct {
	Kind    Kind
	Message string
	// Details carries structured, tool-specific payload: per-field
	// validation messages, a Core error code, a retryAfter duration, etc.
	Details map[string]any
	cause   error
}

func (e *BridgeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *BridgeError) Unwrap() error {
	return e.cause
}

// New builds a BridgeError with no wrapped cause.
func New(kind Kind, message string) *BridgeError {
	return &BridgeError{Kind: kind, Message: message}
}

// Wrap builds a BridgeError that wraps cause, preserving its stack via
// internal/errors.
func Wrap(kind Kind, cause error, message string) *BridgeError {
	return &BridgeError{Kind: kind, Message: message, cause: errors.Wrap(cause, message)}
}

// WithDetails attaches structured details and returns the receiver for
// chaining at the construction site.
func (e *BridgeError) WithDetails(details map[string]any) *BridgeError {
	e.Details = details
	return e
}

// As reports whether err is (or wraps) a *BridgeError, and returns it.
func As(err error) (*BridgeError, bool) {
	var be *BridgeError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// ToolError is the {code, message, details?} shape returned to MCP
// callers by the dispatcher.
type ToolError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ToToolError renders a BridgeError (or any error, tagged Internal and
// sanitized, if it isn't one) into the wire shape. Unknown causes never
// leak their original, potentially sensitive text — only the BridgeError
// Message field (which call sites are responsible for keeping safe) is
// emitted verbatim; everything else is passed through Sanitize.
func ToToolError(err error) ToolError {
	if err == nil {
		return ToolError{Code: string(Internal), Message: "no error"}
	}
	if be, ok := As(err); ok {
		return ToolError{Code: string(be.Kind), Message: be.Message, Details: be.Details}
	}
	return ToolError{Code: string(Internal), Message: Sanitize(err.Error())}
}
