// Package types defines the shared types used across all Voxwire packages.
//
// These types form the lingua franca between the gateway, the orchestrator,
// the guards, and the publishers. They are intentionally minimal — each
// package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import (
	"errors"
	"fmt"
)

// Principal identifies the authenticated owner of a voice session. It is
// extracted from the voice token on WebSocket upgrade and threaded through
// every component that enforces tenancy.
type Principal struct {
	// TenantID is the owning tenant. Required.
	TenantID string

	// SiteID is the site the widget is embedded on. Required.
	SiteID string

	// UserID identifies the end user when known. Optional — anonymous
	// visitors have no user identity.
	UserID string

	// Locale is the user's BCP 47 locale tag (e.g. "en-US"). Optional.
	Locale string
}

// Anonymous reports whether the principal carries no end-user identity.
func (p Principal) Anonymous() bool { return p.UserID == "" }

// ErrorCode classifies every failure the runtime can surface to a client or
// an operator. Codes are stable wire values; the groups mirror the layers
// they originate from.
type ErrorCode string

const (
	// Auth.
	CodeAuthFailed   ErrorCode = "AUTH_FAILED"
	CodeTokenExpired ErrorCode = "TOKEN_EXPIRED"

	// Transport.
	CodePingTimeout ErrorCode = "PING_TIMEOUT"
	CodeWSClosed    ErrorCode = "WS_CLOSED"

	// Policy.
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeOriginRejected    ErrorCode = "ORIGIN_REJECTED"
	CodePIIBlocked        ErrorCode = "PII_BLOCKED"
	CodeBudgetExceeded    ErrorCode = "BUDGET_EXCEEDED"

	// Input.
	CodeValidationError ErrorCode = "VALIDATION_ERROR"
	CodeUnsafeInput     ErrorCode = "UNSAFE_INPUT"

	// Provider.
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeProviderTimeout     ErrorCode = "PROVIDER_TIMEOUT"

	// Orchestrator.
	CodePlanInvalid      ErrorCode = "PLAN_INVALID"
	CodeMaxLoopsExceeded ErrorCode = "MAX_LOOPS_EXCEEDED"

	// Dispatch.
	CodeActionNotFound       ErrorCode = "ACTION_NOT_FOUND"
	CodeActionFailed         ErrorCode = "ACTION_FAILED"
	CodeConfirmationRequired ErrorCode = "CONFIRMATION_REQUIRED"

	// Outbox.
	CodePublishFailed ErrorCode = "PUBLISH_FAILED"
	CodeDeadLettered  ErrorCode = "DEAD_LETTERED"
)

// Error is a classified runtime error. The Code is what clients see in
// error events; Message is a human-readable explanation safe to surface.
type Error struct {
	Code    ErrorCode
	Message string

	// Err is the underlying cause, kept for operator logs only.
	Err error
}

// NewError builds a classified error with no underlying cause.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError builds a classified error around an underlying cause.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the [ErrorCode] from err or any error it wraps. Returns
// the empty code when err carries no classification.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
