// ABOUTME: Client-facing message envelopes and error codes for the dashboard WebSocket
// ABOUTME: Maps package errors from auth and backend onto wire error codes in one place

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/2389/evdash-gateway/internal/auth"
	"github.com/2389/evdash-gateway/internal/backend"
)

// ProtocolVersion is sent when a request does not carry its own version.
const ProtocolVersion = "1.0"

// timestampLayout is ISO 8601 UTC with milliseconds.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrorCode is the value of the "error" field of a failed reply.
type ErrorCode string

// Protocol errors. The connection stays open.
const (
	CodeInvalidJSON    ErrorCode = "invalidJson"
	CodeInvalidPayload ErrorCode = "invalidPayload"
	CodeMissingAction  ErrorCode = "missingAction"
	CodeUnknownAction  ErrorCode = "unknownAction"
)

// Auth errors. The connection is closed after the reply.
const (
	CodeUnauthenticated ErrorCode = "unauthenticated"
	CodeUnauthorized    ErrorCode = "unauthorized"
	CodeMissingToken    ErrorCode = "missingToken"
)

// Backend errors.
const (
	CodeBackendUnavailable ErrorCode = "backendUnavailable"
	CodeBackendError       ErrorCode = "backendError"
	CodeBackendTimeout     ErrorCode = "backendTimeout"
)

// Domain errors.
const (
	CodeDuplicateUser   ErrorCode = "duplicateUser"
	CodeUserNotFound    ErrorCode = "userNotFound"
	CodeBadPassword     ErrorCode = "badPassword"
	CodeInvalidUsername ErrorCode = "invalidUsername"
	CodeInternalError   ErrorCode = "internalError"
)

// Notification event names.
const (
	EventChargerAdded   = "chargerAdded"
	EventChargerChanged = "chargerChanged"
	EventChargerRemoved = "chargerRemoved"
	EventCarAdded       = "carAdded"
	EventCarChanged     = "carChanged"
	EventCarRemoved     = "carRemoved"
	EventEnabledChanged = "enabledChanged"
	EventUserAdded      = "userAdded"
	EventUserRemoved    = "userRemoved"
)

// Reply answers one request. RequestID is echoed verbatim from the request.
type Reply struct {
	Version   string          `json:"version"`
	RequestID json.RawMessage `json:"requestId,omitempty"`
	Success   bool            `json:"success"`
	Payload   any             `json:"payload,omitempty"`
	Error     ErrorCode       `json:"error,omitempty"`
}

// Notification is a server-initiated event.
type Notification struct {
	Version   string `json:"version"`
	RequestID string `json:"requestId"`
	Event     string `json:"event"`
	Payload   any    `json:"payload"`
}

func newNotification(event string, payload any) Notification {
	return Notification{
		Version:   ProtocolVersion,
		RequestID: uuid.New().String(),
		Event:     event,
		Payload:   payload,
	}
}

// codeForError maps an error from a handler to its wire code.
func codeForError(err error) ErrorCode {
	var badPassword *auth.BadPasswordError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, auth.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, auth.ErrDuplicateUser):
		return CodeDuplicateUser
	case errors.Is(err, auth.ErrUserNotFound):
		return CodeUserNotFound
	case errors.As(err, &badPassword), errors.Is(err, auth.ErrBadPassword):
		return CodeBadPassword
	case errors.Is(err, auth.ErrInvalidUsername):
		return CodeInvalidUsername
	case errors.Is(err, backend.ErrBackendUnavailable):
		return CodeBackendUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return CodeBackendTimeout
	case errors.Is(err, backend.ErrQueryFailed):
		return CodeBackendError
	default:
		return CodeInternalError
	}
}

// closesConnection reports whether an error code ends the connection.
func closesConnection(code ErrorCode) bool {
	switch code {
	case CodeUnauthenticated, CodeUnauthorized, CodeMissingToken:
		return true
	default:
		return false
	}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
