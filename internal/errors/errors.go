package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/render"
)

// StatusClientClosedRequest is written when the caller went away before the
// session answered.
const StatusClientClosedRequest = 499

// Actions tell the UI what the user can do about an error.
const (
	ActionNone            = ""
	ActionConnectDevice   = "connect_device"
	ActionActivateDevice  = "activate_device"
	ActionReenterPassword = "reenter_password"
	ActionWait            = "wait"
	ActionRetry           = "retry"
	ActionContactSupport  = "contact_support"
	ActionRepairVault     = "repair_vault"
)

// APIError is the error body returned to the UI.
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Kind       string      `json:"kind,omitempty"`
	Action     string      `json:"action,omitempty"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`

	// RetryAfter is sent as the Retry-After header, in seconds.
	RetryAfter int `json:"-"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Render implements render.Renderer.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	render.Status(r, e.StatusCode)
	return nil
}

// ValidationError is one rejected request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is the Details payload of VALIDATION_FAILED.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{StatusCode: statusCode, ErrorCode: errorCode, Message: message}
}

func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{StatusCode: statusCode, ErrorCode: errorCode, Message: message, Details: details}
}

// Transport-level errors
var (
	ErrNotFound          = New(http.StatusNotFound, "NOT_FOUND", "Resource not found")
	ErrMethodNotAllowed  = New(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	ErrForbidden         = New(http.StatusForbidden, "FORBIDDEN", "Only local clients are allowed")
	ErrRateLimitExceeded = &APIError{StatusCode: http.StatusTooManyRequests, ErrorCode: "RATE_LIMIT_EXCEEDED", Action: ActionWait, Message: "Rate limit exceeded"}
	ErrInternalServer    = New(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
	ErrWebSocketUpgrade  = New(http.StatusInternalServerError, "WEBSOCKET_UPGRADE_FAILED", "WebSocket upgrade failed")
)

// InvalidRequestWithError reports an undecodable request body.
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", err.Error())
}

// NewValidationErrors reports rejected request fields.
func NewValidationErrors(errs []ValidationError) *APIError {
	return NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed",
		ValidationErrors{Errors: errs})
}

// FromError maps a domain error onto the API error returned to the UI.
// Unknown errors become 500s without leaking their text.
func FromError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{StatusCode: http.StatusGatewayTimeout, ErrorCode: "REQUEST_TIMEOUT",
			Action: ActionRetry, Message: "The request took too long to process"}
	case errors.Is(err, context.Canceled):
		return New(StatusClientClosedRequest, "REQUEST_CANCELED", "The request was canceled")
	}

	for _, m := range domainMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		out := &APIError{
			StatusCode: m.status,
			ErrorCode:  m.code,
			Kind:       KindOf(err).String(),
			Action:     m.action,
			Message:    err.Error(),
		}
		var lockout *LockoutError
		if errors.As(err, &lockout) {
			out.RetryAfter = lockout.RetryAfterSeconds
			out.Details = map[string]int{"retry_after_seconds": lockout.RetryAfterSeconds}
		}
		return out
	}

	return ErrInternalServer
}

var domainMappings = []struct {
	target error
	status int
	code   string
	action string
}{
	{ErrInvalidStateForOperation, http.StatusConflict, "INVALID_STATE_FOR_OPERATION", ActionNone},
	{ErrWrongPassword, http.StatusUnauthorized, "WRONG_PASSWORD", ActionReenterPassword},
	{ErrLockedOut, http.StatusTooManyRequests, "UNLOCK_LOCKED_OUT", ActionWait},
	{ErrSeatsExhausted, http.StatusConflict, "SEATS_EXHAUSTED", ActionContactSupport},
	{ErrDeviceAlreadyRegistered, http.StatusConflict, "DEVICE_ALREADY_REGISTERED", ActionNone},
	{ErrDeviceNotRegistered, http.StatusNotFound, "DEVICE_NOT_REGISTERED", ActionActivateDevice},
	{ErrDeviceNotPresent, http.StatusConflict, "DEVICE_NOT_PRESENT", ActionConnectDevice},
	{ErrDeviceRemoved, http.StatusConflict, "DEVICE_REMOVED", ActionConnectDevice},
	{ErrAuthorityRejected, http.StatusForbidden, "LICENSE_REJECTED", ActionContactSupport},
	{ErrAuthorityUnreachable, http.StatusServiceUnavailable, "AUTHORITY_UNREACHABLE", ActionRetry},
	{ErrIdentifyTimeout, http.StatusGatewayTimeout, "IDENTIFY_TIMEOUT", ActionConnectDevice},
	{ErrVaultCorrupt, http.StatusInternalServerError, "VAULT_CORRUPT", ActionRepairVault},
	{ErrMalformed, http.StatusBadGateway, "MALFORMED_RESPONSE", ActionContactSupport},
	{ErrEntryNotFound, http.StatusNotFound, "ENTRY_NOT_FOUND", ActionNone},
	{ErrSecretNotTypeable, http.StatusUnprocessableEntity, "SECRET_NOT_TYPEABLE", ActionNone},
}

// ErrorResponse is the envelope of every error body.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

func NewErrorResponse(err *APIError) *ErrorResponse {
	return &ErrorResponse{Success: false, Error: err}
}

// Render implements render.Renderer.
func (e *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return e.Error.Render(w, r)
}

// WriteError writes err without chi/render, for middleware that runs
// before the render context exists.
func WriteError(w http.ResponseWriter, err *APIError) {
	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(NewErrorResponse(err))
}
