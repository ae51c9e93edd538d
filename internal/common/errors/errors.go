// Package errors provides the typed error kinds shared across the service.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind buckets errors by propagation policy: 4xx kinds are never retried,
// upstream/runtime/resource may be retried by the reaper, invariant requires
// operator action.
type Kind string

const (
	KindUserInput Kind = "user-input"
	KindNotFound  Kind = "not-found"
	KindConflict  Kind = "conflict"
	KindState     Kind = "state"
	KindResource  Kind = "resource"
	KindUpstream  Kind = "upstream"
	KindRuntime   Kind = "runtime"
	KindInvariant Kind = "invariant"
)

// Specific error codes surfaced in the error envelope.
const (
	CodeNameConflict           = "name-conflict"
	CodeBranchInUse            = "branch-in-use"
	CodeNoWorktree             = "no-worktree"
	CodeNoBranchesAvailable    = "no-branches-available"
	CodeReadonlyMount          = "readonly-mount"
	CodeMountMissing           = "mount-missing"
	CodePathOccupied           = "path-occupied"
	CodeWorktreeCreationFailed = "worktree-creation-failed"
	CodeUpstreamUnreachable    = "upstream-unreachable"
	CodeResourceExhausted      = "resource-exhausted"
	CodeSandboxUnreachable     = "sandbox-unreachable"
	CodeMultiplexerSpawnFailed = "multiplexer-spawn-failed"
	CodeDeadSession            = "dead-session"
)

// AppError is an error carrying its kind, an optional specific code, and the
// HTTP status it maps to.
type AppError struct {
	Kind        Kind     `json:"kind"`
	Code        string   `json:"code,omitempty"`
	Message     string   `json:"message"`
	HTTPStatus  int      `json:"-"`
	Suggestions []string `json:"suggestions,omitempty"`
	Err         error    `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	label := string(e.Kind)
	if e.Code != "" {
		label = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", label, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", label, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Envelope returns the value of the "error" field in the JSON error
// envelope: the specific code when one is set, otherwise the kind.
// Invariant violations always report "invariant"; the code stays in the
// diagnostic message for the operator.
func (e *AppError) Envelope() string {
	if e.Kind == KindInvariant {
		return string(e.Kind)
	}
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

// BadRequest creates a user-input error.
func BadRequest(message string) *AppError {
	return &AppError{
		Kind:       KindUserInput,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound creates a not-found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Kind:       KindNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Unauthorized creates an unauthorized user-input error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Kind:       KindUserInput,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a forbidden user-input error.
func Forbidden(message string) *AppError {
	return &AppError{
		Kind:       KindUserInput,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// Conflict creates a conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Kind:       KindConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NameConflict creates a conflict error carrying alternative name suggestions.
func NameConflict(message string, suggestions []string) *AppError {
	return &AppError{
		Kind:        KindConflict,
		Code:        CodeNameConflict,
		Message:     message,
		HTTPStatus:  http.StatusConflict,
		Suggestions: suggestions,
	}
}

// State creates a state error (no worktree, sandbox not running, dead session).
func State(code, message string) *AppError {
	return &AppError{
		Kind:       KindState,
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Resource creates a resource-exhaustion error.
func Resource(message string, err error) *AppError {
	return &AppError{
		Kind:       KindResource,
		Code:       CodeResourceExhausted,
		Message:    message,
		HTTPStatus: http.StatusInsufficientStorage,
		Err:        err,
	}
}

// Upstream creates an upstream (repository network) error.
func Upstream(code, message string, err error) *AppError {
	return &AppError{
		Kind:       KindUpstream,
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Runtime creates a container-runtime error.
func Runtime(message string, err error) *AppError {
	return &AppError{
		Kind:       KindRuntime,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// RuntimeCode creates a container-runtime error with a specific code.
func RuntimeCode(code, message string, err error) *AppError {
	return &AppError{
		Kind:       KindRuntime,
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Invariant creates an invariant-violation error. These are logged at error
// level and require operator action.
func Invariant(code, message string) *AppError {
	return &AppError{
		Kind:       KindInvariant,
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Internal wraps an unexpected error as a runtime error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Kind:       KindRuntime,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, preserving the kind,
// code and status of an existing AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:        appErr.Kind,
			Code:        appErr.Code,
			Message:     fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus:  appErr.HTTPStatus,
			Suggestions: appErr.Suggestions,
			Err:         err,
		}
	}

	return &AppError{
		Kind:       KindRuntime,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsKind reports whether the error is an AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// IsCode reports whether the error is an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not-found error.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	return IsKind(err, KindConflict)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
