package sdk

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrInvalidCredentials is returned when the login exchange is rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrConnectionRejected is returned when the server refuses a database connection.
	ErrConnectionRejected = errors.New("connection rejected")
	// ErrGenerationFailed is returned when the server cannot produce SQL for a prompt.
	ErrGenerationFailed = errors.New("query generation failed")
	// ErrExecutionFailed is returned when generated SQL fails against the database.
	ErrExecutionFailed = errors.New("query execution failed")
	// ErrRefreshFailure is returned when a delegated identity token cannot be refreshed.
	ErrRefreshFailure = errors.New("identity refresh failed")
	// ErrUnauthorized matches any authenticated call answered with 401.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited matches any call answered with 429.
	ErrRateLimited = errors.New("rate limited")
)

// Operation names used in APIError.Op.
const (
	OpLogin   = "login"
	OpConnect = "connect"
	OpAsk     = "ask"
)

// executionDetailPrefix is how the server labels failures raised by the database itself.
const executionDetailPrefix = "Database execution error"

// Fallback details used when the server does not send one.
const (
	fallbackLoginDetail   = "Incorrect username or password"
	fallbackConnectDetail = "Failed to connect. Check credentials."
	fallbackAskDetail     = "An unexpected error occurred"
)

// APIError describes a failed round trip. Error returns the server detail
// verbatim so callers can surface it directly.
type APIError struct {
	Op         string
	StatusCode int
	Detail     string
	Kind       error
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s request failed: %v", e.Op, e.Err)
	}
	return e.Detail
}

// Unwrap exposes the error kind, the status-derived kinds and any transport cause.
func (e *APIError) Unwrap() []error {
	errs := []error{e.Kind}
	switch e.StatusCode {
	case http.StatusUnauthorized:
		errs = append(errs, ErrUnauthorized)
	case http.StatusTooManyRequests:
		errs = append(errs, ErrRateLimited)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// classify maps an HTTP failure for op onto its error kind.
func classify(op string, status int, detail string) *APIError {
	apiErr := &APIError{Op: op, StatusCode: status, Detail: detail}
	switch op {
	case OpLogin:
		apiErr.Kind = ErrInvalidCredentials
		if apiErr.Detail == "" {
			apiErr.Detail = loginFallback(status)
		}
	case OpConnect:
		apiErr.Kind = ErrConnectionRejected
		if apiErr.Detail == "" {
			apiErr.Detail = fallbackConnectDetail
		}
	default:
		apiErr.Kind = ErrGenerationFailed
		if strings.HasPrefix(detail, executionDetailPrefix) {
			apiErr.Kind = ErrExecutionFailed
		}
		if apiErr.Detail == "" {
			apiErr.Detail = fallbackAskDetail
		}
	}
	return apiErr
}

// loginFallback blames the credentials only when the server rejected them.
func loginFallback(status int) string {
	switch status {
	case 0, http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return fallbackLoginDetail
	default:
		return fmt.Sprintf("login request failed (status %d)", status)
	}
}

// transportError wraps a failure that happened before a response arrived.
func transportError(op string, err error) *APIError {
	apiErr := classify(op, 0, "")
	apiErr.Err = err
	return apiErr
}
