package domain

import (
	"errors"
	"fmt"
)

// Common errors used throughout the application.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrConflict       = errors.New("conflict")
	ErrPolicyDenied   = errors.New("policy denied")
	ErrStore          = errors.New("store error")
	ErrInvalidAPIKey  = errors.New("invalid API key")
	ErrNoAPIKeys      = errors.New("no API keys configured")
	ErrMutationClosed = errors.New("mutation already settled")
)

// Error codes for standardized API error responses.
const (
	ErrCodeResourceNotFound      = "RESOURCE_NOT_FOUND"
	ErrCodeResourceAlreadyExists = "RESOURCE_ALREADY_EXISTS"
	ErrCodeInvalidInput          = "INVALID_INPUT"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeValidationError       = "VALIDATION_ERROR"
	ErrCodePreconditionFailed    = "PRECONDITION_FAILED"
	ErrCodePolicyDenied          = "POLICY_DENIED"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeInternalError         = "INTERNAL_ERROR"
)

// PolicyDeniedError is returned when the access policy gate refuses an action.
// It is an expected outcome, never retried.
type PolicyDeniedError struct {
	Action string
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("%v: %s", ErrPolicyDenied, e.Reason)
	}
	return fmt.Sprintf("%s: %v: %s", e.Action, ErrPolicyDenied, e.Reason)
}

func (e *PolicyDeniedError) Unwrap() error { return ErrPolicyDenied }

// ConflictError reports a legitimate domain state that blocks the action,
// e.g. joining a group the user is already an active member of.
type ConflictError struct {
	Op     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// StoreError wraps any failure of the membership store, keeping the original
// error reachable through errors.Is / errors.As.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

// NewStoreError wraps err unless it is already a domain outcome.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		pd *PolicyDeniedError
		ce *ConflictError
		se *StoreError
	)
	if errors.As(err, &pd) || errors.As(err, &ce) || errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsNotFound reports whether err carries ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StandardError represents a standardized error response from the API.
type StandardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StandardErrorResponse wraps a StandardError for JSON responses.
type StandardErrorResponse struct {
	Error StandardError `json:"error"`
}
