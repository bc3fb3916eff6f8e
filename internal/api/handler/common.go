package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/bcnelson/fellowship/internal/api/middleware"
	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/validation"
)

// actionFailedMessage is all a caller learns about a store failure.
const actionFailedMessage = "action failed, please try again"

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a JSON error response with the default code for status.
func respondError(w http.ResponseWriter, status int, message string) {
	respondStandardError(w, status, codeFor(status), message, "", nil)
}

// respondStandardError writes a StandardErrorResponse.
func respondStandardError(w http.ResponseWriter, status int, code, message, field string, details map[string]any) {
	respondJSON(w, status, &domain.StandardErrorResponse{
		Error: domain.StandardError{
			Code:    code,
			Message: message,
			Field:   field,
			Details: details,
		},
	})
}

func codeFor(status int) string {
	switch status {
	case http.StatusNotFound:
		return domain.ErrCodeResourceNotFound
	case http.StatusBadRequest:
		return domain.ErrCodeInvalidInput
	case http.StatusUnauthorized:
		return domain.ErrCodeUnauthorized
	case http.StatusForbidden:
		return domain.ErrCodePolicyDenied
	case http.StatusConflict:
		return domain.ErrCodeConflict
	case http.StatusPreconditionFailed:
		return domain.ErrCodePreconditionFailed
	}
	return domain.ErrCodeInternalError
}

// handleError converts domain errors to HTTP errors. Store failures carry no
// detail; the membership client has already logged them.
func handleError(w http.ResponseWriter, err error) {
	var (
		pd   *domain.PolicyDeniedError
		ce   *domain.ConflictError
		errs validation.ValidationErrors
		ve   *validation.ValidationError
	)
	switch {
	case errors.As(err, &pd):
		respondStandardError(w, http.StatusForbidden, domain.ErrCodePolicyDenied, pd.Reason, "", nil)
	case errors.As(err, &ce):
		respondStandardError(w, http.StatusConflict, domain.ErrCodeConflict, ce.Reason, "", nil)
	case errors.As(err, &errs):
		respondValidationErrors(w, errs)
	case errors.As(err, &ve):
		respondValidationError(w, ve.Field, ve.Value, ve.Message)
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		respondStandardError(w, http.StatusConflict, domain.ErrCodeResourceAlreadyExists, "already exists", "", nil)
	case errors.Is(err, domain.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, "unauthorized")
	default:
		respondError(w, http.StatusInternalServerError, actionFailedMessage)
	}
}

// decodeJSON decodes JSON from request body.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrInvalidInput
	}
	return nil
}

// decodeOptionalJSON decodes the body when one was sent.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(r, v)
}

// actor returns the acting profile set by the auth middleware.
func actor(r *http.Request) *domain.Profile {
	return middleware.GetProfileFromContext(r.Context())
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, validation.NewValidationError(name, raw, name+" must be an integer")
	}
	return n, nil
}

// respondValidationError writes a JSON validation error response.
func respondValidationError(w http.ResponseWriter, field, value, message string) {
	respondStandardError(w, http.StatusBadRequest, domain.ErrCodeValidationError, message, field, map[string]any{
		"value": value,
	})
}

// respondValidationErrors writes a JSON response for multiple validation errors.
func respondValidationErrors(w http.ResponseWriter, errs validation.ValidationErrors) {
	respondStandardError(w, http.StatusBadRequest, domain.ErrCodeValidationError, errs.Error(), "", map[string]any{
		"errors": errs,
	})
}
