package handler

import (
	"net/http"
	"slices"
	"time"

	"github.com/bcnelson/fellowship/internal/auth"
	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// APIKeyHandler handles API key endpoints.
type APIKeyHandler struct {
	store storage.Storage
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(store storage.Storage) *APIKeyHandler {
	return &APIKeyHandler{store: store}
}

// Create creates a new API key for the caller, or for another profile when
// the caller is a super admin.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" {
		respondValidationError(w, "name", "", "name is required")
		return
	}

	caller := actor(r)
	profileID := req.ProfileID
	if profileID == "" {
		profileID = caller.ID
	}
	if profileID != caller.ID && !caller.IsSuperAdmin() {
		handleError(w, &domain.PolicyDeniedError{Action: "create api key", Reason: "keys for other profiles require a super admin"})
		return
	}
	if _, err := h.store.GetProfile(r.Context(), profileID); err != nil {
		handleError(w, err)
		return
	}

	key, hash, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate API key")
		return
	}

	apiKey := &domain.APIKey{
		ID:        uuid.New().String(),
		ProfileID: profileID,
		Name:      req.Name,
		KeyHash:   hash,
		KeyPrefix: prefix,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.CreateAPIKey(r.Context(), apiKey); err != nil {
		handleError(w, err)
		return
	}

	resp := &domain.CreateAPIKeyResponse{
		ID:        apiKey.ID,
		ProfileID: apiKey.ProfileID,
		Name:      apiKey.Name,
		Key:       key, // Only returned on creation
		KeyPrefix: apiKey.KeyPrefix,
		CreatedAt: apiKey.CreatedAt,
	}

	respondJSON(w, http.StatusCreated, resp)
}

// List lists the caller's API keys (without the actual key values). Super
// admins see every key.
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	caller := actor(r)
	profileID := caller.ID
	if caller.IsSuperAdmin() {
		profileID = r.URL.Query().Get("profile_id")
	}

	keys, err := h.store.ListAPIKeys(r.Context(), profileID)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, keys)
}

// Delete deletes an API key the caller owns, or any key for a super admin.
func (h *APIKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	caller := actor(r)

	if !caller.IsSuperAdmin() {
		keys, err := h.store.ListAPIKeys(r.Context(), caller.ID)
		if err != nil {
			handleError(w, err)
			return
		}
		owned := slices.ContainsFunc(keys, func(k *domain.APIKey) bool { return k.ID == id })
		if !owned {
			handleError(w, domain.ErrNotFound)
			return
		}
	}

	if err := h.store.DeleteAPIKey(r.Context(), id); err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
