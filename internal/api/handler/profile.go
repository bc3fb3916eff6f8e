package handler

import (
	"net/http"
	"time"

	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/storage"
	"github.com/bcnelson/fellowship/internal/validation"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProfileHandler handles profile endpoints. Profiles are owned by the
// identity provider; this service keeps the copy the policy gate reads.
type ProfileHandler struct {
	store  storage.Storage
	logger *zap.Logger
}

// NewProfileHandler creates a new ProfileHandler.
func NewProfileHandler(store storage.Storage, logger *zap.Logger) *ProfileHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileHandler{store: store, logger: logger}
}

// Me returns the acting profile.
func (h *ProfileHandler) Me(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, actor(r))
}

// Create registers a profile. Only super admins may do so.
func (h *ProfileHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller := actor(r)
	if !caller.IsSuperAdmin() {
		handleError(w, &domain.PolicyDeniedError{Action: "create profile", Reason: "registering profiles requires a super admin"})
		return
	}

	var req domain.CreateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if errs := validation.ValidateCreateProfileRequest(&req); errs.HasErrors() {
		respondValidationErrors(w, errs)
		return
	}

	now := time.Now().UTC()
	profile := &domain.Profile{
		ID:          uuid.New().String(),
		Subject:     req.Subject,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Roles:       req.Roles,
		ChurchIDs:   req.ChurchIDs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.CreateProfile(r.Context(), profile); err != nil {
		handleError(w, err)
		return
	}

	h.logger.Info("profile created",
		zap.String("profile_id", profile.ID),
		zap.Strings("roles", profile.Roles),
		zap.String("actor_id", caller.ID))
	respondJSON(w, http.StatusCreated, profile)
}

// Get returns a profile visible to the caller: their own, any for a super
// admin, or one sharing a church the caller administers.
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller := actor(r)
	id := chi.URLParam(r, "id")

	profile, err := h.store.GetProfile(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	if profile.ID != caller.ID && !caller.AdministersAny(profile.ChurchIDs) {
		handleError(w, &domain.PolicyDeniedError{Action: "get profile", Reason: "profile is outside your admin scope"})
		return
	}

	respondJSON(w, http.StatusOK, profile)
}
