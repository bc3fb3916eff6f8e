package handler

import (
	"net/http"

	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/service"
	"github.com/go-chi/chi/v5"
)

// MembershipHandler handles group membership endpoints.
type MembershipHandler struct {
	svc *service.MembershipService
}

// NewMembershipHandler creates a new MembershipHandler.
func NewMembershipHandler(svc *service.MembershipService) *MembershipHandler {
	return &MembershipHandler{svc: svc}
}

// Join adds a user, the caller by default, to a group.
func (h *MembershipHandler) Join(w http.ResponseWriter, r *http.Request) {
	var req domain.JoinGroupRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	caller := actor(r)
	userID := req.UserID
	if userID == "" {
		userID = caller.ID
	}

	m, err := h.svc.Join(r.Context(), caller, chi.URLParam(r, "id"), userID, req.Role)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, m)
}

// Leave removes a user, the caller by default, from a group.
func (h *MembershipHandler) Leave(w http.ResponseWriter, r *http.Request) {
	var req domain.LeaveGroupRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	caller := actor(r)
	userID := req.UserID
	if userID == "" {
		userID = caller.ID
	}

	m, err := h.svc.Leave(r.Context(), caller, chi.URLParam(r, "id"), userID)
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, m)
}

// Members lists the active members of a group.
func (h *MembershipHandler) Members(w http.ResponseWriter, r *http.Request) {
	members, err := h.svc.Members(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, members)
}

// Get reports whether a user is a member of a group.
func (h *MembershipHandler) Get(w http.ResponseWriter, r *http.Request) {
	lookup, err := h.svc.Membership(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "user_id"))
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, lookup)
}

// UserGroups lists the groups a user actively belongs to.
func (h *MembershipHandler) UserGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.svc.UserGroups(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, groups)
}
