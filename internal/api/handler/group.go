package handler

import (
	"context"
	"net/http"

	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/service"
	"github.com/go-chi/chi/v5"
)

// GroupHandler handles group endpoints.
type GroupHandler struct {
	svc *service.MembershipService
}

// NewGroupHandler creates a new GroupHandler.
func NewGroupHandler(svc *service.MembershipService) *GroupHandler {
	return &GroupHandler{svc: svc}
}

// Create creates a new pending group.
func (h *GroupHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	group, err := h.svc.CreateGroup(r.Context(), actor(r), &req)
	if err != nil {
		handleError(w, err)
		return
	}

	SetGroupETag(w, group)
	respondJSON(w, http.StatusCreated, group)
}

// List lists approved groups of a church, or searches approved groups when
// q is set.
func (h *GroupHandler) List(w http.ResponseWriter, r *http.Request) {
	churchID := r.URL.Query().Get("church_id")
	query := r.URL.Query().Get("q")
	limit, err := queryInt(r, "limit")
	if err != nil {
		handleError(w, err)
		return
	}

	var groups []*domain.Group
	switch {
	case query != "":
		groups, err = h.svc.Search(r.Context(), query, churchID, limit)
	case churchID != "":
		groups, err = h.svc.GroupsByChurch(r.Context(), actor(r), churchID)
	default:
		respondError(w, http.StatusBadRequest, "church_id or q is required")
		return
	}
	if err != nil {
		handleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, groups)
}

// Get gets a group by id.
func (h *GroupHandler) Get(w http.ResponseWriter, r *http.Request) {
	group, err := h.svc.Group(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}

	SetGroupETag(w, group)
	respondJSON(w, http.StatusOK, group)
}

// Approve approves a pending group.
func (h *GroupHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.svc.Approve)
}

// Decline declines a pending group.
func (h *GroupHandler) Decline(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.svc.Decline)
}

// Close closes an approved group.
func (h *GroupHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.svc.Close)
}

type reviewFunc func(ctx context.Context, admin *domain.Profile, groupID, reason string) (*domain.Group, error)

func (h *GroupHandler) review(w http.ResponseWriter, r *http.Request, do reviewFunc) {
	groupID := chi.URLParam(r, "id")

	var req domain.ReviewGroupRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if r.Header.Get("If-Match") != "" {
		current, err := h.svc.RefreshGroup(r.Context(), groupID)
		if err != nil {
			handleError(w, err)
			return
		}
		if !CheckGroupIfMatch(r, current) {
			RespondPreconditionFailed(w, "group", current.ID, current.UpdatedAt)
			return
		}
	}

	group, err := do(r.Context(), actor(r), groupID, req.Reason)
	if err != nil {
		handleError(w, err)
		return
	}

	SetGroupETag(w, group)
	respondJSON(w, http.StatusOK, group)
}
