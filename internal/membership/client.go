// Package membership is the typed client over the membership store. It turns
// domain operations into store queries, runs the access policy gate before
// every gated call, and normalizes store failures into *domain.StoreError.
package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/policy"
	"github.com/bcnelson/fellowship/internal/storage"
	"github.com/bcnelson/fellowship/internal/validation"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Search limits.
const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 100
)

// Client is the membership store client.
type Client struct {
	store  storage.Storage
	gate   *policy.Gate
	logger *zap.Logger
	now    func() time.Time
}

// NewClient creates a client. logger may be nil.
func NewClient(store storage.Storage, gate *policy.Gate, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		store:  store,
		gate:   gate,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Gate returns the policy gate the client checks against.
func (c *Client) Gate() *policy.Gate {
	return c.gate
}

// fail wraps err as a store error and logs infrastructure failures.
func (c *Client) fail(op string, err error) error {
	err = domain.NewStoreError(op, err)
	var se *domain.StoreError
	if errors.As(err, &se) && !errors.Is(err, domain.ErrNotFound) {
		c.logger.Error("membership store call failed", zap.String("op", op), zap.Error(se.Err))
	}
	return err
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
}

// ============================================
// Reads
// ============================================

// GetGroupsByChurch returns the approved groups of churchID ordered by title.
// The actor must be able to see the church; a refusal never reaches the store.
func (c *Client) GetGroupsByChurch(ctx context.Context, actor *domain.Profile, churchID string) ([]*domain.Group, error) {
	if err := c.gate.CanAccessChurchData(actor, churchID).Err("list church groups"); err != nil {
		return nil, err
	}
	groups, err := c.store.ListGroups(ctx, storage.GroupFilter{
		Status:   domain.GroupApproved,
		ChurchID: churchID,
	})
	if err != nil {
		return nil, c.fail("get groups by church", err)
	}
	return groups, nil
}

// GetGroupByID fetches one group. A missing group is a StoreError wrapping
// domain.ErrNotFound.
func (c *Client) GetGroupByID(ctx context.Context, groupID string) (*domain.Group, error) {
	group, err := c.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, c.fail("get group", err)
	}
	return group, nil
}

// GetUserGroups returns the groups the user is an active member of.
func (c *Client) GetUserGroups(ctx context.Context, userID string) ([]*domain.Group, error) {
	memberships, err := c.store.ListMemberships(ctx, storage.MembershipFilter{
		UserID: userID,
		Status: domain.MembershipActive,
	})
	if err != nil {
		return nil, c.fail("get user groups", err)
	}
	if len(memberships) == 0 {
		return []*domain.Group{}, nil
	}
	ids := make([]string, len(memberships))
	for i, m := range memberships {
		ids[i] = m.GroupID
	}
	groups, err := c.store.ListGroups(ctx, storage.GroupFilter{IDs: ids})
	if err != nil {
		return nil, c.fail("get user groups", err)
	}
	return groups, nil
}

// IsGroupMember reports whether the user holds an active membership. A
// missing row is a valid empty answer; Membership is set for inactive rows.
func (c *Client) IsGroupMember(ctx context.Context, groupID, userID string) (*domain.MembershipLookup, error) {
	m, err := c.store.GetMembership(ctx, groupID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.MembershipLookup{IsMember: false}, nil
	}
	if err != nil {
		return nil, c.fail("is group member", err)
	}
	return &domain.MembershipLookup{IsMember: m.Active(), Membership: m}, nil
}

// GetGroupMembers returns active memberships, earliest joiners first.
func (c *Client) GetGroupMembers(ctx context.Context, groupID string) ([]*domain.Membership, error) {
	members, err := c.store.ListMemberships(ctx, storage.MembershipFilter{
		GroupIDs: []string{groupID},
		Status:   domain.MembershipActive,
	})
	if err != nil {
		return nil, c.fail("get group members", err)
	}
	return members, nil
}

// ClampLimit applies the search limit default and ceiling.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultSearchLimit
	case limit > MaxSearchLimit:
		return MaxSearchLimit
	}
	return limit
}

// SearchGroups matches query case-insensitively against title or
// description of approved groups, optionally inside one church.
func (c *Client) SearchGroups(ctx context.Context, query, churchID string, limit int) ([]*domain.Group, error) {
	groups, err := c.store.ListGroups(ctx, storage.GroupFilter{
		Status:   domain.GroupApproved,
		ChurchID: churchID,
		Query:    query,
		Limit:    ClampLimit(limit),
	})
	if err != nil {
		return nil, c.fail("search groups", err)
	}
	return groups, nil
}

// ============================================
// Membership mutations
// ============================================

// AuthorizeJoin runs every policy check a join needs without touching the
// store's write path.
func (c *Client) AuthorizeJoin(ctx context.Context, actor *domain.Profile, groupID, userID string, role domain.MembershipRole) error {
	const action = "join group"
	if err := c.gate.CanManageGroupMembership(ctx, actor, groupID, userID).Err(action); err != nil {
		return err
	}
	if err := c.gate.CanAssignRole(ctx, actor, groupID, role).Err(action); err != nil {
		return err
	}
	return c.gate.ValidateRLSCompliance(ctx, actor, policy.ResourceGroupMemberships, policy.OpInsert,
		policy.ScopeFields{UserID: userID, GroupID: groupID}).Err(action)
}

// AuthorizeLeave runs every policy check a leave needs.
func (c *Client) AuthorizeLeave(ctx context.Context, actor *domain.Profile, groupID, userID string) error {
	const action = "leave group"
	if err := c.gate.CanManageGroupMembership(ctx, actor, groupID, userID).Err(action); err != nil {
		return err
	}
	return c.gate.ValidateRLSCompliance(ctx, actor, policy.ResourceGroupMemberships, policy.OpUpdate,
		policy.ScopeFields{UserID: userID, GroupID: groupID}).Err(action)
}

// JoinGroup adds the user to an approved group. An empty role means member.
//
//   - no row: insert an active row
//   - active row: ConflictError "already a member"
//   - inactive row: reactivate in place with joined_at reset to now and the
//     requested role
//
// TODO: the first join date is lost on reactivation; add a first_joined_at
// column if attendance reports need it.
func (c *Client) JoinGroup(ctx context.Context, actor *domain.Profile, groupID, userID string, role domain.MembershipRole) (*domain.Membership, error) {
	const op = "join group"
	if role == "" {
		role = domain.MembershipMember
	}
	if err := validation.ValidateMembershipRole(role); err != nil {
		return nil, invalid(err)
	}
	if err := c.AuthorizeJoin(ctx, actor, groupID, userID, role); err != nil {
		return nil, err
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, c.fail(op, err)
	}
	defer tx.Rollback()

	group, err := tx.GetGroup(ctx, groupID)
	if err != nil {
		return nil, c.fail(op, err)
	}
	if group.Status != domain.GroupApproved {
		return nil, &domain.ConflictError{Op: op, Reason: fmt.Sprintf("group is %s and not open for joining", group.Status)}
	}

	now := c.now()
	existing, err := tx.GetMembership(ctx, groupID, userID)
	var m *domain.Membership
	switch {
	case errors.Is(err, domain.ErrNotFound):
		m = &domain.Membership{
			ID:        uuid.New().String(),
			GroupID:   groupID,
			UserID:    userID,
			Role:      role,
			Status:    domain.MembershipActive,
			JoinedAt:  now,
			UpdatedAt: now,
		}
		err = tx.CreateMembership(ctx, m)
	case err != nil:
		return nil, c.fail(op, err)
	case existing.Active():
		return nil, &domain.ConflictError{Op: op, Reason: "already a member"}
	default:
		m = existing
		m.Status = domain.MembershipActive
		m.Role = role
		m.JoinedAt = now
		m.UpdatedAt = now
		err = tx.UpdateMembership(ctx, m)
	}
	if errors.Is(err, domain.ErrAlreadyExists) {
		// A concurrent join inserted the row first.
		return nil, &domain.ConflictError{Op: op, Reason: "already a member"}
	}
	if err != nil {
		return nil, c.fail(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, c.fail(op, err)
	}

	c.logger.Info("membership joined",
		zap.String("group_id", groupID),
		zap.String("user_id", userID),
		zap.String("role", string(role)),
		zap.String("actor_id", actor.ID))
	return m, nil
}

// LeaveGroup marks the membership inactive. The row is kept and every call
// writes, even when it is already inactive. A missing row is a StoreError
// wrapping domain.ErrNotFound.
func (c *Client) LeaveGroup(ctx context.Context, actor *domain.Profile, groupID, userID string) (*domain.Membership, error) {
	const op = "leave group"
	if err := c.AuthorizeLeave(ctx, actor, groupID, userID); err != nil {
		return nil, err
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, c.fail(op, err)
	}
	defer tx.Rollback()

	m, err := tx.GetMembership(ctx, groupID, userID)
	if err != nil {
		return nil, c.fail(op, err)
	}
	m.Status = domain.MembershipInactive
	m.UpdatedAt = c.now()
	if err := tx.UpdateMembership(ctx, m); err != nil {
		return nil, c.fail(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, c.fail(op, err)
	}

	c.logger.Info("membership left",
		zap.String("group_id", groupID),
		zap.String("user_id", userID),
		zap.String("actor_id", actor.ID))
	return m, nil
}

// ============================================
// Groups
// ============================================

// CreateGroup stores a new pending group created by actor.
func (c *Client) CreateGroup(ctx context.Context, actor *domain.Profile, req *domain.CreateGroupRequest) (*domain.Group, error) {
	const op = "create group"
	if errs := validation.ValidateCreateGroupRequest(req); errs.HasErrors() {
		return nil, errs
	}
	if err := c.gate.ValidateRLSCompliance(ctx, actor, policy.ResourceGroups, policy.OpInsert,
		policy.ScopeFields{ChurchIDs: req.ChurchIDs}).Err(op); err != nil {
		return nil, err
	}

	now := c.now()
	group := &domain.Group{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Description: req.Description,
		MeetingDay:  req.MeetingDay,
		MeetingTime: req.MeetingTime,
		Location:    req.Location,
		ChurchIDs:   req.ChurchIDs,
		Status:      domain.GroupPending,
		CreatedBy:   actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateGroup(ctx, group); err != nil {
		return nil, c.fail(op, err)
	}
	c.logger.Info("group created",
		zap.String("group_id", group.ID),
		zap.Strings("church_ids", group.ChurchIDs),
		zap.String("actor_id", actor.ID))
	return group, nil
}

// ApproveGroup moves a pending group to approved.
func (c *Client) ApproveGroup(ctx context.Context, actor *domain.Profile, groupID, reason string) (*domain.Group, error) {
	return c.transition(ctx, actor, groupID, domain.GroupApproved, reason)
}

// DeclineGroup moves a pending group to denied.
func (c *Client) DeclineGroup(ctx context.Context, actor *domain.Profile, groupID, reason string) (*domain.Group, error) {
	return c.transition(ctx, actor, groupID, domain.GroupDenied, reason)
}

// CloseGroup moves an approved group to closed.
func (c *Client) CloseGroup(ctx context.Context, actor *domain.Profile, groupID, reason string) (*domain.Group, error) {
	return c.transition(ctx, actor, groupID, domain.GroupClosed, reason)
}

var transitionVerbs = map[domain.GroupStatus]string{
	domain.GroupApproved: "approve",
	domain.GroupDenied:   "decline",
	domain.GroupClosed:   "close",
}

// transition checks policy, then applies a conditional status update so a
// concurrent transition surfaces as a ConflictError.
func (c *Client) transition(ctx context.Context, actor *domain.Profile, groupID string, to domain.GroupStatus, reason string) (*domain.Group, error) {
	verb := transitionVerbs[to]
	op := verb + " group"
	if err := validation.ValidateReason(reason); err != nil {
		return nil, invalid(err)
	}

	group, err := c.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, c.fail(op, err)
	}

	var d policy.Decision
	if to == domain.GroupClosed {
		d = c.gate.CanCloseGroup(ctx, actor, group)
	} else {
		d = c.gate.CanReviewGroup(actor, group)
	}
	if err := d.Err(op); err != nil {
		c.logger.Warn("group review denied",
			zap.String("group_id", groupID),
			zap.String("action", verb),
			zap.String("actor_id", actorID(actor)),
			zap.String("reason", d.Reason))
		return nil, err
	}

	if !domain.CanTransition(group.Status, to) {
		return nil, &domain.ConflictError{Op: op, Reason: fmt.Sprintf("cannot %s a %s group", verb, group.Status)}
	}

	err = c.store.UpdateGroupStatus(ctx, storage.StatusChange{
		GroupID:    groupID,
		From:       group.Status,
		To:         to,
		ReviewedBy: actor.ID,
		Reason:     reason,
		At:         c.now(),
	})
	if errors.Is(err, domain.ErrConflict) {
		return nil, &domain.ConflictError{Op: op, Reason: "group status changed while the request was in flight"}
	}
	if err != nil {
		return nil, c.fail(op, err)
	}

	updated, err := c.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, c.fail(op, err)
	}
	c.logger.Info("group status changed",
		zap.String("group_id", groupID),
		zap.String("from", string(group.Status)),
		zap.String("to", string(to)),
		zap.String("actor_id", actor.ID),
		zap.String("reason", reason))
	return updated, nil
}

func actorID(actor *domain.Profile) string {
	if actor == nil {
		return ""
	}
	return actor.ID
}
