package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bcnelson/fellowship/internal/cache"
	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/membership"
	"github.com/bcnelson/fellowship/internal/validation"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TempIDPrefix marks membership ids synthesized for optimistic writes.
const TempIDPrefix = "tmp-"

// MembershipService keeps the synchronization cache consistent with the
// membership store. Join and leave are applied to the cache optimistically
// and rolled back on failure; admin actions update the cache only after the
// store confirms them.
type MembershipService struct {
	client *membership.Client
	cache  *cache.Cache
	logger *zap.Logger
}

// NewMembershipService creates a new MembershipService.
func NewMembershipService(client *membership.Client, c *cache.Cache, logger *zap.Logger) *MembershipService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MembershipService{client: client, cache: c, logger: logger}
}

// Cache returns the cache the service writes to.
func (s *MembershipService) Cache() *cache.Cache {
	return s.cache
}

// Reset drops every cached entry, e.g. on sign-out.
func (s *MembershipService) Reset() {
	s.cache.Clear()
}

// ============================================
// Optimistic mutations
// ============================================

// Join adds userID to the group. The membership key shows the new active
// membership while the store call is in flight.
func (s *MembershipService) Join(ctx context.Context, actor *domain.Profile, groupID, userID string, role domain.MembershipRole) (*domain.Membership, error) {
	if role == "" {
		role = domain.MembershipMember
	}
	if err := validation.ValidateMembershipRole(role); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := s.client.AuthorizeJoin(ctx, actor, groupID, userID, role); err != nil {
		return nil, err
	}

	key := cache.MembershipKey(groupID, userID)
	m, err := s.cache.Begin(ctx, key)
	if err != nil {
		return nil, err
	}
	defer m.Done()

	now := time.Now().UTC()
	synth := &domain.Membership{
		ID:        TempIDPrefix + uuid.New().String(),
		GroupID:   groupID,
		UserID:    userID,
		Role:      role,
		Status:    domain.MembershipActive,
		JoinedAt:  now,
		UpdatedAt: now,
	}
	if prior := priorMembership(m, key); prior != nil {
		// Re-join reactivates the existing row.
		synth.ID = prior.ID
	}
	if err := m.Apply(key, &domain.MembershipLookup{IsMember: true, Membership: synth}); err != nil {
		return nil, err
	}

	joined, err := s.client.JoinGroup(context.WithoutCancel(ctx), actor, groupID, userID, role)
	if err != nil {
		m.Rollback()
		s.rolledBack("join", groupID, userID, m.Seq(), err)
		return nil, err
	}

	if err := m.Set(key, &domain.MembershipLookup{IsMember: true, Membership: joined}); err != nil {
		return nil, err
	}
	m.Commit(s.membershipDependents(groupID, userID)...)
	s.cache.InvalidatePrefix(cache.GroupListsPrefix)
	return joined, nil
}

// Leave marks userID's membership inactive. The membership key shows the
// user as not a member while the store call is in flight.
func (s *MembershipService) Leave(ctx context.Context, actor *domain.Profile, groupID, userID string) (*domain.Membership, error) {
	if err := s.client.AuthorizeLeave(ctx, actor, groupID, userID); err != nil {
		return nil, err
	}

	key := cache.MembershipKey(groupID, userID)
	m, err := s.cache.Begin(ctx, key)
	if err != nil {
		return nil, err
	}
	defer m.Done()

	synth := &domain.MembershipLookup{IsMember: false}
	if prior := priorMembership(m, key); prior != nil {
		prior.Status = domain.MembershipInactive
		prior.UpdatedAt = time.Now().UTC()
		synth.Membership = prior
	}
	if err := m.Apply(key, synth); err != nil {
		return nil, err
	}

	left, err := s.client.LeaveGroup(context.WithoutCancel(ctx), actor, groupID, userID)
	if err != nil {
		m.Rollback()
		s.rolledBack("leave", groupID, userID, m.Seq(), err)
		return nil, err
	}

	if err := m.Set(key, &domain.MembershipLookup{IsMember: false, Membership: left}); err != nil {
		return nil, err
	}
	m.Commit(s.membershipDependents(groupID, userID)...)
	s.cache.InvalidatePrefix(cache.GroupListsPrefix)
	return left, nil
}

// priorMembership returns a copy of the membership cached under key when the
// mutation began.
func priorMembership(m *cache.Mutation, key string) *domain.Membership {
	e, ok := m.Snapshot(key)
	if !ok {
		return nil
	}
	lookup, ok := e.Value.(*domain.MembershipLookup)
	if !ok || lookup == nil {
		return nil
	}
	return lookup.Membership.Clone()
}

func (s *MembershipService) membershipDependents(groupID, userID string) []string {
	return []string{
		cache.UserGroupsKey(userID),
		cache.GroupMembersKey(groupID),
		cache.GroupKey(groupID),
	}
}

func (s *MembershipService) rolledBack(action, groupID, userID string, seq uint64, err error) {
	fields := []zap.Field{
		zap.String("action", action),
		zap.String("group_id", groupID),
		zap.String("user_id", userID),
		zap.Uint64("attempt", seq),
		zap.Error(err),
	}
	if errors.Is(err, domain.ErrStore) {
		s.logger.Warn("optimistic update rolled back", fields...)
		return
	}
	s.logger.Info("optimistic update rolled back", fields...)
}

// ============================================
// Admin actions
// ============================================

// Approve moves a pending group to approved.
func (s *MembershipService) Approve(ctx context.Context, admin *domain.Profile, groupID, reason string) (*domain.Group, error) {
	return s.review(ctx, groupID, func(ctx context.Context) (*domain.Group, error) {
		return s.client.ApproveGroup(ctx, admin, groupID, reason)
	})
}

// Decline moves a pending group to denied.
func (s *MembershipService) Decline(ctx context.Context, admin *domain.Profile, groupID, reason string) (*domain.Group, error) {
	return s.review(ctx, groupID, func(ctx context.Context) (*domain.Group, error) {
		return s.client.DeclineGroup(ctx, admin, groupID, reason)
	})
}

// Close moves an approved group to closed.
func (s *MembershipService) Close(ctx context.Context, admin *domain.Profile, groupID, reason string) (*domain.Group, error) {
	return s.review(ctx, groupID, func(ctx context.Context) (*domain.Group, error) {
		return s.client.CloseGroup(ctx, admin, groupID, reason)
	})
}

// review waits for the store before touching the cache, then invalidates
// every list a group can appear in.
func (s *MembershipService) review(ctx context.Context, groupID string, call func(context.Context) (*domain.Group, error)) (*domain.Group, error) {
	group, err := call(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	if !s.cache.Set(cache.GroupKey(groupID), group) {
		s.cache.Invalidate(cache.GroupKey(groupID))
	}
	s.cache.InvalidatePrefix(cache.GroupListsPrefix)
	s.cache.InvalidatePrefix(cache.UserGroupsPrefix)
	return group, nil
}

// CreateGroup stores a new pending group.
func (s *MembershipService) CreateGroup(ctx context.Context, actor *domain.Profile, req *domain.CreateGroupRequest) (*domain.Group, error) {
	group, err := s.client.CreateGroup(context.WithoutCancel(ctx), actor, req)
	if err != nil {
		return nil, err
	}
	s.cache.Set(cache.GroupKey(group.ID), group)
	return group, nil
}

// ============================================
// Cached reads
// ============================================

// Group returns one group.
func (s *MembershipService) Group(ctx context.Context, groupID string) (*domain.Group, error) {
	return cache.Query(ctx, s.cache, cache.GroupKey(groupID), func(ctx context.Context) (*domain.Group, error) {
		return s.client.GetGroupByID(ctx, groupID)
	})
}

// RefreshGroup drops the cached group and reads it from the store.
func (s *MembershipService) RefreshGroup(ctx context.Context, groupID string) (*domain.Group, error) {
	s.cache.Invalidate(cache.GroupKey(groupID))
	return s.Group(ctx, groupID)
}

// GroupsByChurch returns the approved groups of a church. The policy check
// runs before the cache is consulted so one actor never reads another
// actor's cached list.
func (s *MembershipService) GroupsByChurch(ctx context.Context, actor *domain.Profile, churchID string) ([]*domain.Group, error) {
	if err := s.client.Gate().CanAccessChurchData(actor, churchID).Err("list church groups"); err != nil {
		return nil, err
	}
	return cache.Query(ctx, s.cache, cache.ChurchGroupsKey(churchID), func(ctx context.Context) ([]*domain.Group, error) {
		return s.client.GetGroupsByChurch(ctx, actor, churchID)
	})
}

// UserGroups returns the groups a user is an active member of.
func (s *MembershipService) UserGroups(ctx context.Context, userID string) ([]*domain.Group, error) {
	return cache.Query(ctx, s.cache, cache.UserGroupsKey(userID), func(ctx context.Context) ([]*domain.Group, error) {
		return s.client.GetUserGroups(ctx, userID)
	})
}

// Members returns the active members of a group.
func (s *MembershipService) Members(ctx context.Context, groupID string) ([]*domain.Membership, error) {
	return cache.Query(ctx, s.cache, cache.GroupMembersKey(groupID), func(ctx context.Context) ([]*domain.Membership, error) {
		return s.client.GetGroupMembers(ctx, groupID)
	})
}

// Membership answers whether userID is a member of groupID.
func (s *MembershipService) Membership(ctx context.Context, groupID, userID string) (*domain.MembershipLookup, error) {
	return cache.Query(ctx, s.cache, cache.MembershipKey(groupID, userID), func(ctx context.Context) (*domain.MembershipLookup, error) {
		return s.client.IsGroupMember(ctx, groupID, userID)
	})
}

// Search finds approved groups by title or description.
func (s *MembershipService) Search(ctx context.Context, query, churchID string, limit int) ([]*domain.Group, error) {
	limit = membership.ClampLimit(limit)
	return cache.Query(ctx, s.cache, cache.SearchKey(query, churchID, limit), func(ctx context.Context) ([]*domain.Group, error) {
		return s.client.SearchGroups(ctx, query, churchID, limit)
	})
}
