// Package policy decides whether an actor may read or mutate a church or
// group scope. Checks never mutate state and never return an error for a
// refusal: a denial is a Decision with a reason.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/metrics"
	"go.uber.org/zap"
)

// Resources and operations understood by ValidateRLSCompliance.
const (
	ResourceGroups           = "groups"
	ResourceGroupMemberships = "group_memberships"

	OpSelect = "select"
	OpInsert = "insert"
	OpUpdate = "update"
)

// ScopeReader is the read-only view of the store the gate needs.
type ScopeReader interface {
	GetGroup(ctx context.Context, id string) (*domain.Group, error)
	GetMembership(ctx context.Context, groupID, userID string) (*domain.Membership, error)
}

// Decision is the outcome of a policy check.
type Decision struct {
	Permitted bool   `json:"permitted"`
	Reason    string `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Permitted: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Err returns nil for a permitted decision and a *domain.PolicyDeniedError
// otherwise.
func (d Decision) Err(action string) error {
	if d.Permitted {
		return nil
	}
	return &domain.PolicyDeniedError{Action: action, Reason: d.Reason}
}

// ScopeFields are the scope columns a mutation is about to write or a read
// is about to filter on.
type ScopeFields struct {
	ChurchIDs []string
	UserID    string
	GroupID   string
}

// Gate evaluates access policy for an explicit actor.
type Gate struct {
	scope   ScopeReader
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a gate. logger and m may be nil.
func New(scope ScopeReader, logger *zap.Logger, m *metrics.Metrics) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{scope: scope, logger: logger, metrics: m}
}

func (g *Gate) refuse(check string, d Decision) Decision {
	if !d.Permitted {
		g.metrics.Denied(check)
	}
	return d
}

// CanAccessChurchData permits super admins and actors whose church scope
// contains churchID.
func (g *Gate) CanAccessChurchData(actor *domain.Profile, churchID string) Decision {
	return g.refuse("church_data", g.canAccessChurch(actor, churchID))
}

func (g *Gate) canAccessChurch(actor *domain.Profile, churchID string) Decision {
	switch {
	case actor == nil:
		return deny("no acting profile")
	case churchID == "":
		return deny("church id is required")
	case actor.IsSuperAdmin(), actor.InChurch(churchID):
		return allow()
	}
	return deny("no access to church %s", churchID)
}

// CanManageGroupMembership permits self-service on the actor's own
// membership, active leaders and admins of the group, super admins, and
// church admins scoped to one of the group's churches.
func (g *Gate) CanManageGroupMembership(ctx context.Context, actor *domain.Profile, groupID, userID string) Decision {
	return g.refuse("manage_membership", g.canManageMembership(ctx, actor, groupID, userID))
}

func (g *Gate) canManageMembership(ctx context.Context, actor *domain.Profile, groupID, userID string) Decision {
	if actor == nil {
		return deny("no acting profile")
	}
	if userID == "" {
		return deny("user id is required")
	}
	if actor.ID == userID || actor.IsSuperAdmin() {
		return allow()
	}
	group, err := g.scope.GetGroup(ctx, groupID)
	if err != nil {
		return g.lookupFailed("group", groupID, err)
	}
	if actor.AdministersAny(group.ChurchIDs) {
		return allow()
	}
	manages, err := g.managesGroup(ctx, actor, groupID)
	if err != nil {
		return g.lookupFailed("membership", groupID, err)
	}
	if manages {
		return allow()
	}
	return deny("only the member, a group leader or a church admin may change this membership")
}

// CanAssignRole permits the member role to anyone; leader and admin need a
// group manager or an elevated church admin.
func (g *Gate) CanAssignRole(ctx context.Context, actor *domain.Profile, groupID string, role domain.MembershipRole) Decision {
	return g.refuse("assign_role", g.canAssignRole(ctx, actor, groupID, role))
}

func (g *Gate) canAssignRole(ctx context.Context, actor *domain.Profile, groupID string, role domain.MembershipRole) Decision {
	if actor == nil {
		return deny("no acting profile")
	}
	if !role.Valid() {
		return deny("unknown role %q", role)
	}
	if role == domain.MembershipMember || actor.IsSuperAdmin() {
		return allow()
	}
	group, err := g.scope.GetGroup(ctx, groupID)
	if err != nil {
		return g.lookupFailed("group", groupID, err)
	}
	if actor.AdministersAny(group.ChurchIDs) {
		return allow()
	}
	manages, err := g.managesGroup(ctx, actor, groupID)
	if err != nil {
		return g.lookupFailed("membership", groupID, err)
	}
	if manages {
		return allow()
	}
	return deny("only a group leader or church admin may assign the %s role", role)
}

// CanReviewGroup permits approve and decline to super admins and church
// admins scoped to one of the group's churches.
func (g *Gate) CanReviewGroup(actor *domain.Profile, group *domain.Group) Decision {
	return g.refuse("review_group", canReview(actor, group))
}

func canReview(actor *domain.Profile, group *domain.Group) Decision {
	switch {
	case actor == nil:
		return deny("no acting profile")
	case group == nil:
		return deny("group is required")
	case actor.AdministersAny(group.ChurchIDs):
		return allow()
	case actor.HasRole(domain.RoleChurchAdmin):
		return deny("group belongs to a church outside your admin scope")
	}
	return deny("approving or declining groups requires a church admin")
}

// CanCloseGroup extends CanReviewGroup to the group's own leaders and admins.
func (g *Gate) CanCloseGroup(ctx context.Context, actor *domain.Profile, group *domain.Group) Decision {
	d := canReview(actor, group)
	if d.Permitted || actor == nil || group == nil {
		return g.refuse("close_group", d)
	}
	manages, err := g.managesGroup(ctx, actor, group.ID)
	if err != nil {
		return g.refuse("close_group", g.lookupFailed("membership", group.ID, err))
	}
	if manages {
		return allow()
	}
	return g.refuse("close_group", deny("closing a group requires a group leader or church admin"))
}

// ValidateRLSCompliance mirrors the store's row-level rules so a bad scope
// fails fast with a readable reason. The store still enforces its own rules.
func (g *Gate) ValidateRLSCompliance(ctx context.Context, actor *domain.Profile, resource, op string, f ScopeFields) Decision {
	return g.refuse("rls", g.validateRLS(ctx, actor, resource, op, f))
}

func (g *Gate) validateRLS(ctx context.Context, actor *domain.Profile, resource, op string, f ScopeFields) Decision {
	if actor == nil {
		return deny("no acting profile")
	}
	switch resource {
	case ResourceGroups:
		switch op {
		case OpSelect:
			return g.churchesAccessible(actor, f.ChurchIDs)
		case OpInsert, OpUpdate:
			if len(f.ChurchIDs) == 0 {
				return deny("groups.%s: church_ids must not be empty", op)
			}
			return g.churchesAccessible(actor, f.ChurchIDs)
		}
	case ResourceGroupMemberships:
		switch op {
		case OpSelect:
			return allow()
		case OpInsert, OpUpdate:
			if f.UserID == "" {
				return deny("group_memberships.%s: user_id must not be empty", op)
			}
			if f.UserID == actor.ID || actor.IsSuperAdmin() {
				return allow()
			}
			churchIDs := f.ChurchIDs
			if len(churchIDs) == 0 && f.GroupID != "" {
				group, err := g.scope.GetGroup(ctx, f.GroupID)
				if err != nil {
					return g.lookupFailed("group", f.GroupID, err)
				}
				churchIDs = group.ChurchIDs
			}
			if actor.AdministersAny(churchIDs) {
				return allow()
			}
			if f.GroupID != "" {
				manages, err := g.managesGroup(ctx, actor, f.GroupID)
				if err != nil {
					return g.lookupFailed("membership", f.GroupID, err)
				}
				if manages {
					return allow()
				}
			}
			return deny("group_memberships.%s: user_id %s is outside your scope", op, f.UserID)
		}
	default:
		return deny("unknown resource %q", resource)
	}
	return deny("%s: unsupported operation %q", resource, op)
}

func (g *Gate) churchesAccessible(actor *domain.Profile, churchIDs []string) Decision {
	for _, id := range churchIDs {
		if d := g.canAccessChurch(actor, id); !d.Permitted {
			return d
		}
	}
	return allow()
}

// managesGroup reports an active leader or admin membership.
func (g *Gate) managesGroup(ctx context.Context, actor *domain.Profile, groupID string) (bool, error) {
	m, err := g.scope.GetMembership(ctx, groupID, actor.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Active() && m.Role.Manages(), nil
}

// lookupFailed fails closed.
func (g *Gate) lookupFailed(what, id string, err error) Decision {
	if errors.Is(err, domain.ErrNotFound) {
		return deny("%s %s not found", what, id)
	}
	g.logger.Warn("policy scope lookup failed",
		zap.String("lookup", what),
		zap.String("id", id),
		zap.Error(err))
	return deny("could not verify access: %s lookup failed", what)
}
