// Package testutil provides fixtures and a spying store for tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/storage"
)

// Epoch is the fixed creation time of every fixture.
var Epoch = time.Date(2024, 1, 7, 10, 0, 0, 0, time.UTC)

// Common fixture ids.
const (
	Church1 = "church-1"
	Church2 = "church-2"
)

func profile(id string, roles []string, churches []string) *domain.Profile {
	return &domain.Profile{
		ID:          id,
		DisplayName: id,
		Email:       id + "@example.com",
		Roles:       roles,
		ChurchIDs:   churches,
		CreatedAt:   Epoch,
		UpdatedAt:   Epoch,
	}
}

// SuperAdmin returns a profile with cross-church visibility.
func SuperAdmin(id string) *domain.Profile {
	return profile(id, []string{domain.RoleSuperAdmin}, nil)
}

// ChurchAdmin returns a church admin scoped to churches.
func ChurchAdmin(id string, churches ...string) *domain.Profile {
	return profile(id, []string{domain.RoleChurchAdmin, domain.RoleMember}, churches)
}

// Member returns a plain member of churches.
func Member(id string, churches ...string) *domain.Profile {
	return profile(id, []string{domain.RoleMember}, churches)
}

// Group returns a group fixture.
func Group(id string, status domain.GroupStatus, churches ...string) *domain.Group {
	return &domain.Group{
		ID:          id,
		Title:       "Group " + id,
		Description: "fixture group " + id,
		MeetingDay:  "tuesday",
		MeetingTime: "19:00",
		Location:    "Fellowship hall",
		ChurchIDs:   churches,
		Status:      status,
		CreatedBy:   "creator",
		CreatedAt:   Epoch,
		UpdatedAt:   Epoch,
	}
}

// Membership returns an active membership fixture.
func Membership(id, groupID, userID string, role domain.MembershipRole) *domain.Membership {
	return &domain.Membership{
		ID:        id,
		GroupID:   groupID,
		UserID:    userID,
		Role:      role,
		Status:    domain.MembershipActive,
		JoinedAt:  Epoch,
		UpdatedAt: Epoch,
	}
}

// Seed writes groups, memberships and profiles into s, failing the test on
// any error.
func Seed(t testing.TB, s storage.Storage, items ...any) {
	t.Helper()
	ctx := context.Background()
	for _, item := range items {
		var err error
		switch v := item.(type) {
		case *domain.Group:
			err = s.CreateGroup(ctx, v)
		case *domain.Membership:
			err = s.CreateMembership(ctx, v)
		case *domain.Profile:
			err = s.CreateProfile(ctx, v)
		default:
			t.Fatalf("Seed: unsupported fixture %T", item)
		}
		if err != nil {
			t.Fatalf("Seed %T: %v", item, err)
		}
	}
}
