// Package storagetest holds a behavioural suite shared by every
// storage.Storage implementation.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/storage"
)

// Run exercises store against the storage contract. newStore must return an
// empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Storage) {
	t.Run("Profiles", func(t *testing.T) { testProfiles(t, newStore(t)) })
	t.Run("APIKeys", func(t *testing.T) { testAPIKeys(t, newStore(t)) })
	t.Run("Groups", func(t *testing.T) { testGroups(t, newStore(t)) })
	t.Run("GroupStatus", func(t *testing.T) { testGroupStatus(t, newStore(t)) })
	t.Run("Memberships", func(t *testing.T) { testMemberships(t, newStore(t)) })
	t.Run("Transaction", func(t *testing.T) { testTransaction(t, newStore(t)) })
}

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func group(id, title string, status domain.GroupStatus, churches ...string) *domain.Group {
	return &domain.Group{
		ID:        id,
		Title:     title,
		Status:    status,
		ChurchIDs: churches,
		CreatedBy: "creator",
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}
}

func testProfiles(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	p := &domain.Profile{
		ID:          "p1",
		Subject:     "oidc|1",
		DisplayName: "Ruth",
		Email:       "ruth@example.com",
		Roles:       []string{domain.RoleChurchAdmin},
		ChurchIDs:   []string{"c1", "c2"},
		CreatedAt:   epoch,
		UpdatedAt:   epoch,
	}
	if err := s.CreateProfile(ctx, p); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	if err := s.CreateProfile(ctx, p); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate CreateProfile = %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetProfile(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.DisplayName != "Ruth" || !got.HasRole(domain.RoleChurchAdmin) || !got.InChurch("c2") {
		t.Errorf("GetProfile = %+v", got)
	}

	bySub, err := s.GetProfileBySubject(ctx, "oidc|1")
	if err != nil || bySub.ID != "p1" {
		t.Errorf("GetProfileBySubject = %v, %v", bySub, err)
	}

	// Profiles without a subject must not collide with each other.
	for _, id := range []string{"p2", "p3"} {
		if err := s.CreateProfile(ctx, &domain.Profile{ID: id, CreatedAt: epoch, UpdatedAt: epoch}); err != nil {
			t.Fatalf("CreateProfile(%s): %v", id, err)
		}
	}
	if _, err := s.GetProfileBySubject(ctx, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetProfileBySubject(\"\") = %v, want ErrNotFound", err)
	}
	if _, err := s.GetProfile(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetProfile(missing) = %v, want ErrNotFound", err)
	}
}

func testAPIKeys(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if n, err := s.CountAPIKeys(ctx); err != nil || n != 0 {
		t.Fatalf("CountAPIKeys = %d, %v", n, err)
	}
	keys := []*domain.APIKey{
		{ID: "k1", ProfileID: "p1", Name: "one", KeyHash: "h1", KeyPrefix: "aaaa", CreatedAt: epoch},
		{ID: "k2", ProfileID: "p2", Name: "two", KeyHash: "h2", KeyPrefix: "bbbb", CreatedAt: epoch.Add(time.Minute)},
	}
	for _, k := range keys {
		if err := s.CreateAPIKey(ctx, k); err != nil {
			t.Fatalf("CreateAPIKey: %v", err)
		}
	}

	got, err := s.GetAPIKeyByHash(ctx, "h2")
	if err != nil || got.ID != "k2" || got.ProfileID != "p2" {
		t.Errorf("GetAPIKeyByHash = %+v, %v", got, err)
	}
	if _, err := s.GetAPIKeyByHash(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetAPIKeyByHash(nope) = %v", err)
	}

	all, _ := s.ListAPIKeys(ctx, "")
	if len(all) != 2 || all[0].ID != "k2" {
		t.Errorf("ListAPIKeys(all) = %d keys, first %v", len(all), all)
	}
	mine, _ := s.ListAPIKeys(ctx, "p1")
	if len(mine) != 1 || mine[0].ID != "k1" {
		t.Errorf("ListAPIKeys(p1) = %v", mine)
	}

	if err := s.UpdateAPIKeyLastUsed(ctx, "k1"); err != nil {
		t.Errorf("UpdateAPIKeyLastUsed: %v", err)
	}
	got, _ = s.GetAPIKeyByHash(ctx, "h1")
	if got.LastUsedAt == nil {
		t.Error("LastUsedAt not set")
	}

	if err := s.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Errorf("DeleteAPIKey: %v", err)
	}
	if err := s.DeleteAPIKey(ctx, "k1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second DeleteAPIKey = %v, want ErrNotFound", err)
	}
	if n, _ := s.CountAPIKeys(ctx); n != 1 {
		t.Errorf("CountAPIKeys = %d, want 1", n)
	}
}

func testGroups(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	seed := []*domain.Group{
		group("g1", "Young Adults", domain.GroupApproved, "c1"),
		group("g2", "Men's Breakfast", domain.GroupApproved, "c1", "c2"),
		group("g3", "Alpha Course", domain.GroupPending, "c2"),
	}
	seed[0].Description = "Tuesday bible study"
	seed[2].Description = "50% off the first session"
	for _, g := range seed {
		if err := s.CreateGroup(ctx, g); err != nil {
			t.Fatalf("CreateGroup(%s): %v", g.ID, err)
		}
	}
	if err := s.CreateGroup(ctx, seed[0]); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate CreateGroup = %v", err)
	}

	g, err := s.GetGroup(ctx, "g2")
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if len(g.ChurchIDs) != 2 || !g.InChurch("c2") || g.MemberCount != 0 {
		t.Errorf("GetGroup = %+v", g)
	}
	if _, err := s.GetGroup(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetGroup(missing) = %v", err)
	}

	tests := []struct {
		name   string
		filter storage.GroupFilter
		want   []string
	}{
		{"all ordered by title", storage.GroupFilter{}, []string{"g3", "g2", "g1"}},
		{"by church", storage.GroupFilter{ChurchID: "c1"}, []string{"g2", "g1"}},
		{"by status", storage.GroupFilter{Status: domain.GroupPending}, []string{"g3"}},
		{"by ids", storage.GroupFilter{IDs: []string{"g1", "g3"}}, []string{"g3", "g1"}},
		{"query title", storage.GroupFilter{Query: "BREAKFAST"}, []string{"g2"}},
		{"query description", storage.GroupFilter{Query: "bible"}, []string{"g1"}},
		{"query percent is literal", storage.GroupFilter{Query: "%"}, []string{"g3"}},
		{"query underscore is literal", storage.GroupFilter{Query: "_"}, nil},
		{"query with percent", storage.GroupFilter{Query: "50%"}, []string{"g3"}},
		{"query backslash is literal", storage.GroupFilter{Query: `\`}, nil},
		{"limit", storage.GroupFilter{Limit: 1}, []string{"g3"}},
		{"combined", storage.GroupFilter{ChurchID: "c2", Status: domain.GroupApproved}, []string{"g2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListGroups(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListGroups: %v", err)
			}
			if ids := groupIDs(got); !equal(ids, tt.want) {
				t.Errorf("ListGroups(%+v) = %v, want %v", tt.filter, ids, tt.want)
			}
		})
	}
}

func testGroupStatus(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.CreateGroup(ctx, group("g1", "Prayer", domain.GroupPending, "c1")); err != nil {
		t.Fatal(err)
	}
	at := epoch.Add(time.Hour)
	change := storage.StatusChange{
		GroupID: "g1", From: domain.GroupPending, To: domain.GroupApproved,
		ReviewedBy: "admin", Reason: "looks good", At: at,
	}
	if err := s.UpdateGroupStatus(ctx, change); err != nil {
		t.Fatalf("UpdateGroupStatus: %v", err)
	}
	g, _ := s.GetGroup(ctx, "g1")
	if g.Status != domain.GroupApproved || g.ReviewedBy != "admin" || g.ReviewReason != "looks good" {
		t.Errorf("after approve = %+v", g)
	}
	if g.ReviewedAt == nil || !g.ReviewedAt.Equal(at) {
		t.Errorf("ReviewedAt = %v, want %v", g.ReviewedAt, at)
	}

	// Same change again: the row moved on, so it conflicts.
	if err := s.UpdateGroupStatus(ctx, change); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("stale UpdateGroupStatus = %v, want ErrConflict", err)
	}
	change.GroupID = "missing"
	if err := s.UpdateGroupStatus(ctx, change); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("UpdateGroupStatus(missing) = %v, want ErrNotFound", err)
	}
}

func testMemberships(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	for _, g := range []*domain.Group{
		group("g1", "A", domain.GroupApproved, "c1"),
		group("g2", "B", domain.GroupApproved, "c1"),
	} {
		if err := s.CreateGroup(ctx, g); err != nil {
			t.Fatal(err)
		}
	}
	rows := []*domain.Membership{
		{ID: "m1", GroupID: "g1", UserID: "u1", Role: domain.MembershipMember, Status: domain.MembershipActive, JoinedAt: epoch, UpdatedAt: epoch},
		{ID: "m2", GroupID: "g1", UserID: "u2", Role: domain.MembershipLeader, Status: domain.MembershipActive, JoinedAt: epoch.Add(time.Minute), UpdatedAt: epoch},
		{ID: "m3", GroupID: "g2", UserID: "u1", Role: domain.MembershipMember, Status: domain.MembershipInactive, JoinedAt: epoch.Add(2 * time.Minute), UpdatedAt: epoch},
	}
	for _, m := range rows {
		if err := s.CreateMembership(ctx, m); err != nil {
			t.Fatalf("CreateMembership(%s): %v", m.ID, err)
		}
	}
	dup := *rows[0]
	dup.ID = "m9"
	if err := s.CreateMembership(ctx, &dup); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate (group,user) CreateMembership = %v, want ErrAlreadyExists", err)
	}

	m, err := s.GetMembership(ctx, "g1", "u2")
	if err != nil || m.ID != "m2" || m.Role != domain.MembershipLeader {
		t.Errorf("GetMembership = %+v, %v", m, err)
	}
	if _, err := s.GetMembership(ctx, "g2", "u2"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetMembership(missing) = %v", err)
	}

	g, _ := s.GetGroup(ctx, "g1")
	if g.MemberCount != 2 {
		t.Errorf("MemberCount = %d, want 2", g.MemberCount)
	}

	m.Status = domain.MembershipInactive
	m.UpdatedAt = epoch.Add(time.Hour)
	if err := s.UpdateMembership(ctx, m); err != nil {
		t.Fatalf("UpdateMembership: %v", err)
	}
	g, _ = s.GetGroup(ctx, "g1")
	if g.MemberCount != 1 {
		t.Errorf("MemberCount after leave = %d, want 1", g.MemberCount)
	}
	ghost := &domain.Membership{ID: "nope", GroupID: "g1", UserID: "u9", Status: domain.MembershipActive}
	if err := s.UpdateMembership(ctx, ghost); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("UpdateMembership(missing) = %v", err)
	}

	tests := []struct {
		name   string
		filter storage.MembershipFilter
		want   []string
	}{
		{"all", storage.MembershipFilter{}, []string{"m1", "m2", "m3"}},
		{"by user", storage.MembershipFilter{UserID: "u1"}, []string{"m1", "m3"}},
		{"active by user", storage.MembershipFilter{UserID: "u1", Status: domain.MembershipActive}, []string{"m1"}},
		{"by groups", storage.MembershipFilter{GroupIDs: []string{"g2"}}, []string{"m3"}},
		{"active in group", storage.MembershipFilter{GroupIDs: []string{"g1"}, Status: domain.MembershipActive}, []string{"m1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListMemberships(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListMemberships: %v", err)
			}
			ids := make([]string, len(got))
			for i, m := range got {
				ids[i] = m.ID
			}
			if !equal(ids, tt.want) {
				t.Errorf("ListMemberships(%+v) = %v, want %v", tt.filter, ids, tt.want)
			}
		})
	}
}

func testTransaction(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if err := tx.CreateGroup(ctx, group("g1", "Choir", domain.GroupPending, "c1")); err != nil {
		tx.Rollback()
		t.Fatalf("tx.CreateGroup: %v", err)
	}
	if _, err := tx.GetGroup(ctx, "g1"); err != nil {
		t.Errorf("tx.GetGroup inside tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := s.GetGroup(ctx, "g1"); err != nil {
		t.Errorf("GetGroup after commit: %v", err)
	}
}

func groupIDs(groups []*domain.Group) []string {
	ids := make([]string, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
	}
	return ids
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
