package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/storage/memory"
	"github.com/bcnelson/fellowship/internal/testutil"
)

const (
	c1 = testutil.Church1
	c2 = testutil.Church2
)

func newGate(t *testing.T) (*Gate, *testutil.SpyStore) {
	t.Helper()
	spy := testutil.NewSpyStore(memory.New())
	testutil.Seed(t, spy,
		testutil.Group("g1", domain.GroupApproved, c1),
		testutil.Group("g2", domain.GroupPending, c2),
		testutil.Membership("m-lead", "g1", "leader", domain.MembershipLeader),
		testutil.Membership("m-plain", "g1", "plain", domain.MembershipMember),
	)
	inactive := testutil.Membership("m-old", "g1", "former", domain.MembershipLeader)
	inactive.Status = domain.MembershipInactive
	testutil.Seed(t, spy, inactive)
	spy.Reset()
	return New(spy, nil, nil), spy
}

func TestCanAccessChurchData(t *testing.T) {
	g, _ := newGate(t)
	tests := []struct {
		name   string
		actor  *domain.Profile
		church string
		want   bool
	}{
		{"super admin any church", testutil.SuperAdmin("sa"), c2, true},
		{"member own church", testutil.Member("u", c1), c1, true},
		{"member other church", testutil.Member("u", c1), c2, false},
		{"church admin other church", testutil.ChurchAdmin("a", c1), c2, false},
		{"empty church", testutil.Member("u", c1), "", false},
		{"no actor", nil, c1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.CanAccessChurchData(tt.actor, tt.church)
			if d.Permitted != tt.want {
				t.Errorf("Permitted = %v, want %v (reason %q)", d.Permitted, tt.want, d.Reason)
			}
			if !d.Permitted && d.Reason == "" {
				t.Error("denial without reason")
			}
		})
	}
}

func TestCanManageGroupMembership(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	tests := []struct {
		name   string
		actor  *domain.Profile
		group  string
		target string
		want   bool
	}{
		{"self service", testutil.Member("u1"), "g1", "u1", true},
		{"other user", testutil.Member("u1", c1), "g1", "u2", false},
		{"active leader", testutil.Member("leader", c1), "g1", "u2", true},
		{"plain member", testutil.Member("plain", c1), "g1", "u2", false},
		{"inactive leader", testutil.Member("former", c1), "g1", "u2", false},
		{"scoped church admin", testutil.ChurchAdmin("a", c1), "g1", "u2", true},
		{"unscoped church admin", testutil.ChurchAdmin("a", c2), "g1", "u2", false},
		{"super admin", testutil.SuperAdmin("sa"), "g1", "u2", true},
		{"unknown group", testutil.ChurchAdmin("a", c1), "nope", "u2", false},
		{"empty user", testutil.Member("u1"), "g1", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.CanManageGroupMembership(ctx, tt.actor, tt.group, tt.target)
			if d.Permitted != tt.want {
				t.Errorf("Permitted = %v, want %v (reason %q)", d.Permitted, tt.want, d.Reason)
			}
		})
	}
}

func TestCanAssignRole(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	tests := []struct {
		name  string
		actor *domain.Profile
		role  domain.MembershipRole
		want  bool
	}{
		{"member role for anyone", testutil.Member("u1"), domain.MembershipMember, true},
		{"leader by plain member", testutil.Member("u1", c1), domain.MembershipLeader, false},
		{"leader by group leader", testutil.Member("leader", c1), domain.MembershipLeader, true},
		{"admin by church admin", testutil.ChurchAdmin("a", c1), domain.MembershipAdmin, true},
		{"admin by other church admin", testutil.ChurchAdmin("a", c2), domain.MembershipAdmin, false},
		{"unknown role", testutil.SuperAdmin("sa"), "owner", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if d := g.CanAssignRole(ctx, tt.actor, "g1", tt.role); d.Permitted != tt.want {
				t.Errorf("Permitted = %v, want %v (reason %q)", d.Permitted, tt.want, d.Reason)
			}
		})
	}
}

func TestReviewAndClose(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	group := testutil.Group("g1", domain.GroupApproved, c1)

	if d := g.CanReviewGroup(testutil.ChurchAdmin("a", c1), group); !d.Permitted {
		t.Errorf("scoped admin review denied: %s", d.Reason)
	}
	d := g.CanReviewGroup(testutil.ChurchAdmin("a", c2), group)
	if d.Permitted || !strings.Contains(d.Reason, "outside") {
		t.Errorf("unscoped admin review = %+v", d)
	}
	if d := g.CanReviewGroup(testutil.Member("leader", c1), group); d.Permitted {
		t.Error("group leader may not approve")
	}

	if d := g.CanCloseGroup(ctx, testutil.Member("leader", c1), group); !d.Permitted {
		t.Errorf("leader close denied: %s", d.Reason)
	}
	if d := g.CanCloseGroup(ctx, testutil.Member("plain", c1), group); d.Permitted {
		t.Error("plain member may not close")
	}
	if d := g.CanCloseGroup(ctx, testutil.SuperAdmin("sa"), group); !d.Permitted {
		t.Errorf("super admin close denied: %s", d.Reason)
	}
}

func TestValidateRLSCompliance(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	member := testutil.Member("u1", c1)
	admin := testutil.ChurchAdmin("a", c1)
	tests := []struct {
		name     string
		actor    *domain.Profile
		resource string
		op       string
		fields   ScopeFields
		want     bool
	}{
		{"select own church groups", member, ResourceGroups, OpSelect, ScopeFields{ChurchIDs: []string{c1}}, true},
		{"select foreign church groups", member, ResourceGroups, OpSelect, ScopeFields{ChurchIDs: []string{c1, c2}}, false},
		{"insert group own church", member, ResourceGroups, OpInsert, ScopeFields{ChurchIDs: []string{c1}}, true},
		{"insert group no churches", member, ResourceGroups, OpInsert, ScopeFields{}, false},
		{"insert group foreign church", member, ResourceGroups, OpInsert, ScopeFields{ChurchIDs: []string{c2}}, false},
		{"insert own membership", member, ResourceGroupMemberships, OpInsert, ScopeFields{UserID: "u1", GroupID: "g1"}, true},
		{"insert membership missing user", member, ResourceGroupMemberships, OpInsert, ScopeFields{GroupID: "g1"}, false},
		{"insert other membership", member, ResourceGroupMemberships, OpInsert, ScopeFields{UserID: "u2", GroupID: "g1"}, false},
		{"admin inserts via group scope", admin, ResourceGroupMemberships, OpUpdate, ScopeFields{UserID: "u2", GroupID: "g1"}, true},
		{"admin inserts via church ids", admin, ResourceGroupMemberships, OpInsert, ScopeFields{UserID: "u2", ChurchIDs: []string{c1}}, true},
		{"leader inserts other user", testutil.Member("leader", c1), ResourceGroupMemberships, OpInsert, ScopeFields{UserID: "u2", GroupID: "g1"}, true},
		{"unknown resource", member, "events", OpSelect, ScopeFields{}, false},
		{"unknown op", member, ResourceGroups, "delete", ScopeFields{ChurchIDs: []string{c1}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.ValidateRLSCompliance(ctx, tt.actor, tt.resource, tt.op, tt.fields)
			if d.Permitted != tt.want {
				t.Errorf("Permitted = %v, want %v (reason %q)", d.Permitted, tt.want, d.Reason)
			}
		})
	}
}

func TestLookupFailureFailsClosed(t *testing.T) {
	g, spy := newGate(t)
	spy.Fail(testutil.OpGetGroup, errors.New("connection reset"))

	d := g.CanManageGroupMembership(context.Background(), testutil.ChurchAdmin("a", c1), "g1", "u2")
	if d.Permitted {
		t.Fatal("store failure must not permit")
	}
	if !strings.Contains(d.Reason, "could not verify") {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestGateNeverWrites(t *testing.T) {
	g, spy := newGate(t)
	ctx := context.Background()
	actor := testutil.ChurchAdmin("a", c1)
	g.CanManageGroupMembership(ctx, actor, "g1", "u2")
	g.CanAssignRole(ctx, actor, "g1", domain.MembershipAdmin)
	g.CanCloseGroup(ctx, actor, testutil.Group("g1", domain.GroupApproved, c1))
	g.ValidateRLSCompliance(ctx, actor, ResourceGroupMemberships, OpInsert, ScopeFields{UserID: "u2", GroupID: "g1"})
	if n := spy.Writes(); n != 0 {
		t.Errorf("gate issued %d writes", n)
	}
}

func TestDecisionErr(t *testing.T) {
	if err := allow().Err("join"); err != nil {
		t.Errorf("permitted decision Err = %v", err)
	}
	err := deny("nope").Err("join")
	var pd *domain.PolicyDeniedError
	if !errors.As(err, &pd) || pd.Reason != "nope" || pd.Action != "join" {
		t.Errorf("Err = %#v", err)
	}
	if !errors.Is(err, domain.ErrPolicyDenied) {
		t.Error("Err does not match ErrPolicyDenied")
	}
}
