package service

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/bcnelson/fellowship/internal/cache"
	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/membership"
	"github.com/bcnelson/fellowship/internal/policy"
	"github.com/bcnelson/fellowship/internal/storage/memory"
	"github.com/bcnelson/fellowship/internal/testutil"
)

const (
	c1 = testutil.Church1
	c2 = testutil.Church2
)

type fixture struct {
	svc   *MembershipService
	cache *cache.Cache
	store *memory.Store
	spy   *testutil.SpyStore
}

func newFixture(t *testing.T, items ...any) *fixture {
	t.Helper()
	store := memory.New()
	testutil.Seed(t, store, items...)
	spy := testutil.NewSpyStore(store)
	client := membership.NewClient(spy, policy.New(spy, nil, nil), nil)
	c := cache.New(cache.Options{})
	return &fixture{
		svc:   NewMembershipService(client, c, nil),
		cache: c,
		store: store,
		spy:   spy,
	}
}

func (f *fixture) memberCount(t *testing.T, groupID string) int {
	t.Helper()
	g, err := f.store.GetGroup(context.Background(), groupID)
	if err != nil {
		t.Fatal(err)
	}
	return g.MemberCount
}

// Scenarios a, b and c: join, leave and re-join the same group.
func TestJoinLeaveRejoinScenario(t *testing.T) {
	f := newFixture(t, testutil.Group("G123", domain.GroupApproved, c1))
	ctx := context.Background()
	u := testutil.Member("U", c1)

	// a
	joined, err := f.svc.Join(ctx, u, "G123", "U", "")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if joined.GroupID != "G123" || joined.UserID != "U" || joined.Role != domain.MembershipMember || !joined.Active() {
		t.Errorf("joined = %+v", joined)
	}
	if strings.HasPrefix(joined.ID, TempIDPrefix) {
		t.Errorf("service returned the temporary id %s", joined.ID)
	}
	if n := f.memberCount(t, "G123"); n != 1 {
		t.Errorf("member_count = %d, want 1", n)
	}
	lookup, _ := f.svc.Membership(ctx, "G123", "U")
	if !lookup.IsMember || lookup.Membership.ID != joined.ID {
		t.Errorf("cached lookup after join = %+v", lookup)
	}

	// b
	left, err := f.svc.Leave(ctx, u, "G123", "U")
	if err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if left.ID != joined.ID || left.Status != domain.MembershipInactive {
		t.Errorf("left = %+v", left)
	}
	if n := f.memberCount(t, "G123"); n != 0 {
		t.Errorf("member_count = %d, want 0", n)
	}
	if _, err := f.store.GetMembership(ctx, "G123", "U"); err != nil {
		t.Errorf("row removed on leave: %v", err)
	}

	// c
	again, err := f.svc.Join(ctx, u, "G123", "U", "")
	if err != nil {
		t.Fatalf("re-join: %v", err)
	}
	if again.ID != joined.ID {
		t.Errorf("re-join id = %s, want %s", again.ID, joined.ID)
	}
	if again.JoinedAt.Before(joined.JoinedAt) {
		t.Errorf("joined_at went backwards")
	}
	if n := f.memberCount(t, "G123"); n != 1 {
		t.Errorf("member_count = %d, want 1", n)
	}
}

// Scenario d: scoped admin approves, unscoped admin is denied.
func TestApproveScenario(t *testing.T) {
	f := newFixture(t, testutil.Group("G-pending", domain.GroupPending, c1))
	ctx := context.Background()

	_, err := f.svc.Approve(ctx, testutil.ChurchAdmin("B", c2), "G-pending", "")
	if !errors.Is(err, domain.ErrPolicyDenied) {
		t.Fatalf("unscoped approve = %v, want policy denied", err)
	}
	g, _ := f.store.GetGroup(ctx, "G-pending")
	if g.Status != domain.GroupPending {
		t.Errorf("status = %s, want pending", g.Status)
	}
	if _, ok := f.cache.Peek(cache.GroupKey("G-pending")); ok {
		t.Error("denied admin action touched the cache")
	}

	g, err = f.svc.Approve(ctx, testutil.ChurchAdmin("A", c1), "G-pending", "")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if g.Status != domain.GroupApproved || g.ReviewedBy != "A" {
		t.Errorf("approved = %+v", g)
	}
	e, ok := f.cache.Peek(cache.GroupKey("G-pending"))
	if !ok || e.Value.(*domain.Group).Status != domain.GroupApproved {
		t.Errorf("group key not reconciled with the store response: %+v", e)
	}
}

// Scenario e: network failure during join after the optimistic write.
func TestJoinNetworkFailureRollsBack(t *testing.T) {
	f := newFixture(t, testutil.Group("G", domain.GroupApproved, c1))
	ctx := context.Background()
	u := testutil.Member("U", c1)
	key := cache.MembershipKey("G", "U")

	lookup, err := f.svc.Membership(ctx, "G", "U")
	if err != nil || lookup.IsMember {
		t.Fatalf("initial lookup = %+v, %v", lookup, err)
	}
	before, _ := f.cache.Peek(key)

	var sawOptimistic bool
	f.spy.Hook = func(op string) {
		if op != testutil.OpCreateMembership {
			return
		}
		e, _ := f.cache.Peek(key)
		l := e.Value.(*domain.MembershipLookup)
		sawOptimistic = l.IsMember && strings.HasPrefix(l.Membership.ID, TempIDPrefix)
	}
	f.spy.Fail(testutil.OpCreateMembership, errors.New("dial tcp: i/o timeout"))

	_, err = f.svc.Join(ctx, u, "G", "U", "")
	var se *domain.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("Join = %v, want StoreError", err)
	}
	if !sawOptimistic {
		t.Error("optimistic membership was not visible while the store call was in flight")
	}
	after, _ := f.cache.Peek(key)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("cache not restored\nbefore %+v\nafter  %+v", before, after)
	}
	if after.Value.(*domain.MembershipLookup).IsMember {
		t.Error("user still shown as member after rollback")
	}
}

// A join the store rejects leaves a populated membership entry deep-equal.
func TestRejectedJoinRollbackExactness(t *testing.T) {
	f := newFixture(t,
		testutil.Group("G", domain.GroupApproved, c1),
		testutil.Membership("M", "G", "U", domain.MembershipMember),
	)
	ctx := context.Background()
	key := cache.MembershipKey("G", "U")
	if _, err := f.svc.Membership(ctx, "G", "U"); err != nil {
		t.Fatal(err)
	}
	before, _ := f.cache.Peek(key)

	// The user is already active, so the store-side decision is a conflict.
	_, err := f.svc.Join(ctx, testutil.Member("U", c1), "G", "U", "")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Join = %v, want conflict", err)
	}
	after, _ := f.cache.Peek(key)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("cache entry changed\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestRejectedJoinOnEmptyCacheLeavesNoEntry(t *testing.T) {
	f := newFixture(t, testutil.Group("G", domain.GroupPending, c1))
	_, err := f.svc.Join(context.Background(), testutil.Member("U", c1), "G", "U", "")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Join pending group = %v, want conflict", err)
	}
	if _, ok := f.cache.Peek(cache.MembershipKey("G", "U")); ok {
		t.Error("rolled back join left an entry behind")
	}
}

func TestDeniedActorNeverReachesStoreOrCache(t *testing.T) {
	f := newFixture(t,
		testutil.Group("G", domain.GroupApproved, c1),
		testutil.Membership("M", "G", "victim", domain.MembershipMember),
	)
	ctx := context.Background()
	stranger := testutil.Member("stranger", c2)

	if _, err := f.svc.Join(ctx, stranger, "G", "victim", ""); !errors.Is(err, domain.ErrPolicyDenied) {
		t.Errorf("Join = %v", err)
	}
	if _, err := f.svc.Leave(ctx, stranger, "G", "victim"); !errors.Is(err, domain.ErrPolicyDenied) {
		t.Errorf("Leave = %v", err)
	}
	if n := f.spy.Writes(); n != 0 {
		t.Errorf("store writes = %d, want 0", n)
	}
	if n := f.cache.Len(); n != 0 {
		t.Errorf("cache entries = %d, want 0", n)
	}
}

func TestDoubleJoinConflict(t *testing.T) {
	f := newFixture(t, testutil.Group("G", domain.GroupApproved, c1))
	ctx := context.Background()
	u := testutil.Member("U", c1)
	if _, err := f.svc.Join(ctx, u, "G", "U", ""); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Join(ctx, u, "G", "U", "")
	var ce *domain.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("second Join = %v, want ConflictError", err)
	}
	lookup, _ := f.svc.Membership(ctx, "G", "U")
	if !lookup.IsMember || strings.HasPrefix(lookup.Membership.ID, TempIDPrefix) {
		t.Errorf("cache after conflict = %+v", lookup.Membership)
	}
}

func TestConcurrentJoinsSerialize(t *testing.T) {
	f := newFixture(t, testutil.Group("G", domain.GroupApproved, c1))
	ctx := context.Background()
	u := testutil.Member("U", c1)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Join(ctx, u, "G", "U", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				t.Errorf("Join = %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || conflicts != 4 {
		t.Errorf("ok = %d, conflicts = %d", ok, conflicts)
	}
	lookup, _ := f.svc.Membership(ctx, "G", "U")
	if !lookup.IsMember || strings.HasPrefix(lookup.Membership.ID, TempIDPrefix) {
		t.Errorf("final cache = %+v", lookup.Membership)
	}
}

func TestJoinInvalidatesDependents(t *testing.T) {
	f := newFixture(t,
		testutil.Group("G", domain.GroupApproved, c1),
		testutil.Membership("M1", "G", "other", domain.MembershipMember),
	)
	ctx := context.Background()
	u := testutil.Member("U", c1)

	members, _ := f.svc.Members(ctx, "G")
	groups, _ := f.svc.UserGroups(ctx, "U")
	byChurch, _ := f.svc.GroupsByChurch(ctx, u, c1)
	group, _ := f.svc.Group(ctx, "G")
	if len(members) != 1 || len(groups) != 0 || byChurch[0].MemberCount != 1 || group.MemberCount != 1 {
		t.Fatalf("warm-up reads: %d members, %d groups", len(members), len(groups))
	}

	if _, err := f.svc.Join(ctx, u, "G", "U", ""); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{
		cache.GroupMembersKey("G"),
		cache.UserGroupsKey("U"),
		cache.GroupKey("G"),
		cache.ChurchGroupsKey(c1),
	} {
		if e, ok := f.cache.Peek(key); !ok || !e.Stale {
			t.Errorf("%s not invalidated", key)
		}
	}

	members, _ = f.svc.Members(ctx, "G")
	groups, _ = f.svc.UserGroups(ctx, "U")
	byChurch, _ = f.svc.GroupsByChurch(ctx, u, c1)
	group, _ = f.svc.Group(ctx, "G")
	if len(members) != 2 || len(groups) != 1 {
		t.Errorf("after join: %d members, %d user groups", len(members), len(groups))
	}
	if byChurch[0].MemberCount != 2 || group.MemberCount != 2 {
		t.Errorf("member_count: church list %d, group %d, want 2", byChurch[0].MemberCount, group.MemberCount)
	}
}

func TestLeaveOptimisticValue(t *testing.T) {
	f := newFixture(t,
		testutil.Group("G", domain.GroupApproved, c1),
		testutil.Membership("M", "G", "U", domain.MembershipMember),
	)
	ctx := context.Background()
	key := cache.MembershipKey("G", "U")
	f.svc.Membership(ctx, "G", "U")

	var during *domain.MembershipLookup
	f.spy.Hook = func(op string) {
		if op == testutil.OpUpdateMembership {
			e, _ := f.cache.Peek(key)
			during = e.Value.(*domain.MembershipLookup)
		}
	}
	if _, err := f.svc.Leave(ctx, testutil.Member("U", c1), "G", "U"); err != nil {
		t.Fatal(err)
	}
	if during == nil || during.IsMember || during.Membership.ID != "M" || during.Membership.Status != domain.MembershipInactive {
		t.Errorf("optimistic leave value = %+v", during)
	}
	e, _ := f.cache.Peek(key)
	if l := e.Value.(*domain.MembershipLookup); l.IsMember || l.Membership.Status != domain.MembershipInactive {
		t.Errorf("committed leave value = %+v", l)
	}
}

func TestLeaveFailureRollsBack(t *testing.T) {
	f := newFixture(t,
		testutil.Group("G", domain.GroupApproved, c1),
		testutil.Membership("M", "G", "U", domain.MembershipMember),
	)
	ctx := context.Background()
	key := cache.MembershipKey("G", "U")
	f.svc.Membership(ctx, "G", "U")
	before, _ := f.cache.Peek(key)

	f.spy.Fail(testutil.OpUpdateMembership, errors.New("connection refused"))
	if _, err := f.svc.Leave(ctx, testutil.Member("U", c1), "G", "U"); !errors.Is(err, domain.ErrStore) {
		t.Fatalf("Leave = %v, want StoreError", err)
	}
	after, _ := f.cache.Peek(key)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("cache not restored\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestCachedReadsAreGated(t *testing.T) {
	f := newFixture(t, testutil.Group("G", domain.GroupApproved, c1))
	ctx := context.Background()
	if _, err := f.svc.GroupsByChurch(ctx, testutil.Member("insider", c1), c1); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.GroupsByChurch(ctx, testutil.Member("outsider", c2), c1)
	if !errors.Is(err, domain.ErrPolicyDenied) {
		t.Errorf("outsider read cached church list: %v", err)
	}
}

func TestAdminActionsInvalidateLists(t *testing.T) {
	f := newFixture(t,
		testutil.Group("G", domain.GroupApproved, c1),
		testutil.Membership("M", "G", "U", domain.MembershipMember),
	)
	ctx := context.Background()
	f.svc.GroupsByChurch(ctx, testutil.Member("U", c1), c1)
	f.svc.Search(ctx, "group", "", 0)
	f.svc.UserGroups(ctx, "U")

	if _, err := f.svc.Close(ctx, testutil.ChurchAdmin("A", c1), "G", "season over"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, key := range []string{cache.ChurchGroupsKey(c1), cache.SearchKey("group", "", 20), cache.UserGroupsKey("U")} {
		if e, ok := f.cache.Peek(key); !ok || !e.Stale {
			t.Errorf("%s not invalidated", key)
		}
	}
	groups, _ := f.svc.GroupsByChurch(ctx, testutil.Member("U", c1), c1)
	if len(groups) != 0 {
		t.Errorf("closed group still listed: %v", groups)
	}
}

func TestFailedAdminActionLeavesCache(t *testing.T) {
	f := newFixture(t, testutil.Group("G", domain.GroupPending, c1))
	ctx := context.Background()
	f.svc.Group(ctx, "G")
	before, _ := f.cache.Peek(cache.GroupKey("G"))

	f.spy.Fail(testutil.OpUpdateGroupStatus, errors.New("deadlock detected"))
	if _, err := f.svc.Decline(ctx, testutil.SuperAdmin("root"), "G", "spam"); !errors.Is(err, domain.ErrStore) {
		t.Fatalf("Decline = %v, want StoreError", err)
	}
	after, _ := f.cache.Peek(cache.GroupKey("G"))
	if !reflect.DeepEqual(before, after) {
		t.Error("failed admin action changed the cache")
	}
}

func TestCreateGroupAndReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.svc.CreateGroup(ctx, testutil.Member("u1", c1), &domain.CreateGroupRequest{
		Title: "Prayer Warriors", ChurchIDs: []string{c1},
	})
	if err != nil {
		t.Fatal(err)
	}
	cached, err := f.svc.Group(ctx, g.ID)
	if err != nil || cached.Status != domain.GroupPending {
		t.Errorf("cached group = %+v, %v", cached, err)
	}
	f.svc.Reset()
	if f.cache.Len() != 0 {
		t.Errorf("Reset left %d entries", f.cache.Len())
	}
}
