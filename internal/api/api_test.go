package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bcnelson/fellowship/internal/api"
	"github.com/bcnelson/fellowship/internal/auth"
	"github.com/bcnelson/fellowship/internal/cache"
	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/membership"
	"github.com/bcnelson/fellowship/internal/metrics"
	"github.com/bcnelson/fellowship/internal/policy"
	"github.com/bcnelson/fellowship/internal/service"
	"github.com/bcnelson/fellowship/internal/storage/memory"
	"github.com/bcnelson/fellowship/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	c1 = testutil.Church1
	c2 = testutil.Church2
)

// testServer creates a test server with in-memory storage
type testServer struct {
	handler      http.Handler
	store        *memory.Store
	spy          *testutil.SpyStore
	bootstrapKey string
}

type fakeVerifier map[string]string // token -> subject

func (f fakeVerifier) Verify(ctx context.Context, raw string) (*auth.Claims, error) {
	sub, ok := f[raw]
	if !ok {
		return nil, errors.New("bad token")
	}
	return &auth.Claims{Subject: sub}, nil
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	spy := testutil.NewSpyStore(store)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	client := membership.NewClient(spy, policy.New(spy, nil, m), nil)
	svc := service.NewMembershipService(client, cache.New(cache.Options{Metrics: m}), nil)

	handler := api.NewRouter(api.RouterConfig{
		Store:        spy,
		Service:      svc,
		Verifier:     fakeVerifier{"header.payload.sig": "oidc|alice"},
		BootstrapKey: "test-bootstrap-key",
		Metrics:      m,
		Gatherer:     reg,
	})

	return &testServer{
		handler:      handler,
		store:        store,
		spy:          spy,
		bootstrapKey: "test-bootstrap-key",
	}
}

// login seeds profile with an API key and returns the key.
func (ts *testServer) login(t *testing.T, p *domain.Profile) string {
	t.Helper()
	ctx := context.Background()
	if _, err := ts.store.GetProfile(ctx, p.ID); err != nil {
		if err := ts.store.CreateProfile(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	key := "key-" + p.ID
	err := ts.store.CreateAPIKey(ctx, &domain.APIKey{
		ID:        "k-" + p.ID,
		ProfileID: p.ID,
		Name:      p.ID,
		KeyHash:   auth.HashAPIKey(key),
		KeyPrefix: key[:4],
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func (ts *testServer) request(method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	return ts.requestWithHeaders(method, path, body, apiKey, nil)
}

func (ts *testServer) requestWithHeaders(method, path string, body any, apiKey string, headers map[string]string) *httptest.ResponseRecorder {
	var reqBody io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %s: %v", rr.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) domain.StandardError {
	t.Helper()
	return decode[domain.StandardErrorResponse](t, rr).Error
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request("GET", "/health", nil, "")

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	resp := decode[map[string]string](t, rr)
	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %s", resp["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.request("GET", "/health", nil, "")

	rr := ts.request("GET", "/metrics", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "fellowship_http_requests_total") {
		t.Errorf("request counter missing from /metrics")
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t, testutil.Member("u1", c1))

	// Request without auth header
	rr := ts.request("GET", "/api/v1/me", nil, "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	// Request with invalid auth header format
	rr = ts.requestWithHeaders("GET", "/api/v1/me", nil, "", map[string]string{"Authorization": "Basic invalid"})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	// Unknown API key
	rr = ts.request("GET", "/api/v1/me", nil, "invalid-key")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	// Bootstrap key is disabled once keys exist
	rr = ts.request("GET", "/api/v1/me", nil, ts.bootstrapKey)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 for bootstrap key, got %d", rr.Code)
	}
}

func TestBootstrapFlow(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request("POST", "/api/v1/profiles", domain.CreateProfileRequest{
		DisplayName: "Root",
		Email:       "root@example.org",
		Roles:       []string{domain.RoleSuperAdmin},
	}, ts.bootstrapKey)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	root := decode[domain.Profile](t, rr)

	rr = ts.request("POST", "/api/v1/keys", domain.CreateAPIKeyRequest{Name: "root", ProfileID: root.ID}, ts.bootstrapKey)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decode[domain.CreateAPIKeyResponse](t, rr)
	if !strings.HasPrefix(created.Key, auth.APIKeyPrefix) {
		t.Errorf("key = %q", created.Key)
	}

	rr = ts.request("GET", "/api/v1/me", nil, created.Key)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if me := decode[domain.Profile](t, rr); me.ID != root.ID {
		t.Errorf("me = %s, want %s", me.ID, root.ID)
	}

	rr = ts.request("GET", "/api/v1/keys", nil, created.Key)
	if keys := decode[[]domain.APIKey](t, rr); len(keys) != 1 {
		t.Errorf("keys = %d, want 1", len(keys))
	}

	rr = ts.request("DELETE", "/api/v1/keys/"+created.ID, nil, created.Key)
	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rr.Code)
	}
}

func TestProfileEndpoints(t *testing.T) {
	ts := newTestServer(t)
	memberKey := ts.login(t, testutil.Member("u1", c1))
	adminKey := ts.login(t, testutil.ChurchAdmin("a1", c1))
	ts.login(t, testutil.Member("u2", c2))

	rr := ts.request("POST", "/api/v1/profiles", domain.CreateProfileRequest{
		DisplayName: "X", Email: "x@example.org", Roles: []string{domain.RoleMember},
	}, adminKey)
	if rr.Code != http.StatusForbidden {
		t.Errorf("church admin registered a profile: %d", rr.Code)
	}

	if rr := ts.request("GET", "/api/v1/profiles/u1", nil, adminKey); rr.Code != http.StatusOK {
		t.Errorf("admin reading own church member: %d", rr.Code)
	}
	if rr := ts.request("GET", "/api/v1/profiles/u2", nil, adminKey); rr.Code != http.StatusForbidden {
		t.Errorf("admin reading other church member: %d", rr.Code)
	}
	if rr := ts.request("GET", "/api/v1/profiles/u1", nil, memberKey); rr.Code != http.StatusOK {
		t.Errorf("member reading self: %d", rr.Code)
	}
	if rr := ts.request("GET", "/api/v1/profiles/nobody", nil, adminKey); rr.Code != http.StatusNotFound {
		t.Errorf("missing profile: %d", rr.Code)
	}
}

func TestOIDCToken(t *testing.T) {
	ts := newTestServer(t)
	alice := testutil.Member("alice", c1)
	alice.Subject = "oidc|alice"
	if err := ts.store.CreateProfile(context.Background(), alice); err != nil {
		t.Fatal(err)
	}

	rr := ts.request("GET", "/api/v1/me", nil, "header.payload.sig")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if me := decode[domain.Profile](t, rr); me.ID != "alice" {
		t.Errorf("me = %s", me.ID)
	}

	rr = ts.request("GET", "/api/v1/me", nil, "forged.payload.sig")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
}

func TestGroupLifecycle(t *testing.T) {
	ts := newTestServer(t)
	memberKey := ts.login(t, testutil.Member("u1", c1))
	adminKey := ts.login(t, testutil.ChurchAdmin("a1", c1))
	outsiderKey := ts.login(t, testutil.ChurchAdmin("a2", c2))

	// Create
	rr := ts.request("POST", "/api/v1/groups", domain.CreateGroupRequest{
		Title:       "Young Adults",
		Description: "Thursday night study",
		MeetingDay:  "thursday",
		MeetingTime: "19:30",
		ChurchIDs:   []string{c1},
	}, memberKey)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	group := decode[domain.Group](t, rr)
	if group.Status != domain.GroupPending {
		t.Errorf("status = %s, want pending", group.Status)
	}
	base := "/api/v1/groups/" + group.ID

	// Joining a pending group conflicts
	rr = ts.request("POST", base+"/join", nil, memberKey)
	if rr.Code != http.StatusConflict {
		t.Errorf("join pending: expected 409, got %d", rr.Code)
	}

	// Admin outside the church is denied with a reason
	rr = ts.request("POST", base+"/approve", nil, outsiderKey)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rr.Code)
	}
	if e := errorCode(t, rr); e.Code != domain.ErrCodePolicyDenied || e.Message == "" {
		t.Errorf("error = %+v", e)
	}

	// Stale If-Match
	rr = ts.requestWithHeaders("POST", base+"/approve", nil, adminKey, map[string]string{"If-Match": `"group-x-1"`})
	if rr.Code != http.StatusPreconditionFailed {
		t.Errorf("Expected status 412, got %d", rr.Code)
	}

	// Approve with the current ETag
	rr = ts.request("GET", base, nil, memberKey)
	etag := rr.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	rr = ts.requestWithHeaders("POST", base+"/approve", map[string]string{"reason": "looks good"}, adminKey, map[string]string{"If-Match": etag})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if g := decode[domain.Group](t, rr); g.Status != domain.GroupApproved || g.ReviewedBy != "a1" {
		t.Errorf("approved = %+v", g)
	}

	// Approving twice conflicts
	rr = ts.request("POST", base+"/approve", nil, adminKey)
	if rr.Code != http.StatusConflict {
		t.Errorf("second approve: expected 409, got %d", rr.Code)
	}

	// Join
	rr = ts.request("POST", base+"/join", nil, memberKey)
	if rr.Code != http.StatusCreated {
		t.Fatalf("join: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	m := decode[domain.Membership](t, rr)
	if m.UserID != "u1" || m.Role != domain.MembershipMember {
		t.Errorf("membership = %+v", m)
	}

	// Double join
	rr = ts.request("POST", base+"/join", nil, memberKey)
	if rr.Code != http.StatusConflict {
		t.Errorf("double join: expected 409, got %d", rr.Code)
	}
	if e := errorCode(t, rr); e.Code != domain.ErrCodeConflict {
		t.Errorf("error = %+v", e)
	}

	// Reads
	rr = ts.request("GET", base, nil, memberKey)
	if g := decode[domain.Group](t, rr); g.MemberCount != 1 {
		t.Errorf("member_count = %d, want 1", g.MemberCount)
	}
	rr = ts.request("GET", base+"/members", nil, memberKey)
	if members := decode[[]domain.Membership](t, rr); len(members) != 1 {
		t.Errorf("members = %d", len(members))
	}
	rr = ts.request("GET", base+"/members/u1", nil, memberKey)
	if l := decode[domain.MembershipLookup](t, rr); !l.IsMember {
		t.Errorf("lookup = %+v", l)
	}
	rr = ts.request("GET", "/api/v1/users/u1/groups", nil, memberKey)
	if groups := decode[[]domain.Group](t, rr); len(groups) != 1 {
		t.Errorf("user groups = %d", len(groups))
	}
	rr = ts.request("GET", "/api/v1/groups?church_id="+c1, nil, memberKey)
	if groups := decode[[]domain.Group](t, rr); len(groups) != 1 {
		t.Errorf("church groups = %d", len(groups))
	}
	rr = ts.request("GET", "/api/v1/groups?q=thursday", nil, memberKey)
	if groups := decode[[]domain.Group](t, rr); len(groups) != 1 {
		t.Errorf("search = %d", len(groups))
	}

	// Leave
	rr = ts.request("POST", base+"/leave", nil, memberKey)
	if rr.Code != http.StatusOK {
		t.Fatalf("leave: expected 200, got %d", rr.Code)
	}
	rr = ts.request("GET", base+"/members/u1", nil, memberKey)
	if l := decode[domain.MembershipLookup](t, rr); l.IsMember {
		t.Errorf("still a member after leave: %+v", l)
	}

	// Close
	rr = ts.request("POST", base+"/close", map[string]string{"reason": "season over"}, adminKey)
	if rr.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d", rr.Code)
	}
	rr = ts.request("GET", "/api/v1/groups?church_id="+c1, nil, memberKey)
	if groups := decode[[]domain.Group](t, rr); len(groups) != 0 {
		t.Errorf("closed group still listed")
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	memberKey := ts.login(t, testutil.Member("u1", c1))
	outsiderKey := ts.login(t, testutil.Member("u2", c2))
	testutil.Seed(t, ts.store, testutil.Group("g1", domain.GroupApproved, c1))

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		key        string
		wantStatus int
		wantCode   string
	}{
		{"list without filter", "GET", "/api/v1/groups", nil, memberKey, http.StatusBadRequest, domain.ErrCodeInvalidInput},
		{"bad limit", "GET", "/api/v1/groups?q=x&limit=ten", nil, memberKey, http.StatusBadRequest, domain.ErrCodeValidationError},
		{"missing group", "GET", "/api/v1/groups/nope", nil, memberKey, http.StatusNotFound, domain.ErrCodeResourceNotFound},
		{"invalid group", "POST", "/api/v1/groups", domain.CreateGroupRequest{ChurchIDs: []string{c1}}, memberKey, http.StatusBadRequest, domain.ErrCodeValidationError},
		{"other church list", "GET", "/api/v1/groups?church_id=" + c1, nil, outsiderKey, http.StatusForbidden, domain.ErrCodePolicyDenied},
		{"join for someone else", "POST", "/api/v1/groups/g1/join", domain.JoinGroupRequest{UserID: "u1"}, outsiderKey, http.StatusForbidden, domain.ErrCodePolicyDenied},
		{"bad role", "POST", "/api/v1/groups/g1/join", domain.JoinGroupRequest{Role: "owner"}, memberKey, http.StatusBadRequest, domain.ErrCodeInvalidInput},
		{"leave without membership", "POST", "/api/v1/groups/g1/leave", nil, memberKey, http.StatusNotFound, domain.ErrCodeResourceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.request(tt.method, tt.path, tt.body, tt.key)
			if rr.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if e := errorCode(t, rr); e.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", e.Code, tt.wantCode)
			}
		})
	}
}

func TestStoreFailureIsGeneric(t *testing.T) {
	ts := newTestServer(t)
	memberKey := ts.login(t, testutil.Member("u1", c1))
	testutil.Seed(t, ts.store, testutil.Group("g1", domain.GroupApproved, c1))
	ts.spy.Fail(testutil.OpCreateMembership, errors.New("pq: connection reset by peer"))

	rr := ts.request("POST", "/api/v1/groups/g1/join", nil, memberKey)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", rr.Code)
	}
	e := errorCode(t, rr)
	if e.Message != "action failed, please try again" {
		t.Errorf("message = %q", e.Message)
	}
	if strings.Contains(rr.Body.String(), "pq:") {
		t.Error("store detail leaked to the client")
	}

	rr = ts.request("GET", "/api/v1/groups/g1/members/u1", nil, memberKey)
	if l := decode[domain.MembershipLookup](t, rr); l.IsMember {
		t.Error("failed join left the user shown as a member")
	}
}
