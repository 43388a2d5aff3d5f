package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type testServer struct {
	router *gin.Engine
	codec  *TokenCodec
	repo   *fakeUserRepo
	redis  *miniredis.Miniredis
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.LoginRateWindow == 0 {
		cfg.LoginRateWindow = time.Minute
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	repo := newFakeUserRepo(t,
		User{Username: "alice", Roles: []string{RoleManager, RoleUser}},
		User{Username: "bob", Roles: []string{RoleAdmin}},
	)
	codec := NewTokenCodec("router-test-secret", cfg.TokenTTL)
	throttle := NewLoginThrottle(client, cfg.LoginRateLimit, cfg.LoginRateWindow)
	router := NewRouter(cfg, codec, NewRepositoryAuthService(repo), repo, DefaultPolicy(), throttle)

	return &testServer{router: router, codec: codec, repo: repo, redis: mr}
}

func (s *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	var rdr *strings.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	} else {
		rdr = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(AuthorizationHeader, BearerValue(token))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) login(t *testing.T, username, password string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	w := s.do(http.MethodPost, "/login", "", `{"username":"`+username+`","password":"`+password+`"}`)
	return w, StripBearer(w.Header().Get(AuthorizationHeader))
}

func TestLoginIssuesToken(t *testing.T) {
	s := newTestServer(t, Config{})

	w, token := s.login(t, "alice", "password-alice")
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	if token == "" {
		t.Fatal("missing bearer token in Authorization response header")
	}

	claims, err := s.codec.Decode(token)
	if err != nil {
		t.Fatalf("decode issued token: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("token subject = %q, want alice", claims.Subject)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("login body: %v", err)
	}
	if body.Token != token {
		t.Fatal("body token and header token differ")
	}
}

func TestLoginFailureIsUniform(t *testing.T) {
	s := newTestServer(t, Config{})

	wrongPassword, _ := s.login(t, "alice", "nope")
	unknownUser, _ := s.login(t, "mallory", "nope")

	if wrongPassword.Code != http.StatusUnauthorized || unknownUser.Code != http.StatusUnauthorized {
		t.Fatalf("statuses = %d/%d, want 401/401", wrongPassword.Code, unknownUser.Code)
	}
	if wrongPassword.Body.String() != unknownUser.Body.String() {
		t.Fatalf("failure bodies differ: %s vs %s", wrongPassword.Body.String(), unknownUser.Body.String())
	}
	if h := wrongPassword.Header().Get(AuthorizationHeader); h != "" {
		t.Fatalf("failed login leaked a token: %q", h)
	}
}

func TestManagerAccess(t *testing.T) {
	s := newTestServer(t, Config{})
	_, token := s.login(t, "alice", "password-alice")

	w := s.do(http.MethodGet, "/api/public/management/reports", token, "")
	if w.Code != http.StatusOK || w.Body.String() != "Some report data" {
		t.Fatalf("reports = %d %q, want 200 %q", w.Code, w.Body.String(), "Some report data")
	}

	// Same token lacks ADMIN.
	w = s.do(http.MethodGet, "/api/public/admin/users", token, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("admin area for manager = %d, want 403", w.Code)
	}
}

func TestAdminAccess(t *testing.T) {
	s := newTestServer(t, Config{})
	_, token := s.login(t, "bob", "password-bob")

	w := s.do(http.MethodGet, "/api/public/admin/users", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("admin users = %d, body %s", w.Code, w.Body.String())
	}

	var body struct {
		Users []AdminUserListItem `json:"users"`
		Total int                 `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("users body: %v", err)
	}
	if body.Total != 2 || len(body.Users) != 2 {
		t.Fatalf("total = %d users = %d, want 2/2", body.Total, len(body.Users))
	}
	for _, u := range body.Users {
		if u.Username == "" || len(u.Roles) == 0 {
			t.Fatalf("incomplete user projection: %+v", u)
		}
	}
}

func TestAnonymousDeniedOnProtectedRoute(t *testing.T) {
	s := newTestServer(t, Config{})

	w := s.do(http.MethodGet, "/api/public/test", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no-token request = %d, want 401", w.Code)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	s := newTestServer(t, Config{})

	w := s.do(http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", w.Code)
	}
}

func TestUnknownPathFailsClosed(t *testing.T) {
	s := newTestServer(t, Config{})
	_, token := s.login(t, "bob", "password-bob")

	w := s.do(http.MethodGet, "/internal/debug", token, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("unmatched path with identity = %d, want 403", w.Code)
	}

	w = s.do(http.MethodGet, "/internal/debug", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unmatched path anonymous = %d, want 401", w.Code)
	}
}

func TestMalformedTokenRejected(t *testing.T) {
	s := newTestServer(t, Config{})

	w := s.do(http.MethodGet, "/api/public/test", "not-a-token", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("malformed token = %d, want 401", w.Code)
	}
	if !strings.Contains(w.Body.String(), "INVALID_TOKEN") {
		t.Fatalf("body = %s, want INVALID_TOKEN code", w.Body.String())
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	s := newTestServer(t, Config{})

	expired := NewTokenCodec("router-test-secret", time.Minute)
	token, err := expired.Encode("alice", time.Now().Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	w := s.do(http.MethodGet, "/api/public/test", token, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expired token = %d, want 401", w.Code)
	}
	if !strings.Contains(w.Body.String(), "EXPIRED_TOKEN") {
		t.Fatalf("body = %s, want EXPIRED_TOKEN code", w.Body.String())
	}
}

func TestDeletedSubjectRejected(t *testing.T) {
	s := newTestServer(t, Config{})
	_, token := s.login(t, "alice", "password-alice")

	delete(s.repo.users, "alice")

	w := s.do(http.MethodGet, "/api/public/test", token, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("token for deleted user = %d, want 401", w.Code)
	}
}

func TestRoleChangeTakesEffectWithoutReissue(t *testing.T) {
	s := newTestServer(t, Config{})
	_, token := s.login(t, "alice", "password-alice")

	w := s.do(http.MethodGet, "/api/public/admin/users", token, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("pre-promotion = %d, want 403", w.Code)
	}

	// Promote alice; the old token must pick up the new role on next use.
	s.repo.users["alice"].Roles = RoleAdmin

	w = s.do(http.MethodGet, "/api/public/admin/users", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("post-promotion = %d, want 200", w.Code)
	}
}

func TestStoreOutageIs503(t *testing.T) {
	s := newTestServer(t, Config{})
	_, token := s.login(t, "alice", "password-alice")

	s.repo.failWith = errors.New("connection refused")

	w := s.do(http.MethodGet, "/api/public/test", token, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("lookup outage = %d, want 503", w.Code)
	}

	w, _ = s.login(t, "alice", "password-alice")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("login during outage = %d, want 503", w.Code)
	}
}

func TestLoginThrottled(t *testing.T) {
	s := newTestServer(t, Config{LoginRateLimit: 2, LoginRateWindow: time.Minute})

	for i := 0; i < 2; i++ {
		if w, _ := s.login(t, "alice", "nope"); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d = %d, want 401", i+1, w.Code)
		}
	}
	if w, _ := s.login(t, "alice", "nope"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("over-limit attempt = %d, want 429", w.Code)
	}

	// A new window clears the counter.
	s.redis.FastForward(2 * time.Minute)
	if w, _ := s.login(t, "alice", "password-alice"); w.Code != http.StatusOK {
		t.Fatalf("post-window login = %d, want 200", w.Code)
	}
}

func TestWhoami(t *testing.T) {
	s := newTestServer(t, Config{})
	_, token := s.login(t, "alice", "password-alice")

	w := s.do(http.MethodGet, "/api/public/me", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("me = %d, body %s", w.Code, w.Body.String())
	}
	var body struct {
		Username string   `json:"username"`
		Roles    []string `json:"roles"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("me body: %v", err)
	}
	if body.Username != "alice" || len(body.Roles) != 2 {
		t.Fatalf("me = %+v, want alice with two roles", body)
	}
}
