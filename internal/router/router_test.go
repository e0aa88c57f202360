package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/storefront-auth/internal/auth"
	"github.com/iliyamo/storefront-auth/internal/auth/authtest"
	"github.com/iliyamo/storefront-auth/internal/config"
	"github.com/iliyamo/storefront-auth/internal/handler"
	"github.com/iliyamo/storefront-auth/internal/metrics"
	"github.com/iliyamo/storefront-auth/internal/middleware"
	"github.com/iliyamo/storefront-auth/internal/model"
	"github.com/iliyamo/storefront-auth/internal/permission"
	"github.com/iliyamo/storefront-auth/internal/token"
	"github.com/iliyamo/storefront-auth/internal/utils"
	"github.com/iliyamo/storefront-auth/internal/webhook"
)

const password = "G00d!pass"

type recorder struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (r *recorder) Emit(e model.AuditEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return true
}

func (r *recorder) last() model.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

type auditStub struct{ userID uint64 }

func (s *auditStub) Trail(_ context.Context, rt model.ResourceType, id string, _ int) ([]model.AuditEntry, error) {
	return []model.AuditEntry{{ID: "t1", ResourceType: rt, ResourceID: id}}, nil
}

func (s *auditStub) Activity(_ context.Context, userID uint64, _ int) ([]model.AuditEntry, error) {
	s.userID = userID
	return nil, nil
}

type server struct {
	t         *testing.T
	srv       http.Handler
	users     *authtest.Users
	blacklist *authtest.Blacklist
	clock     *authtest.Clock
	audit     *recorder
	metrics   *metrics.Metrics
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := &server{
		t:     t,
		users: authtest.NewUsers(),
		clock: authtest.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
		audit: &recorder{},
	}
	s.blacklist = authtest.NewBlacklist(s.clock.Now)
	s.metrics = metrics.New()
	svc := auth.NewService(auth.Deps{
		Users:      s.users,
		Blacklist:  s.blacklist,
		Tokens:     token.NewIssuer("access-secret", "refresh-secret", 30*time.Minute, 7*24*time.Hour, token.WithClock(s.clock.Now)),
		Mailer:     &authtest.Mailer{},
		Log:        zerolog.Nop(),
		Threshold:  5,
		LockFor:    15 * time.Minute,
		BcryptCost: bcrypt.MinCost,
		Now:        s.clock.Now,
	})
	perms, err := permission.Default()
	require.NoError(t, err)
	cookies := middleware.NewCookiePolicy(false)

	s.srv = New(Deps{
		Users:      handler.NewUsersHandler(svc, cookies, perms),
		Audit:      &handler.AuditHandler{Audit: &auditStub{}},
		Health:     &handler.Health{Checks: map[string]handler.Check{"mysql": func(context.Context) error { return nil }}},
		Auth:       &middleware.Authenticator{Tokens: svc, Cookies: cookies, Log: zerolog.Nop()},
		Perms:      perms,
		Metrics:    s.metrics,
		Recorder:   s.audit,
		RateLimit:  config.RateLimitConfig{Enabled: false},
		WebhookKey: "checksum",
		Log:        zerolog.Nop(),
	})
	return s
}

func (s *server) seed(email string, role model.Role, status model.Status) uint64 {
	hash, err := utils.HashPassword(password, bcrypt.MinCost)
	require.NoError(s.t, err)
	return s.users.Put(model.User{Name: "n", Email: email, PasswordHash: hash, Role: role, Status: status})
}

type call struct {
	method, path, body, bearer string
	cookies                    []*http.Cookie
}

func (s *server) do(c call) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
	if c.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	s.srv.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func (s *server) login(email string) (string, []*http.Cookie) {
	rec, body := s.do(call{method: http.MethodPost, path: "/api/v1/users/login", body: `{"email":"` + email + `","password":"` + password + `"}`})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return body["accessToken"].(string), rec.Result().Cookies()
}

func cookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginAndMe(t *testing.T) {
	s := newServer(t)
	id := s.seed("u@example.com", model.RoleUser, model.StatusActive)

	access, cookies := s.login("u@example.com")
	assert.NotEmpty(t, access)
	require.NotNil(t, cookie(cookies, "jwt"))
	refresh := cookie(cookies, "refreshToken")
	require.NotNil(t, refresh)
	assert.True(t, refresh.HttpOnly)

	rec, body := s.do(call{method: http.MethodGet, path: "/api/v1/users/me", bearer: access})
	require.Equal(t, http.StatusOK, rec.Code)
	user := body["data"].(map[string]any)["user"].(map[string]any)
	assert.Equal(t, "u@example.com", user["email"])
	assert.EqualValues(t, id, user["id"])
	assert.NotContains(t, rec.Body.String(), "password")

	// the jwt cookie alone also works
	rec, _ = s.do(call{method: http.MethodGet, path: "/api/v1/users/me", cookies: []*http.Cookie{cookie(cookies, "jwt")}})
	assert.Equal(t, http.StatusOK, rec.Code)

	entry := s.audit.last()
	assert.Equal(t, model.ActionLoginSuccess, entry.Action)
	require.NotNil(t, entry.UserID)
	assert.Equal(t, id, *entry.UserID)
}

func TestLoginBodyNeverCarriesRefreshToken(t *testing.T) {
	s := newServer(t)
	s.seed("u@example.com", model.RoleUser, model.StatusActive)
	rec, body := s.do(call{method: http.MethodPost, path: "/api/v1/users/login", body: `{"email":"u@example.com","password":"` + password + `"}`})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, body, "refreshToken")
	assert.NotContains(t, rec.Body.String(), cookie(rec.Result().Cookies(), "refreshToken").Value)
}

func TestLockoutSequence(t *testing.T) {
	s := newServer(t)
	s.seed("u@example.com", model.RoleUser, model.StatusActive)
	wrong := call{method: http.MethodPost, path: "/api/v1/users/login", body: `{"email":"u@example.com","password":"nope"}`}

	for _, want := range []float64{4, 3, 2, 1} {
		rec, body := s.do(wrong)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "INVALID_PASSWORD", body["code"])
		assert.Equal(t, want, body["remainingAttempts"])
		assert.Equal(t, "fail", body["status"])
	}

	rec, body := s.do(wrong)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "ACCOUNT_LOCKED", body["code"])
	assert.EqualValues(t, 15, body["lockUntilMinutes"])
	assert.Equal(t, model.ActionLoginAttemptLimitExceeded, s.audit.last().Action)

	// the right password does not help while locked
	rec, body = s.do(call{method: http.MethodPost, path: "/api/v1/users/login", body: `{"email":"u@example.com","password":"` + password + `"}`})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "ACCOUNT_LOCKED", body["code"])

	s.clock.Advance(16 * time.Minute)
	s.login("u@example.com")
}

func TestUnknownEmailLooksLikeBadCredentials(t *testing.T) {
	s := newServer(t)
	rec, body := s.do(call{method: http.MethodPost, path: "/api/v1/users/login", body: `{"email":"ghost@example.com","password":"x"}`})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", body["code"])
	assert.NotContains(t, body, "remainingAttempts")
}

func TestLogoutRevokesBothTokens(t *testing.T) {
	s := newServer(t)
	s.seed("u@example.com", model.RoleUser, model.StatusActive)
	access, cookies := s.login("u@example.com")

	rec, _ := s.do(call{method: http.MethodPost, path: "/api/v1/users/logout", bearer: access, cookies: []*http.Cookie{cookie(cookies, "refreshToken")}})
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := cookie(rec.Result().Cookies(), "jwt")
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
	assert.Equal(t, 2, s.blacklist.Len())

	rec, body := s.do(call{method: http.MethodGet, path: "/api/v1/users/me", bearer: access})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, body["message"], "revoked")

	rec, _ = s.do(call{method: http.MethodPost, path: "/api/v1/users/refreshToken", cookies: []*http.Cookie{cookie(cookies, "refreshToken")}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ActionLogout, s.audit.entries[1].Action)
}

func TestLogoutWithoutSessionSucceeds(t *testing.T) {
	s := newServer(t)
	rec, body := s.do(call{method: http.MethodPost, path: "/api/v1/users/logout", bearer: "garbage"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", body["status"])
}

func TestBannedUserIsForbidden(t *testing.T) {
	s := newServer(t)
	id := s.seed("u@example.com", model.RoleUser, model.StatusActive)
	access, _ := s.login("u@example.com")

	u, _ := s.users.Get(id)
	u.Status = model.StatusBan
	s.users.Put(u)

	rec, _ := s.do(call{method: http.MethodGet, path: "/api/v1/users/me", bearer: access})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, model.ActionUnauthorizedAccess, s.audit.last().Action)

	rec, _ = s.do(call{method: http.MethodPost, path: "/api/v1/users/login", body: `{"email":"u@example.com","password":"` + password + `"}`})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRefreshIssuesNewAccessToken(t *testing.T) {
	s := newServer(t)
	s.seed("u@example.com", model.RoleUser, model.StatusActive)
	_, cookies := s.login("u@example.com")
	refresh := cookie(cookies, "refreshToken")

	rec, body := s.do(call{method: http.MethodPost, path: "/api/v1/users/refreshToken", cookies: []*http.Cookie{refresh}})
	require.Equal(t, http.StatusOK, rec.Code)
	fresh := body["accessToken"].(string)
	assert.NotNil(t, cookie(rec.Result().Cookies(), "jwt"))
	assert.Nil(t, cookie(rec.Result().Cookies(), "refreshToken"), "refresh token is not rotated")

	rec, _ = s.do(call{method: http.MethodGet, path: "/api/v1/users/me", bearer: fresh})
	assert.Equal(t, http.StatusOK, rec.Code)

	// a refresh token is never an access token
	rec, _ = s.do(call{method: http.MethodGet, path: "/api/v1/users/me", bearer: refresh.Value})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// the body is ignored, only the cookie counts
	rec, _ = s.do(call{method: http.MethodPost, path: "/api/v1/users/refreshToken", body: `{"refreshToken":"` + refresh.Value + `"}`})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExpiredAccessToken(t *testing.T) {
	s := newServer(t)
	s.seed("u@example.com", model.RoleUser, model.StatusActive)
	access, _ := s.login("u@example.com")

	s.clock.Advance(29 * time.Minute)
	rec, _ := s.do(call{method: http.MethodGet, path: "/api/v1/users/me", bearer: access})
	assert.Equal(t, http.StatusOK, rec.Code)

	s.clock.Advance(2 * time.Minute)
	rec, body := s.do(call{method: http.MethodGet, path: "/api/v1/users/me", bearer: access})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, body["message"], "expired")
}

func TestPasswordChangeInvalidatesOlderTokens(t *testing.T) {
	s := newServer(t)
	s.seed("u@example.com", model.RoleUser, model.StatusActive)
	first, _ := s.login("u@example.com")
	s.clock.Advance(time.Minute)
	second, _ := s.login("u@example.com")

	s.clock.Advance(time.Minute)
	rec, body := s.do(call{method: http.MethodPatch, path: "/api/v1/users/updateMyPassword", bearer: second,
		body: `{"passwordCurrent":"` + password + `","password":"N3w!passw","passwordConfirm":"N3w!passw"}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	next := body["accessToken"].(string)

	rec, _ = s.do(call{method: http.MethodGet, path: "/api/v1/users/me", bearer: first})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "issued before the change")
	rec, _ = s.do(call{method: http.MethodGet, path: "/api/v1/users/me", bearer: second})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "presented token is revoked")
	rec, _ = s.do(call{method: http.MethodGet, path: "/api/v1/users/me", bearer: next})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.ActionPasswordChanged, s.audit.entries[len(s.audit.entries)-3].Action)
}

func TestAdminRoutes(t *testing.T) {
	s := newServer(t)
	target := s.seed("u@example.com", model.RoleUser, model.StatusActive)
	s.seed("admin@example.com", model.RoleAdmin, model.StatusActive)
	s.seed("root@example.com", model.RoleSuperAdmin, model.StatusActive)
	admin, _ := s.login("admin@example.com")
	root, _ := s.login("root@example.com")

	state := call{method: http.MethodPatch, path: "/api/v1/users/1/state", body: `{"state":"ban"}`}
	state.bearer = admin
	rec, _ := s.do(state)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	state.bearer = root
	rec, body := s.do(state)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ban", body["data"].(map[string]any)["user"].(map[string]any)["active"])
	u, _ := s.users.Get(target)
	assert.Equal(t, model.StatusBan, u.Status)
	entry := s.audit.last()
	assert.Equal(t, model.ActionUserUpdated, entry.Action)
	assert.Equal(t, "1", entry.ResourceID)

	rec, _ = s.do(call{method: http.MethodPatch, path: "/api/v1/users/1/state", body: `{"state":"root"}`, bearer: root})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(call{method: http.MethodPatch, path: "/api/v1/users/1/unlock", bearer: admin})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(call{method: http.MethodPatch, path: "/api/v1/users/99/unlock", bearer: admin})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = s.do(call{method: http.MethodPost, path: "/api/v1/users/revoke", bearer: root, body: `{"token":"` + admin + `","reason":"SECURITY_INCIDENT"}`})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(call{method: http.MethodGet, path: "/api/v1/users/me", bearer: admin})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body = s.do(call{method: http.MethodGet, path: "/api/v1/users/2/revocations", bearer: root})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["results"])
}

func TestAuditLogsNeedManageRoles(t *testing.T) {
	s := newServer(t)
	s.seed("m@example.com", model.RoleManager, model.StatusActive)
	s.seed("root@example.com", model.RoleSuperAdmin, model.StatusActive)
	manager, _ := s.login("m@example.com")
	root, _ := s.login("root@example.com")

	rec, _ := s.do(call{method: http.MethodGet, path: "/api/v1/audit-logs?resourceType=User&resourceId=4"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = s.do(call{method: http.MethodGet, path: "/api/v1/audit-logs?resourceType=User&resourceId=4", bearer: manager})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body := s.do(call{method: http.MethodGet, path: "/api/v1/audit-logs?resourceType=User&resourceId=4", bearer: root})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["results"])

	rec, _ = s.do(call{method: http.MethodGet, path: "/api/v1/audit-logs?resourceType=Nope", bearer: root})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = s.do(call{method: http.MethodGet, path: "/api/v1/audit-logs?userId=4", bearer: root})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPermissionsAndAddresses(t *testing.T) {
	s := newServer(t)
	s.seed("staff@example.com", model.RoleSalesStaff, model.StatusActive)
	access, _ := s.login("staff@example.com")

	rec, body := s.do(call{method: http.MethodGet, path: "/api/v1/users/me/permissions", bearer: access})
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["isAdmin"])
	assert.Equal(t, "sales_staff", data["role"])

	rec, body = s.do(call{method: http.MethodPatch, path: "/api/v1/users/createAddress", bearer: access,
		body: `{"name":"Home","phone":"0900","detail":"1 Main St"}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := body["data"].(map[string]any)["address"].([]any)
	require.Len(t, list, 1)
	first := list[0].(map[string]any)
	assert.Equal(t, true, first["setDefault"])

	rec, _ = s.do(call{method: http.MethodPatch, path: "/api/v1/users/createAddress", bearer: access, body: `{"name":"Nope"}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(call{method: http.MethodPatch, path: "/api/v1/users/deleteAddress", bearer: access, body: `{"id":"missing"}`})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = s.do(call{method: http.MethodPatch, path: "/api/v1/users/deleteAddress", bearer: access, body: `{"id":"` + first["id"].(string) + `"}`})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["data"].(map[string]any)["address"])
}

func TestDeleteMeBansAndRevokes(t *testing.T) {
	s := newServer(t)
	id := s.seed("u@example.com", model.RoleUser, model.StatusActive)
	access, _ := s.login("u@example.com")

	rec, _ := s.do(call{method: http.MethodDelete, path: "/api/v1/users/deleteMe", bearer: access})
	require.Equal(t, http.StatusNoContent, rec.Code)
	u, _ := s.users.Get(id)
	assert.Equal(t, model.StatusBan, u.Status)
	assert.Equal(t, model.ActionUserDeleted, s.audit.last().Action)

	rec, _ = s.do(call{method: http.MethodGet, path: "/api/v1/users/me", bearer: access})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOpsEndpoints(t *testing.T) {
	s := newServer(t)
	before := len(s.audit.entries)

	rec, _ := s.do(call{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, body := s.do(call{method: http.MethodGet, path: "/readyz"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["mysql"])

	rec, body = s.do(call{method: http.MethodGet, path: "/api/v1/nothing-here"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "fail", body["status"])

	rec, _ = s.do(call{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")

	// only the 404 is audited
	assert.Equal(t, before+1, len(s.audit.entries))
}

func TestPaymentWebhook(t *testing.T) {
	s := newServer(t)
	data := `{"orderCode":123,"amount":5000}`
	sig, err := webhook.Sign("checksum", []byte(data))
	require.NoError(t, err)

	rec, body := s.do(call{method: http.MethodPost, path: "/api/v1/payment/payos/webhook",
		body: `{"code":"00","success":true,"data":` + data + `,"signature":"` + sig + `"}`})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, model.ActionPaymentCompleted, s.audit.last().Action)

	rec, _ = s.do(call{method: http.MethodPost, path: "/api/v1/payment/payos/webhook",
		body: `{"code":"00","success":true,"data":` + data + `,"signature":"deadbeef"}`})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ActionPaymentFailed, s.audit.last().Action)
}
