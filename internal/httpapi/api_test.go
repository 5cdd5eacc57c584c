package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"idplane.org/internal/audit"
	"idplane.org/internal/auth"
)

const (
	adminEmail    = "admin@example.com"
	adminPassword = "bootstrap-secret"
)

type apiFixture struct {
	store *auth.MemStore
	srv   *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := auth.NewMemStore()
	if err := auth.Bootstrap(context.Background(), store, auth.BootstrapConfig{
		AdminEmail:    adminEmail,
		AdminPassword: adminPassword,
	}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	issuer, err := auth.NewJWTIssuer("test-secret-please-rotate", "idplane-test")
	if err != nil {
		t.Fatalf("NewJWTIssuer: %v", err)
	}
	engine, err := auth.NewEngine(store)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	sessions, err := auth.NewSessionManager(store, auth.BcryptVerifier{}, issuer, engine)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	users, err := auth.NewUserService(store, auth.BcryptVerifier{})
	if err != nil {
		t.Fatalf("NewUserService: %v", err)
	}
	tenants, err := auth.NewTenantService(store)
	if err != nil {
		t.Fatalf("NewTenantService: %v", err)
	}
	roles, err := auth.NewRoleService(store)
	if err != nil {
		t.Fatalf("NewRoleService: %v", err)
	}
	grants, err := auth.NewGrantService(store)
	if err != nil {
		t.Fatalf("NewGrantService: %v", err)
	}
	recorder, err := audit.NewRecorder(store.AuditStore())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	api := New(Services{
		Sessions: sessions,
		Users:    users,
		Tenants:  tenants,
		Roles:    roles,
		Grants:   grants,
		Engine:   engine,
		Issuer:   issuer,
		Audit:    recorder,
	}, ReadyProbe{}, "test")

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiFixture{store: store, srv: srv}
}

// do issues a request and decodes the JSON response body, if any, into a map.
func (f *apiFixture) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewBuffer(raw)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, payload)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(res.Body).Decode(&decoded)
	return res.StatusCode, decoded
}

func (f *apiFixture) login(t *testing.T, email, password string) map[string]any {
	t.Helper()
	code, body := f.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": email, "password": password,
	})
	if code != http.StatusOK {
		t.Fatalf("login %s: status %d, body %v", email, code, body)
	}
	return body
}

func (f *apiFixture) adminToken(t *testing.T) string {
	t.Helper()
	return f.login(t, adminEmail, adminPassword)["access_token"].(string)
}

func TestHealthAndInfoArePublic(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: status %d, body %v", code, body)
	}
	code, body = f.do(t, http.MethodGet, "/v1/info", "", nil)
	if code != http.StatusOK || body["name"] != "idplane-api" {
		t.Fatalf("info: status %d, body %v", code, body)
	}
}

func TestProtectedPathsRequireToken(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodGet, "/v1/permissions", "", nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", code)
	}
	if body["request_id"] == nil || body["request_id"] == "" {
		t.Fatalf("error body is missing request_id: %v", body)
	}

	code, _ = f.do(t, http.MethodGet, "/v1/permissions", "not-a-real-token", nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d, want 401", code)
	}
}

func TestLoginFlow(t *testing.T) {
	f := newAPIFixture(t)

	body := f.login(t, adminEmail, adminPassword)
	if body["token_type"] != "Bearer" {
		t.Fatalf("token_type = %v, want Bearer", body["token_type"])
	}
	if body["access_token"] == "" || body["refresh_token"] == "" || body["session_id"] == "" {
		t.Fatalf("incomplete login response: %v", body)
	}
	user, ok := body["user"].(map[string]any)
	if !ok || user["email"] != adminEmail {
		t.Fatalf("unexpected user view: %v", body["user"])
	}

	token := body["access_token"].(string)
	code, list := f.do(t, http.MethodGet, "/v1/permissions", token, nil)
	if code != http.StatusOK {
		t.Fatalf("permissions with fresh token: status %d, body %v", code, list)
	}
	items, ok := list["items"].([]any)
	if !ok || len(items) != len(auth.BuiltinPermissions) {
		t.Fatalf("got %d permissions, want %d", len(items), len(auth.BuiltinPermissions))
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newAPIFixture(t)

	code, _ := f.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": adminEmail, "password": "wrong",
	})
	if code != http.StatusUnauthorized {
		t.Fatalf("wrong password: status %d, want 401", code)
	}
	code, _ = f.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": "nobody@example.com", "password": "whatever",
	})
	if code != http.StatusUnauthorized {
		t.Fatalf("unknown email: status %d, want 401", code)
	}
}

func TestLoginRejectsUnknownFields(t *testing.T) {
	f := newAPIFixture(t)

	code, _ := f.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": adminEmail, "password": adminPassword, "surprise": true,
	})
	if code != http.StatusBadRequest {
		t.Fatalf("unknown field: status %d, want 400", code)
	}
}

func TestRefreshRotatesOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	login := f.login(t, adminEmail, adminPassword)
	refresh := login["refresh_token"].(string)

	code, body := f.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]any{"refresh_token": refresh})
	if code != http.StatusOK {
		t.Fatalf("refresh: status %d, body %v", code, body)
	}
	if body["refresh_token"] == refresh {
		t.Fatal("refresh token was not rotated")
	}

	// The consumed token must be dead.
	code, _ = f.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]any{"refresh_token": refresh})
	if code != http.StatusUnauthorized {
		t.Fatalf("replayed refresh token: status %d, want 401", code)
	}
}

func TestPermissionDeniedWithoutGrant(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.adminToken(t)

	code, created := f.do(t, http.MethodPost, "/v1/users", admin, map[string]any{
		"email": "pleb@example.com", "password": "plain-user-pw", "display_name": "Pleb",
	})
	if code != http.StatusCreated {
		t.Fatalf("create user: status %d, body %v", code, created)
	}

	token := f.login(t, "pleb@example.com", "plain-user-pw")["access_token"].(string)
	code, _ = f.do(t, http.MethodGet, "/v1/tenants", token, nil)
	if code != http.StatusForbidden {
		t.Fatalf("ungranted user listing tenants: status %d, want 403", code)
	}

	code, _ = f.do(t, http.MethodGet, "/v1/tenants", admin, nil)
	if code != http.StatusOK {
		t.Fatalf("admin listing tenants: status %d, want 200", code)
	}
}

func TestGrantLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.adminToken(t)

	code, user := f.do(t, http.MethodPost, "/v1/users", admin, map[string]any{
		"email": "worker@example.com", "password": "a-long-password",
	})
	if code != http.StatusCreated {
		t.Fatalf("create user: status %d, body %v", code, user)
	}
	userID := user["id"].(string)

	code, role := f.do(t, http.MethodPost, "/v1/roles", admin, map[string]any{
		"name": "Readers", "permission_keys": []string{auth.PermUsersRead},
	})
	if code != http.StatusCreated {
		t.Fatalf("create role: status %d, body %v", code, role)
	}
	roleID := role["id"].(string)

	grantPath := fmt.Sprintf("/v1/users/%s/grants", userID)
	code, grant := f.do(t, http.MethodPost, grantPath, admin, map[string]any{
		"role_id": roleID, "scope_type": "global",
	})
	if code != http.StatusCreated {
		t.Fatalf("assign role: status %d, body %v", code, grant)
	}

	// The same role at the same scope again is a conflict.
	code, _ = f.do(t, http.MethodPost, grantPath, admin, map[string]any{
		"role_id": roleID, "scope_type": "global",
	})
	if code != http.StatusConflict {
		t.Fatalf("duplicate grant: status %d, want 409", code)
	}

	// The grant takes effect without a new login.
	token := f.login(t, "worker@example.com", "a-long-password")["access_token"].(string)
	code, _ = f.do(t, http.MethodGet, "/v1/users/"+userID, token, nil)
	if code != http.StatusOK {
		t.Fatalf("granted user reading a user: status %d, want 200", code)
	}

	code, _ = f.do(t, http.MethodDelete, fmt.Sprintf("%s/%s", grantPath, grant["id"].(string)), admin, nil)
	if code != http.StatusNoContent {
		t.Fatalf("revoke grant: status %d, want 204", code)
	}
	code, _ = f.do(t, http.MethodGet, "/v1/users/"+userID, token, nil)
	if code != http.StatusForbidden {
		t.Fatalf("after revoke: status %d, want 403", code)
	}
}

func TestSystemRolesAreImmutableOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.adminToken(t)

	role, err := f.store.Roles().FindByName(context.Background(), "", auth.RoleSuperAdmin)
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	code, _ := f.do(t, http.MethodPut, "/v1/roles/"+role.ID, admin, map[string]any{"name": "Renamed"})
	if code != http.StatusConflict {
		t.Fatalf("renaming a system role: status %d, want 409", code)
	}
	code, _ = f.do(t, http.MethodDelete, "/v1/roles/"+role.ID, admin, nil)
	if code != http.StatusConflict {
		t.Fatalf("deleting a system role: status %d, want 409", code)
	}
}

func TestAuditQueryEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.adminToken(t)

	code, body := f.do(t, http.MethodGet, "/v1/audit?action=USER_LOGIN", admin, nil)
	if code != http.StatusOK {
		t.Fatalf("audit query: status %d, body %v", code, body)
	}
	items, ok := body["items"].([]any)
	if !ok || len(items) == 0 {
		t.Fatalf("expected at least the login entry, got %v", body)
	}
	if body["total"] == nil {
		t.Fatalf("response is missing total: %v", body)
	}

	code, _ = f.do(t, http.MethodGet, "/v1/audit?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z", admin, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("inverted window: status %d, want 400", code)
	}
}

func TestMethodNotAllowedCarriesAllowHeader(t *testing.T) {
	f := newAPIFixture(t)

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/v1/auth/login", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	res, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status %d, want 405", res.StatusCode)
	}
	if res.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("Allow = %q, want POST", res.Header.Get("Allow"))
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newAPIFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("X-Request-Id", "fixed-id-123")
	res, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if got := res.Header.Get("X-Request-Id"); got != "fixed-id-123" {
		t.Fatalf("X-Request-Id = %q, want fixed-id-123", got)
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	f := newAPIFixture(t)

	res, err := f.srv.Client().Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing X-Content-Type-Options header")
	}
	if res.Header.Get("Content-Security-Policy") == "" {
		t.Fatal("missing Content-Security-Policy header")
	}
}
