package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-cloud/nimbus-console/internal/gateway"
	"github.com/nimbus-cloud/nimbus-console/internal/platform/kv"
	"github.com/nimbus-cloud/nimbus-console/internal/session"
	_ "github.com/nimbus-cloud/nimbus-console/testing"
)

type stubAuth struct {
	healthy bool
}

func (s *stubAuth) Login(ctx context.Context, email, password string) (*session.User, string, error) {
	if email != "a@b.com" || password != "pw" {
		return nil, "", session.ErrInvalidCredentials
	}
	return &session.User{
		ID:    "u1",
		Email: email,
		Role:  session.RoleUser,
	}, "tok-1", nil
}

func (s *stubAuth) VerifyToken(ctx context.Context, token string) (*session.User, error) {
	return nil, session.ErrInvalidToken
}

func (s *stubAuth) GetUserTenants(ctx context.Context, userID string) ([]session.Tenant, error) {
	return []session.Tenant{
		{ID: "t1", Name: "Tenant One", CreatedAt: time.Now().UTC()},
		{ID: "t2", Name: "Tenant Two", CreatedAt: time.Now().UTC()},
	}, nil
}

func (s *stubAuth) CheckHealth(ctx context.Context) bool {
	return s.healthy
}

func newTestRouter(t *testing.T, auth session.AuthService) http.Handler {
	t.Helper()
	manager := session.NewManager(auth, kv.NewMemory(), nil, nil, session.Config{})
	handler := gateway.NewHandler(nil, manager)
	r := chi.NewRouter()
	r.Route("/api", handler.MountRoutes)
	return r
}

func TestGetSessionLoggedOut(t *testing.T) {
	router := newTestRouter(t, &stubAuth{healthy: true})

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `"connection":"unknown"`)
	require.NotContains(t, res.Body.String(), `"user":{`)
}

func TestLoginFlow(t *testing.T) {
	router := newTestRouter(t, &stubAuth{healthy: true})

	body := strings.NewReader(`{"email":"a@b.com","password":"pw"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/session/login", body)
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `"id":"u1"`)
	require.Contains(t, res.Body.String(), `"selected_tenant"`)
}

func TestLoginValidation(t *testing.T) {
	router := newTestRouter(t, &stubAuth{healthy: true})

	body := strings.NewReader(`{"email":"not-an-email","password":""}`)
	req := httptest.NewRequest(http.MethodPost, "/api/session/login", body)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Contains(t, res.Body.String(), "Validation Failed")
	require.Contains(t, res.Body.String(), "Email is invalid")
}

func TestLoginInvalidCredentials(t *testing.T) {
	router := newTestRouter(t, &stubAuth{healthy: true})

	body := strings.NewReader(`{"email":"a@b.com","password":"wrong"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/session/login", body)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	require.Equal(t, http.StatusUnauthorized, res.Code)
	require.Contains(t, res.Body.String(), "Invalid Credentials")
}

func TestLoginServerUnavailable(t *testing.T) {
	router := newTestRouter(t, &stubAuth{healthy: false})

	body := strings.NewReader(`{"email":"a@b.com","password":"pw"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/session/login", body)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	require.Equal(t, http.StatusServiceUnavailable, res.Code)
}

func TestSwitchTenantAndLogout(t *testing.T) {
	router := newTestRouter(t, &stubAuth{healthy: true})

	login := httptest.NewRequest(http.MethodPost, "/api/session/login",
		strings.NewReader(`{"email":"a@b.com","password":"pw"}`))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, login)
	require.Equal(t, http.StatusOK, res.Code)

	switchReq := httptest.NewRequest(http.MethodPost, "/api/session/tenant",
		strings.NewReader(`{"tenant_id":"t2"}`))
	res = httptest.NewRecorder()
	router.ServeHTTP(res, switchReq)
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `"selected_tenant":{"id":"t2"`)

	logout := httptest.NewRequest(http.MethodPost, "/api/session/logout", nil)
	res = httptest.NewRecorder()
	router.ServeHTTP(res, logout)
	require.Equal(t, http.StatusNoContent, res.Code)

	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	require.NotContains(t, res.Body.String(), `"id":"u1"`)
}

func TestPermissionEndpoint(t *testing.T) {
	router := newTestRouter(t, &stubAuth{healthy: true})

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/session/permissions/view:dashboard", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `"granted":false`)

	login := httptest.NewRequest(http.MethodPost, "/api/session/login",
		strings.NewReader(`{"email":"a@b.com","password":"pw"}`))
	router.ServeHTTP(httptest.NewRecorder(), login)

	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/session/permissions/view:dashboard", nil))
	require.Contains(t, res.Body.String(), `"granted":true`)
}

func TestConnectionEndpoint(t *testing.T) {
	stub := &stubAuth{healthy: true}
	router := newTestRouter(t, stub)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/connection", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `"connected":true`)

	stub.healthy = false
	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/connection", nil))
	require.Contains(t, res.Body.String(), `"connected":false`)
}
