package interceptor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uitsmijter/core/pkg/claims"
	"github.com/uitsmijter/core/pkg/clientinfo"
	"github.com/uitsmijter/core/pkg/config"
	"github.com/uitsmijter/core/pkg/entity"
	"github.com/uitsmijter/core/pkg/keys"
	"github.com/uitsmijter/core/pkg/server"
	"github.com/uitsmijter/core/pkg/session"
)

func newTestDeps(t *testing.T) (*server.Deps, *entity.Tenant) {
	t.Helper()
	store := entity.NewStore()
	tenant := &entity.Tenant{
		Name:  "acme",
		Hosts: []string{"app.acme.example.com"},
		Interceptor: &entity.InterceptorSettings{
			Enabled:      true,
			LoginDomain:  "login.acme.example.com",
			CookieDomain: "acme.example.com",
		},
	}
	store.UpsertTenant(tenant)

	cfg, err := config.Load()
	require.NoError(t, err)

	deps := &server.Deps{
		Store:    store,
		Sessions: session.NewMemoryStore(),
		Signer:   &keys.Signer{Storage: keys.NewMemoryStorage(), HMACSecret: []byte("test-secret")},
		Config:   cfg,
	}
	return deps, tenant
}

func withClientInfo(deps *server.Deps) func(http.Handler) http.Handler {
	mw := &clientinfo.Middleware{Store: deps.Store, Signer: deps.Signer, DefaultAlg: entity.HS256}
	return mw.Handler
}

func doIntercept(t *testing.T, deps *server.Deps, cookie string) *httptest.ResponseRecorder {
	t.Helper()
	handler := withClientInfo(deps)(Router(deps))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "app.acme.example.com")
	req.Header.Set("X-Forwarded-Uri", "/dashboard")
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: clientinfo.SSOCookieName, Value: cookie})
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIntercept_MissingCookieRedirectsToLogin(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	rec := doIntercept(t, deps, "")

	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	loc := rec.Header().Get("Location")
	assert.Contains(t, loc, "login.acme.example.com/login?for=")
	assert.Contains(t, loc, "app.acme.example.com%2Fdashboard")
}

func TestIntercept_UnknownHostRejected(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	handler := withClientInfo(deps)(Router(deps))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "nowhere.example.com")
	req.Header.Set("X-Forwarded-Uri", "/x")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIntercept_ValidCookieAdmits(t *testing.T) {
	t.Parallel()
	deps, tenant := newTestDeps(t)
	payload := claims.NewPayload("https://acme.example.com", "sub-1", "acme", tenant.CookieOrDomain(), "", "", nil, nil, time.Now(), time.Hour)
	tok, err := deps.Signer.Sign(context.Background(), payload, *tenant, entity.HS256)
	require.NoError(t, err)

	rec := doIntercept(t, deps, tok)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestIntercept_WrongResponsibilityRejected(t *testing.T) {
	t.Parallel()
	deps, tenant := newTestDeps(t)
	payload := claims.NewPayload("https://acme.example.com", "sub-1", "acme", "somewhere-else.example.com", "", "", nil, nil, time.Now(), time.Hour)
	tok, err := deps.Signer.Sign(context.Background(), payload, *tenant, entity.HS256)
	require.NoError(t, err)

	rec := doIntercept(t, deps, tok)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIntercept_NearExpiryRenewsCookie(t *testing.T) {
	t.Parallel()
	deps, tenant := newTestDeps(t)
	deps.Config.RenewWindow = 3 * time.Hour
	payload := claims.NewPayload("https://acme.example.com", "sub-1", "acme", tenant.CookieOrDomain(), "", "", nil, nil, time.Now(), time.Hour)
	tok, err := deps.Signer.Sign(context.Background(), payload, *tenant, entity.HS256)
	require.NoError(t, err)

	rec := doIntercept(t, deps, tok)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, clientinfo.SSOCookieName, cookies[0].Name)
	assert.NotEqual(t, tok, cookies[0].Value)
}
