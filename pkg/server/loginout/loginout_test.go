package loginout

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uitsmijter/core/pkg/claims"
	"github.com/uitsmijter/core/pkg/clientinfo"
	"github.com/uitsmijter/core/pkg/config"
	"github.com/uitsmijter/core/pkg/entity"
	"github.com/uitsmijter/core/pkg/keys"
	"github.com/uitsmijter/core/pkg/scripthost"
	"github.com/uitsmijter/core/pkg/server"
	"github.com/uitsmijter/core/pkg/session"
)

const acceptScript = `
function UserLoginProvider(credentials)
	if credentials.password == "good" then
		commit(true, {subject = credentials.username, scopes = {"openid"}})
	else
		commit(false)
	end
end
`

func newTestDeps(t *testing.T) (*server.Deps, *entity.Store) {
	t.Helper()
	store := entity.NewStore()
	store.UpsertTenant(&entity.Tenant{
		Name:      "acme",
		Hosts:     []string{"acme.example.com"},
		Providers: []string{acceptScript},
	})
	store.UpsertClient(&entity.Client{
		Ident:        "client-1",
		TenantName:   "acme",
		RedirectURLs: []string{`^http://localhost/`},
		GrantTypes:   []string{"authorization_code"},
		Scopes:       []string{"*"},
	})

	cfg, err := config.Load()
	require.NoError(t, err)

	deps := &server.Deps{
		Store:    store,
		Sessions: session.NewMemoryStore(),
		Signer:   &keys.Signer{Storage: keys.NewMemoryStorage(), HMACSecret: []byte("test-secret")},
		Scripts:  scripthost.New(),
		Config:   cfg,
		Forms:    server.DefaultFormRenderer{},
	}
	return deps, store
}

func withClientInfo(deps *server.Deps) func(http.Handler) http.Handler {
	mw := &clientinfo.Middleware{Store: deps.Store, Signer: deps.Signer, DefaultAlg: entity.HS256}
	return mw.Handler
}

func postLogin(t *testing.T, deps *server.Deps, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	handler := withClientInfo(deps)(Router(deps))
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Host = "acme.example.com"
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestLogin_WrongCredentialsRejected(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	form := url.Values{
		"username": {"alice"},
		"password": {"bad"},
		"location": {"http://localhost/?client_id=client-1"},
	}
	rec := postLogin(t, deps, form)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogin_SuccessSetsCookieAndRedirects(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	form := url.Values{
		"username": {"alice"},
		"password": {"good"},
		"location": {"http://localhost/?client_id=client-1"},
	}
	rec := postLogin(t, deps, form)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, clientinfo.SSOCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)
}

func TestLogin_RedirectMismatchRejected(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	form := url.Values{
		"username": {"alice"},
		"password": {"good"},
		"location": {"http://evil.example/?client_id=client-1"},
	}
	rec := postLogin(t, deps, form)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogin_AppendsLoginIDForAuthorizeLocation(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)
	form := url.Values{
		"username": {"alice"},
		"password": {"good"},
		"location": {"http://acme.example.com/authorize?client_id=client-1&response_type=code"},
	}
	rec := postLogin(t, deps, form)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	loc := rec.Header().Get("Location")
	assert.Contains(t, loc, "loginId=")
}

func TestLogoutFinalize_ExpiresCookieAndRedirects(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t)

	payload := claims.NewPayload("https://acme.example.com", "sub-1", "acme", "acme.example.com", "", "", nil, nil, time.Now(), time.Hour)
	token, err := deps.Signer.Sign(nil, payload, entity.Tenant{}, entity.HS256) //nolint:staticcheck
	require.NoError(t, err)

	handler := withClientInfo(deps)(Router(deps))
	req := httptest.NewRequest(http.MethodGet, "/logout/finalize?location=/after", nil)
	req.Host = "acme.example.com"
	req.AddCookie(&http.Cookie{Name: clientinfo.SSOCookieName, Value: token})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/after", rec.Header().Get("Location"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "invalid", cookies[0].Value)
}
