// Package loginout implements POST /login, GET /logout,
// GET /logout/finalize and POST /logout (spec §4.H).
package loginout

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/uitsmijter/core/pkg/apierr"
	"github.com/uitsmijter/core/pkg/claims"
	"github.com/uitsmijter/core/pkg/clientinfo"
	"github.com/uitsmijter/core/pkg/entity"
	"github.com/uitsmijter/core/pkg/scripthost"
	"github.com/uitsmijter/core/pkg/server"
	"github.com/uitsmijter/core/pkg/session"
)

// Routes holds the login/logout endpoints' dependencies.
type Routes struct {
	Deps *server.Deps
}

// Router builds the chi sub-router serving /login and /logout*.
func Router(deps *server.Deps) http.Handler {
	routes := &Routes{Deps: deps}
	r := chi.NewRouter()
	r.Post("/login", deps.Wrap(routes.login))
	r.Get("/logout", deps.Wrap(routes.logoutPage))
	r.Get("/logout/finalize", deps.Wrap(routes.finalize))
	r.Post("/logout", deps.Wrap(routes.finalize))
	return r
}

func (routes *Routes) login(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return routes.reRenderForm(w, r, "", apierr.FormNotParseable)
	}

	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")
	location := r.PostForm.Get("location")
	scope := r.PostForm.Get("scope")

	ci, ok := clientinfo.FromContext(r.Context())
	if !ok || ci.Tenant == nil {
		return apierr.New(apierr.MissingTenant, "no tenant resolved for this host", nil)
	}
	tenant := ci.Tenant

	locClient, err := routes.validateLocation(location, ci)
	if err != nil {
		return err
	}

	loginID := uuid.NewString()
	if err := routes.Deps.Sessions.PutLoginID(r.Context(), session.LoginSession{
		LoginID:   loginID,
		TTL:       session.LoginSessionTTL,
		Generated: time.Now(),
	}); err != nil {
		return apierr.New(apierr.NotAcceptableRequest, "could not create login session", err)
	}

	result, err := routes.Deps.Scripts.RunLogin(r.Context(), tenant.Providers, scripthost.Credentials{
		Username: username,
		Password: password,
	})
	if err != nil || !result.Decision {
		return routes.reRenderForm(w, r, location, apierr.WrongCredentials)
	}

	subject := result.Subject
	if subject == "" {
		subject = username
	}

	requested := strings.Fields(scope)
	filtered := requested
	if locClient != nil {
		filtered = server.FilterScopes(locClient, requested, result.Scopes)
	}

	payload := claims.NewPayload(
		ci.ServiceURL, subject, tenant.Name, ci.ResponsibleDomain,
		result.Role, username, filtered, result.Profile,
		time.Now(), routes.Deps.Config.CookieLifetime(),
	)

	alg := routes.Deps.Config.DefaultAlg
	if tenant.Algorithm != "" {
		alg = tenant.Algorithm
	}
	token, err := routes.Deps.Signer.Sign(r.Context(), payload, *tenant, alg)
	if err != nil {
		return apierr.New(apierr.NotAcceptableRequest, "could not sign session token", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     clientinfo.SSOCookieName,
		Value:    token,
		Domain:   cookieDomain(ci),
		Path:     "/",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(routes.Deps.Config.CookieLifetime().Seconds()),
	})

	redirectTo, err := appendLoginID(location, loginID)
	if err != nil {
		return apierr.New(apierr.MissingLocation, "invalid location", err)
	}
	http.Redirect(w, r, redirectTo, http.StatusSeeOther)
	return nil
}

// validateLocation implements spec §4.H step 3: validate location via
// §4.G step 4 using the client named in location's own client_id query
// parameter, unless location is same-origin with this request.
func (routes *Routes) validateLocation(location string, ci *clientinfo.ClientInfo) (*entity.Client, error) {
	if location == "" {
		return nil, apierr.New(apierr.MissingLocation, "location is required", nil)
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, apierr.New(apierr.MissingLocation, "location is not a valid URL", err)
	}
	if u.Host == "" || strings.EqualFold(u.Host, requestHost(ci)) {
		return resolveLocationClient(routes, u), nil
	}

	client := resolveLocationClient(routes, u)
	if client == nil || !server.ValidateRedirect(client, location) {
		return nil, apierr.New(apierr.RedirectMismatch, "location does not match a known client", nil)
	}
	return client, nil
}

func resolveLocationClient(routes *Routes, u *url.URL) *entity.Client {
	clientID := u.Query().Get("client_id")
	if clientID == "" {
		return nil
	}
	return routes.Deps.Store.FindClientByIdent(clientID)
}

func requestHost(ci *clientinfo.ClientInfo) string {
	return ci.Requested.Host
}

func cookieDomain(ci *clientinfo.ClientInfo) string {
	if ci.Mode == clientinfo.ModeInterceptor && ci.Tenant != nil {
		return ci.Tenant.CookieOrDomain()
	}
	host := ci.Requested.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

func appendLoginID(location, loginID string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	if strings.Contains(u.Path, "/authorize") {
		q := u.Query()
		q.Set("loginId", loginID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (routes *Routes) reRenderForm(w http.ResponseWriter, r *http.Request, location string, kind apierr.Kind) error {
	return routes.Deps.Forms.RenderLoginForm(w, r, server.LoginFormData{
		Status:   kind.Status(),
		Location: location,
		Error:    kind,
	})
}

var logoutPageTemplate = template.Must(template.New("logout").Parse(`<!DOCTYPE html>
<html><head><meta http-equiv="refresh" content="0;url=/logout/finalize?location={{.}}"></head>
<body>Logging out&hellip;</body></html>`))

func (routes *Routes) logoutPage(w http.ResponseWriter, r *http.Request) error {
	location := r.URL.Query().Get("location")
	if location == "" {
		location = "/"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return logoutPageTemplate.Execute(w, template.URLQueryEscaper(location))
}

func (routes *Routes) finalize(w http.ResponseWriter, r *http.Request) error {
	location := r.URL.Query().Get("location")
	if location == "" {
		location = "/"
	}

	if cookie, err := r.Cookie(clientinfo.SSOCookieName); err == nil && cookie.Value != "" {
		if payload, verr := routes.Deps.Signer.Verify(r.Context(), cookie.Value); verr == nil {
			_ = routes.Deps.Sessions.Wipe(r.Context(), payload.Tenant, payload.Subject)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     clientinfo.SSOCookieName,
		Value:    "invalid",
		Path:     "/",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})

	http.Redirect(w, r, location, http.StatusSeeOther)
	return nil
}
