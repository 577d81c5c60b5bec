// Package interceptor implements GET /interceptor, the forward-auth
// endpoint consulted by a reverse proxy in front of a protected service
// (spec §4.J).
package interceptor

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/uitsmijter/core/pkg/apierr"
	"github.com/uitsmijter/core/pkg/claims"
	"github.com/uitsmijter/core/pkg/clientinfo"
	"github.com/uitsmijter/core/pkg/server"
)

// Routes holds the interceptor endpoint's dependencies.
type Routes struct {
	Deps *server.Deps
}

// Router builds the chi sub-router mounted at /interceptor.
func Router(deps *server.Deps) http.Handler {
	routes := &Routes{Deps: deps}
	r := chi.NewRouter()
	r.Get("/", deps.Wrap(routes.intercept))
	return r
}

func (routes *Routes) intercept(w http.ResponseWriter, r *http.Request) error {
	ci, ok := clientinfo.FromContext(r.Context())
	if !ok || ci.Tenant == nil || ci.Tenant.Interceptor == nil || !ci.Tenant.Interceptor.Enabled {
		return apierr.New(apierr.NoTenant, "forwarded host does not resolve to an interceptor-enabled tenant", nil)
	}

	if ci.ValidPayload == nil || ci.Expired {
		http.Redirect(w, r, loginRedirect(ci), http.StatusTemporaryRedirect)
		return nil
	}

	payload := *ci.ValidPayload
	if payload.Responsibility != claims.HashResponsibility(ci.Tenant.CookieOrDomain()) {
		return apierr.New(apierr.TenantMismatch, "cookie was not issued for this tenant", nil)
	}

	expiresAt := time.Unix(payload.ExpiresAt, 0)
	if time.Until(expiresAt) < routes.Deps.Config.RenewWindow {
		if err := routes.renew(w, r, ci, payload); err != nil {
			return err
		}
	}

	w.WriteHeader(http.StatusOK)
	return nil
}

func (routes *Routes) renew(w http.ResponseWriter, r *http.Request, ci *clientinfo.ClientInfo, payload claims.Payload) error {
	now := time.Now()
	payload.IssuedAt = now.Unix()
	payload.ExpiresAt = now.Add(routes.Deps.Config.CookieLifetime()).Unix()

	alg := ci.Tenant.EffectiveAlgorithm(routes.Deps.Config.DefaultAlg)
	token, err := routes.Deps.Signer.Sign(r.Context(), payload, *ci.Tenant, alg)
	if err != nil {
		return apierr.New(apierr.NotAcceptableRequest, "could not renew cookie", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     clientinfo.SSOCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(routes.Deps.Config.CookieLifetime().Seconds()),
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Domain:   ci.Tenant.CookieOrDomain(),
	})
	return nil
}

// loginRedirect builds the "<this service>/login?for=<original url>" target
// (spec §4.J step 2). The login domain is the tenant's configured
// interceptor login domain, falling back to ClientInfo.ServiceURL (the
// requested scheme plus the responsible domain) when unset.
func loginRedirect(ci *clientinfo.ClientInfo) string {
	loginDomain := ""
	if ci.Tenant != nil && ci.Tenant.Interceptor != nil {
		loginDomain = ci.Tenant.Interceptor.LoginDomain
	}
	base := ci.ServiceURL
	if loginDomain != "" {
		base = ci.Requested.Scheme + "://" + loginDomain
	}

	original := ci.Requested.Scheme + "://" + ci.Requested.Host + ci.Requested.URI
	values := url.Values{"for": {original}}
	return base + "/login?" + values.Encode()
}
