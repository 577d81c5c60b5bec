// Package authorize implements GET /authorize (spec §4.G).
package authorize

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/uitsmijter/core/pkg/apierr"
	"github.com/uitsmijter/core/pkg/clientinfo"
	"github.com/uitsmijter/core/pkg/server"
	"github.com/uitsmijter/core/pkg/session"
)

// CodeTTL is how long a minted authorization code stays redeemable (spec
// §4.G step 7: 60s).
const CodeTTL = 60 * time.Second

// Routes holds the authorize endpoint's dependencies.
type Routes struct {
	Deps *server.Deps
}

// Router builds the chi sub-router mounted at /authorize.
func Router(deps *server.Deps) http.Handler {
	routes := &Routes{Deps: deps}
	r := chi.NewRouter()
	r.Get("/", deps.Wrap(routes.authorize))
	return r
}

func (routes *Routes) authorize(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()

	if q.Get("response_type") != "code" {
		return apierr.New(apierr.NotAcceptableRequest, "response_type must be code", nil)
	}

	method := session.ChallengeMethod(q.Get("code_challenge_method"))
	if method != "" && method != session.ChallengePlain && method != session.ChallengeSHA256 && method != session.ChallengeNone {
		return apierr.New(apierr.CodeChallengeMethodNotImpl, "unsupported code_challenge_method", nil)
	}

	challenge := q.Get("code_challenge")
	if (method == session.ChallengePlain || method == session.ChallengeSHA256) && challenge == "" {
		return apierr.New(apierr.NotAcceptableRequest, "code_challenge required for this method", nil)
	}

	ci, ok := clientinfo.FromContext(r.Context())
	if !ok || ci.Client == nil {
		return apierr.New(apierr.NoClient, "no client resolved for client_id", nil)
	}
	client := ci.Client
	if !client.AllowsGrant("authorization_code") {
		return apierr.New(apierr.NoClient, "client not allowed to use authorization_code", nil)
	}

	redirectURI := q.Get("redirect_uri")
	if !server.ValidateRedirect(client, redirectURI) {
		return apierr.New(apierr.RedirectMismatch, "redirect_uri does not match client", nil)
	}

	if !server.ValidateReferer(client, ci.Referer, ci.ServiceURL) {
		return apierr.New(apierr.WrongReferer, "referer rejected", nil)
	}

	haveCookie := ci.ValidPayload != nil && !ci.Expired
	loginID := q.Get("loginId")

	if haveCookie {
		if loginID != "" {
			consumed, err := routes.Deps.Sessions.ConsumeLoginID(r.Context(), loginID)
			if err != nil {
				return apierr.New(apierr.NotAcceptableRequest, "could not consume loginId", err)
			}
			if consumed {
				return routes.mint(w, r, redirectURI, challenge, method, q.Get("scope"), q.Get("state"))
			}
		}
		if ci.Tenant != nil && ci.Tenant.SilentLogin {
			return routes.mint(w, r, redirectURI, challenge, method, q.Get("scope"), q.Get("state"))
		}
	}

	return routes.Deps.Forms.RenderLoginForm(w, r, server.LoginFormData{
		Status:   http.StatusUnauthorized,
		Location: r.URL.String(),
		Tenant:   tenantName(ci),
	})
}

func (routes *Routes) mint(w http.ResponseWriter, r *http.Request, redirectURI, challenge string, method session.ChallengeMethod, scope, state string) error {
	ci, _ := clientinfo.FromContext(r.Context())
	payload := *ci.ValidPayload

	requested := strings.Fields(scope)
	filtered := server.FilterScopes(ci.Client, requested, payload.Scopes())

	code, err := session.GenerateCode()
	if err != nil {
		return apierr.New(apierr.NotAcceptableRequest, "could not generate code", err)
	}

	sess := session.AuthSession{
		Type:                session.TypeCode,
		TenantName:          payload.Tenant,
		Subject:             payload.Subject,
		Code:                code,
		Scopes:              filtered,
		Payload:             payload,
		Redirect:            redirectURI,
		TTL:                 CodeTTL,
		Generated:           time.Now(),
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
	}
	if err := routes.Deps.Sessions.Put(r.Context(), sess); err != nil {
		return apierr.New(apierr.NotAcceptableRequest, "could not store authorization code", err)
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		return apierr.New(apierr.MissingLocation, "invalid redirect_uri", err)
	}
	values := target.Query()
	values.Set("code", code)
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()

	http.Redirect(w, r, target.String(), http.StatusSeeOther)
	return nil
}

func tenantName(ci *clientinfo.ClientInfo) string {
	if ci.Tenant == nil {
		return ""
	}
	return ci.Tenant.Name
}
