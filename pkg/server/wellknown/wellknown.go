// Package wellknown implements the OIDC discovery and JWKS endpoints
// (spec §4.K).
package wellknown

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/uitsmijter/core/pkg/apierr"
	"github.com/uitsmijter/core/pkg/clientinfo"
	"github.com/uitsmijter/core/pkg/entity"
	"github.com/uitsmijter/core/pkg/server"
)

// Routes holds the well-known endpoints' dependencies.
type Routes struct {
	Deps *server.Deps
}

// Router builds the chi sub-router mounted at /.well-known.
func Router(deps *server.Deps) http.Handler {
	routes := &Routes{Deps: deps}
	r := chi.NewRouter()
	r.Get("/openid-configuration", deps.Wrap(routes.discovery))
	r.Get("/jwks.json", deps.Wrap(routes.jwks))
	return r
}

// discoveryDocument is the OIDC discovery metadata shape (spec §4.K).
type discoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	RevocationEndpoint               string   `json:"revocation_endpoint"`
	EndSessionEndpoint               string   `json:"end_session_endpoint"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`
}

func (routes *Routes) discovery(w http.ResponseWriter, r *http.Request) error {
	ci, ok := clientinfo.FromContext(r.Context())
	if !ok || ci.Tenant == nil {
		return apierr.New(apierr.NoTenant, "no tenant resolved for host", nil)
	}

	issuer := ci.ServiceURL
	doc := discoveryDocument{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + "/authorize",
		TokenEndpoint:          issuer + "/token",
		UserinfoEndpoint:       issuer + "/token/info",
		JWKSURI:                issuer + "/.well-known/jwks.json",
		RevocationEndpoint:     issuer + "/revoke",
		EndSessionEndpoint:     issuer + "/logout",
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported:    aggregateGrantTypes(routes.Deps.Store.ClientsFor(ci.Tenant.Name)),
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{"plain", "S256"},
		ScopesSupported:                   aggregateScopes(routes.Deps.Store.ClientsFor(ci.Tenant.Name)),
	}

	return writeJSONNoEscape(w, http.StatusOK, doc)
}

func (routes *Routes) jwks(w http.ResponseWriter, r *http.Request) error {
	set, err := routes.Deps.Signer.JWKS(r.Context())
	if err != nil {
		return apierr.New(apierr.NotAcceptableRequest, "could not build key set", err)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	return json.NewEncoder(w).Encode(set)
}

// writeJSONNoEscape writes v as a JSON body with HTML escaping of '<', '>'
// and '&' turned off. encoding/json never escapes forward slashes, so the
// endpoint URLs are written as is.
func writeJSONNoEscape(w http.ResponseWriter, status int, v interface{}) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return apierr.New(apierr.NotAcceptableRequest, "could not encode discovery document", err)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, err := w.Write(buf.Bytes())
	return err
}

func aggregateGrantTypes(clients []*entity.Client) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range clients {
		for _, g := range c.GrantTypes {
			if !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		}
	}
	return out
}

func aggregateScopes(clients []*entity.Client) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range clients {
		for _, s := range c.Scopes {
			if strings.ContainsAny(s, "*?") {
				continue
			}
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
