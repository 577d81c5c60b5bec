// Package server holds the dependencies and helpers shared by every
// protocol controller (spec §4.G–§4.K): the authorize, login/logout,
// token, interceptor, and well-known endpoints each live in their own
// sub-package but share this Deps bundle and the validation helpers
// below.
package server

import (
	"html/template"
	"net/http"

	"github.com/uitsmijter/core/pkg/apierr"
	"github.com/uitsmijter/core/pkg/config"
	"github.com/uitsmijter/core/pkg/entity"
	"github.com/uitsmijter/core/pkg/keys"
	"github.com/uitsmijter/core/pkg/scripthost"
	"github.com/uitsmijter/core/pkg/session"
)

// Deps bundles everything a controller needs to serve requests. Built
// once at startup and shared (read-only) across every controller.
type Deps struct {
	Store    *entity.Store
	Sessions session.Store
	Signer   *keys.Signer
	Scripts  *scripthost.Host
	Config   *config.Config
	Renderer apierr.Renderer
	Forms    FormRenderer
}

// Wrap adapts an apierr.HandlerFunc into an http.HandlerFunc using this
// Deps' Renderer.
func (d *Deps) Wrap(fn apierr.HandlerFunc) http.HandlerFunc {
	return apierr.Handler(fn, d.Renderer)
}

// LoginFormData is what a FormRenderer needs to render the login page
// (spec §4.G step 6, §4.H).
type LoginFormData struct {
	Status   int
	Location string
	Tenant   string
	Error    apierr.Kind
}

// FormRenderer renders the login form. The real per-tenant template
// renderer is an external, non-goal collaborator (mirrors apierr.Renderer);
// DefaultFormRenderer is a stdlib fallback good enough to drive real
// browsers and the seed test scenarios.
type FormRenderer interface {
	RenderLoginForm(w http.ResponseWriter, r *http.Request, data LoginFormData) error
}

// DefaultFormRenderer renders a minimal login form with html/template.
type DefaultFormRenderer struct{}

var loginFormTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html><body>
<form action="/login" method="POST">
<input type="hidden" name="location" value="{{.Location}}">
<input type="text" name="username" placeholder="username">
<input type="password" name="password" placeholder="password">
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<button type="submit">Login</button>
</form>
</body></html>`))

// RenderLoginForm writes data.Status and the rendered form body.
func (DefaultFormRenderer) RenderLoginForm(w http.ResponseWriter, _ *http.Request, data LoginFormData) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(data.Status)
	return loginFormTemplate.Execute(w, data)
}

// DefaultErrorRenderer renders a minimal HTML error page with
// html/template, satisfying apierr.Renderer. A production deployment may
// instead wire in the per-tenant template renderer referenced in spec §7.
type DefaultErrorRenderer struct{}

var errorPageTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html><body>
<h1>{{.Status}}</h1>
<p>{{.Kind}}</p>
</body></html>`))

// RenderError writes status and a rendered error body for kind.
func (DefaultErrorRenderer) RenderError(w http.ResponseWriter, _ *http.Request, kind apierr.Kind, status int) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	return errorPageTemplate.Execute(w, struct {
		Status int
		Kind   apierr.Kind
	}{Status: status, Kind: kind})
}

// FilterScopes returns the requested scopes the client allows (spec §4.G
// "Scope filtering") followed by those providerScopes that match the
// client's AllowedProviderScopes, without duplicates.
func FilterScopes(client *entity.Client, requested, providerScopes []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range requested {
		if entity.MatchesAnyGlob(s, client.Scopes) && !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	for _, s := range providerScopes {
		if entity.MatchesAnyGlob(s, client.AllowedProviderScopes) && !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	return out
}

// ValidateRedirect reports whether redirectURI matches one of the
// client's redirect_url regex patterns (spec §4.G step 4).
func ValidateRedirect(client *entity.Client, redirectURI string) bool {
	return entity.MatchesAnyRegex(redirectURI, client.RedirectURLs)
}

// ValidateReferer reports whether referer is acceptable for client (spec
// §4.G step 5): always true when the client configures no referrer
// patterns, when referer is empty (same-origin browser navigations often
// omit it), or when referer matches a configured pattern or selfOrigin.
func ValidateReferer(client *entity.Client, referer, selfOrigin string) bool {
	if len(client.Referrers) == 0 {
		return true
	}
	if referer == "" {
		return true
	}
	if selfOrigin != "" && stringsHasPrefix(referer, selfOrigin) {
		return true
	}
	return entity.MatchesAnyRegex(referer, client.Referrers)
}

func stringsHasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
