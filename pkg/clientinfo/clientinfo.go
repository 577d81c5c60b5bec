// Package clientinfo derives a per-request ClientInfo snapshot — tenant,
// client, forward-auth mode, and any already-valid session payload — and
// attaches it to the request context (spec §3 "ClientInfo", §4.F).
package clientinfo

import (
	"context"
	"net/http"
	"strings"

	"github.com/uitsmijter/core/pkg/claims"
	"github.com/uitsmijter/core/pkg/entity"
	"github.com/uitsmijter/core/pkg/keys"
	"github.com/uitsmijter/core/pkg/logger"
)

// SSOCookieName is the cookie carrying a previously issued bearer token.
const SSOCookieName = "uitsmijter-sso"

// Mode distinguishes a plain OAuth/OIDC request from a forward-auth
// interceptor request.
type Mode string

// Supported modes (spec §3 "ClientInfo").
const (
	ModeOAuth       Mode = "oauth"
	ModeInterceptor Mode = "interceptor"
)

// oauthPaths are never treated as interceptor requests, even when
// forwarded-auth headers are present, since they are this server's own
// protocol endpoints (spec §4.F step 4).
var oauthPaths = map[string]bool{
	"/authorize": true,
	"/token":     true,
	"/login":     true,
}

// Requested carries the scheme/host/uri this request nominally targets,
// as seen through any forward-auth headers.
type Requested struct {
	Scheme string
	Host   string
	URI    string
}

// ClientInfo is the request-scoped, derived context every controller
// consults (spec §3).
type ClientInfo struct {
	Mode              Mode
	Requested         Requested
	Referer           string
	ResponsibleDomain string
	ServiceURL        string
	Tenant            *entity.Tenant
	Client            *entity.Client
	ValidPayload      *claims.Payload
	Expired           bool
}

type contextKey struct{}

// FromContext retrieves the ClientInfo attached by Middleware, if any.
func FromContext(ctx context.Context) (*ClientInfo, bool) {
	ci, ok := ctx.Value(contextKey{}).(*ClientInfo)
	return ci, ok
}

func withClientInfo(ctx context.Context, ci *ClientInfo) context.Context {
	return context.WithValue(ctx, contextKey{}, ci)
}

// Middleware builds a ClientInfo for every request and attaches it to the
// request context before calling next (spec §4.F).
type Middleware struct {
	Store      *entity.Store
	Signer     *keys.Signer
	DefaultAlg entity.Algorithm
}

// Handler wraps next, enriching every request with ClientInfo.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ci := m.build(r)
		next.ServeHTTP(w, r.WithContext(withClientInfo(r.Context(), ci)))
	})
}

func (m *Middleware) build(r *http.Request) *ClientInfo {
	ci := &ClientInfo{Mode: ModeOAuth}

	host := requestHost(r)
	ci.Requested = Requested{Scheme: requestScheme(r), Host: host, URI: requestURI(r)}
	ci.Referer = r.Header.Get("Referer")

	ci.Tenant = m.Store.FindTenantByHost(host)

	if clientID := extractClientID(r); clientID != "" {
		if c := m.Store.FindClientByIdent(clientID); c != nil {
			if ci.Tenant == nil || c.TenantName == ci.Tenant.Name {
				ci.Client = c
			}
		}
	}

	ci.Mode = m.resolveMode(r, ci, host)

	if ci.Mode == ModeInterceptor && ci.Tenant != nil {
		ci.ResponsibleDomain = strings.ToLower(ci.Tenant.CookieOrDomain())
	} else {
		ci.ResponsibleDomain = strings.ToLower(host)
	}
	ci.ServiceURL = ci.Requested.Scheme + "://" + ci.ResponsibleDomain

	m.resolveSession(r, ci)

	return ci
}

// resolveMode implements spec §4.F step 4: interceptor mode requires
// forwarded-auth headers, a non-protocol path, an enabled tenant
// interceptor, and the forwarded host resolving to a (any) tenant.
func (m *Middleware) resolveMode(r *http.Request, ci *ClientInfo, host string) Mode {
	if oauthPaths[r.URL.Path] {
		return ModeOAuth
	}
	fwdHost := r.Header.Get("X-Forwarded-Host")
	fwdURI := r.Header.Get("X-Forwarded-Uri")
	if fwdHost == "" || fwdURI == "" {
		return ModeOAuth
	}
	if ci.Tenant == nil || ci.Tenant.Interceptor == nil || !ci.Tenant.Interceptor.Enabled {
		return ModeOAuth
	}
	if m.Store.FindTenantByHost(fwdHost) == nil {
		return ModeOAuth
	}
	ci.Requested.Host = fwdHost
	ci.Requested.URI = fwdURI
	_ = host
	return ModeInterceptor
}

func (m *Middleware) resolveSession(r *http.Request, ci *ClientInfo) {
	cookie, err := r.Cookie(SSOCookieName)
	if err != nil || cookie.Value == "" {
		return
	}
	payload, err := m.Signer.Verify(r.Context(), cookie.Value)
	if err != nil {
		if err == keys.ErrExpiredToken {
			ci.Expired = true
			return
		}
		logger.Debugw("clientinfo: sso cookie rejected", "error", err)
		return
	}
	ci.ValidPayload = &payload
}

func extractClientID(r *http.Request) string {
	if v := r.URL.Query().Get("client_id"); v != "" {
		return v
	}
	if v := r.FormValue("client_id"); v != "" {
		return v
	}
	if c, err := r.Cookie("client_id"); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

func requestHost(r *http.Request) string {
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		return h
	}
	return r.Host
}

func requestScheme(r *http.Request) string {
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		return p
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func requestURI(r *http.Request) string {
	if u := r.Header.Get("X-Forwarded-Uri"); u != "" {
		return u
	}
	return r.URL.RequestURI()
}
