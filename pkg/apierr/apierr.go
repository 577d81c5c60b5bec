// Package apierr defines the machine-readable error kinds the protocol
// engine surfaces to clients (spec §7) and an HTTP adapter for handlers
// that return an error instead of writing the response directly.
package apierr

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/uitsmijter/core/pkg/logger"
)

// Kind is one of the machine-readable error tokens from spec §7.
type Kind string

// Error kinds, grouped by the HTTP status spec §7 assigns them.
const (
	NotAcceptableRequest        Kind = "NOT_ACCEPTABLE_REQUEST"
	NoClient                    Kind = "NO_CLIENT"
	NoTenant                    Kind = "NO_TENANT"
	MissingTenant                Kind = "MISSING_TENANT"
	FormNotParseable            Kind = "FORM_NOT_PARSEABLE"
	ConstructDateError          Kind = "CONSTRUCT_DATE_ERROR"
	MissingLocation             Kind = "MISSING_LOCATION"
	RedirectMismatch            Kind = "REDIRECT_MISMATCH"
	WrongReferer                Kind = "WRONG_REFERER"
	TenantMismatch              Kind = "TENANT_MISMATCH"
	WrongCredentials            Kind = "WRONG_CREDENTIALS"
	Invalidate                  Kind = "INVALIDATE"
	WrongClientSecret           Kind = "WRONG_CLIENT_SECRET"
	ExpiredToken                Kind = "EXPIRED_TOKEN"
	InvalidToken                Kind = "INVALID_TOKEN"
	UnsupportedGrantType        Kind = "UNSUPPORTED_GRANT_TYPE"
	CodeChallengeMethodNotImpl  Kind = "CODE_CHALLENGE_METHOD_NOT_IMPLEMENTED"
)

var statusByKind = map[Kind]int{
	NotAcceptableRequest:       http.StatusBadRequest,
	NoClient:                   http.StatusBadRequest,
	NoTenant:                   http.StatusBadRequest,
	MissingTenant:              http.StatusBadRequest,
	FormNotParseable:           http.StatusBadRequest,
	ConstructDateError:         http.StatusBadRequest,
	MissingLocation:            http.StatusBadRequest,
	RedirectMismatch:           http.StatusForbidden,
	WrongReferer:               http.StatusForbidden,
	TenantMismatch:             http.StatusForbidden,
	WrongCredentials:           http.StatusForbidden,
	Invalidate:                 http.StatusForbidden,
	WrongClientSecret:          http.StatusUnauthorized,
	ExpiredToken:               http.StatusUnauthorized,
	InvalidToken:               http.StatusUnauthorized,
	UnsupportedGrantType:       http.StatusBadRequest,
	CodeChallengeMethodNotImpl: http.StatusNotImplemented,
}

// Status returns the HTTP status code associated with kind.
func (k Kind) Status() int {
	if status, ok := statusByKind[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error is a typed error carrying the machine-readable kind, a
// human-readable message and an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New builds an *Error for the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code associated with the error's kind.
func (e *Error) Status() int {
	return e.Kind.Status()
}

// HandlerFunc is an HTTP handler that may fail; the returned error (if any)
// is translated into a response by Handler.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Renderer renders an HTML error page for a request. Given the template
// rendering engine is an external, non-goal collaborator, callers in
// production wire in the real renderer; RenderJSON is always available as
// a fallback for non-HTML requests.
type Renderer interface {
	RenderError(w http.ResponseWriter, r *http.Request, kind Kind, status int) error
}

// Handler wraps fn, mapping any returned error to an HTTP response.
// Internal errors (anything not already an *Error) are logged and mapped
// to NOT_ACCEPTABLE_REQUEST so their message never leaks to the client.
func Handler(fn HandlerFunc, renderer Renderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		apiErr, ok := err.(*Error)
		if !ok {
			logger.Errorw("internal error handling request", "path", r.URL.Path, "error", err)
			apiErr = New(NotAcceptableRequest, "internal error", err)
		}

		if wantsHTML(r) && renderer != nil {
			if rendErr := renderer.RenderError(w, r, apiErr.Kind, apiErr.Status()); rendErr == nil {
				return
			}
		}
		writeJSON(w, apiErr)
	}
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeJSON(w http.ResponseWriter, apiErr *Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(apiErr.Status())
	_ = json.NewEncoder(w).Encode(struct {
		ErrorFlag bool   `json:"error"`
		Reason    string `json:"reason"`
	}{ErrorFlag: true, Reason: string(apiErr.Kind)})
}
