// Package token implements POST /token, GET /token/info and POST /revoke
// (spec §4.I).
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/uitsmijter/core/pkg/apierr"
	"github.com/uitsmijter/core/pkg/claims"
	"github.com/uitsmijter/core/pkg/clientinfo"
	"github.com/uitsmijter/core/pkg/config"
	"github.com/uitsmijter/core/pkg/entity"
	"github.com/uitsmijter/core/pkg/scripthost"
	"github.com/uitsmijter/core/pkg/server"
	"github.com/uitsmijter/core/pkg/session"
)

// RefreshTTL is how long a refresh token stays redeemable. Not part of
// the enumerated configuration in spec §6; kept as a fixed constant here.
const RefreshTTL = 30 * 24 * time.Hour

// DeviceCodeTTL is how long a pending device-grant code stays valid.
const DeviceCodeTTL = 10 * time.Minute

// DeviceGrantType is the polling grant_type for device-code redemption
// (RFC 8628), additive per SPEC_FULL's device-grant supplement.
const DeviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

type tokenRequest struct {
	GrantType           string `json:"grant_type"`
	ClientID            string `json:"client_id"`
	ClientSecret        string `json:"client_secret"`
	Code                string `json:"code"`
	CodeVerifier        string `json:"code_verifier"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	RefreshToken        string `json:"refresh_token"`
	Username            string `json:"username"`
	Password            string `json:"password"`
	Scope               string `json:"scope"`
	DeviceCode          string `json:"device_code"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int    `json:"expires_in"`
}

type deviceResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// Routes holds the token endpoints' dependencies.
type Routes struct {
	Deps *server.Deps
}

// Router builds the chi sub-router serving /token, /token/info and /revoke.
func Router(deps *server.Deps) http.Handler {
	routes := &Routes{Deps: deps}
	r := chi.NewRouter()
	r.Post("/token", deps.Wrap(routes.token))
	r.Get("/token/info", deps.Wrap(routes.info))
	r.Post("/revoke", deps.Wrap(routes.revoke))
	r.Get("/device/verify", deps.Wrap(routes.deviceVerify))
	return r
}

func decodeRequest(r *http.Request) (tokenRequest, error) {
	var req tokenRequest
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return tokenRequest{}, err
		}
		return req, nil
	}
	if err := r.ParseForm(); err != nil {
		return tokenRequest{}, err
	}
	req = tokenRequest{
		GrantType:           r.PostForm.Get("grant_type"),
		ClientID:            r.PostForm.Get("client_id"),
		ClientSecret:        r.PostForm.Get("client_secret"),
		Code:                r.PostForm.Get("code"),
		CodeVerifier:        r.PostForm.Get("code_verifier"),
		CodeChallengeMethod: r.PostForm.Get("code_challenge_method"),
		RefreshToken:        r.PostForm.Get("refresh_token"),
		Username:            r.PostForm.Get("username"),
		Password:            r.PostForm.Get("password"),
		Scope:               r.PostForm.Get("scope"),
		DeviceCode:          r.PostForm.Get("device_code"),
	}
	return req, nil
}

func (routes *Routes) token(w http.ResponseWriter, r *http.Request) error {
	req, err := decodeRequest(r)
	if err != nil {
		return apierr.New(apierr.FormNotParseable, "could not parse token request", err)
	}

	switch req.GrantType {
	case "authorization_code":
		return routes.authorizationCode(w, r, req)
	case "refresh_token":
		return routes.refreshToken(w, r, req)
	case "password":
		return routes.password(w, r, req)
	case "device":
		return routes.deviceStart(w, r, req)
	case DeviceGrantType:
		return routes.deviceRedeem(w, r, req)
	default:
		return apierr.New(apierr.UnsupportedGrantType, "unsupported grant_type", nil)
	}
}

func (routes *Routes) authorizationCode(w http.ResponseWriter, r *http.Request, req tokenRequest) error {
	client := routes.Deps.Store.FindClientByIdent(req.ClientID)
	if client == nil {
		return apierr.New(apierr.NoClient, "unknown client_id", nil)
	}
	if client.Secret != "" && subtle.ConstantTimeCompare([]byte(client.Secret), []byte(req.ClientSecret)) != 1 {
		return apierr.New(apierr.WrongClientSecret, "client secret mismatch", nil)
	}
	if !client.AllowsGrant("authorization_code") {
		return apierr.New(apierr.UnsupportedGrantType, "client not allowed to use authorization_code", nil)
	}

	sess, err := routes.Deps.Sessions.Get(r.Context(), session.TypeCode, req.Code)
	if err != nil {
		return apierr.New(apierr.Invalidate, "authorization code missing or expired", err)
	}

	if err := verifyPKCE(sess, req.CodeChallengeMethod, req.CodeVerifier); err != nil {
		return err
	}

	if client.TenantName != sess.TenantName {
		return apierr.New(apierr.TenantMismatch, "client tenant does not match code tenant", nil)
	}

	return routes.issueTokens(w, r, client.TenantName, sess.Payload, sess.Scopes, true)
}

func (routes *Routes) refreshToken(w http.ResponseWriter, r *http.Request, req tokenRequest) error {
	client := routes.Deps.Store.FindClientByIdent(req.ClientID)
	if client == nil {
		return apierr.New(apierr.NoClient, "unknown client_id", nil)
	}

	sess, err := routes.Deps.Sessions.Get(r.Context(), session.TypeRefresh, req.RefreshToken)
	if err != nil {
		return apierr.New(apierr.Invalidate, "refresh token missing or expired", err)
	}

	if client.TenantName != sess.TenantName {
		return apierr.New(apierr.TenantMismatch, "client tenant does not match refresh token tenant", nil)
	}

	tenant := routes.Deps.Store.FindTenantByName(sess.TenantName)
	if !routes.validateForRefresh(r, tenant, sess) {
		return apierr.New(apierr.Invalidate, "subject no longer valid", nil)
	}

	return routes.issueTokens(w, r, sess.TenantName, sess.Payload, sess.Scopes, true)
}

// validateForRefresh implements spec §4.I's refresh_token validation
// provider check, treating a tenant whose scripts define no
// UserValidationProvider as always-valid outside production.
func (routes *Routes) validateForRefresh(r *http.Request, tenant *entity.Tenant, sess session.AuthSession) bool {
	if tenant == nil || len(tenant.Providers) == 0 {
		return routes.Deps.Config.Environment != config.Production
	}
	res, err := routes.Deps.Scripts.RunValidate(r.Context(), tenant.Providers, scripthost.ValidationArgs{
		Subject: sess.Subject,
	})
	if err != nil {
		if strings.HasSuffix(err.Error(), "UserValidationProvider not defined") {
			return routes.Deps.Config.Environment != config.Production
		}
		return false
	}
	return res.Decision
}

func (routes *Routes) password(w http.ResponseWriter, r *http.Request, req tokenRequest) error {
	ci, ok := clientinfo.FromContext(r.Context())
	if !ok || ci.Tenant == nil {
		return apierr.New(apierr.MissingTenant, "no tenant resolved for this host", nil)
	}
	if ci.Client == nil || !ci.Client.AllowsGrant("password") {
		return apierr.New(apierr.NoClient, "client not allowed to use password grant", nil)
	}

	result, err := routes.Deps.Scripts.RunLogin(r.Context(), ci.Tenant.Providers, scripthost.Credentials{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil || !result.Decision {
		return apierr.New(apierr.WrongCredentials, "invalid credentials", nil)
	}

	subject := result.Subject
	if subject == "" {
		subject = req.Username
	}
	scopes := server.FilterScopes(ci.Client, strings.Fields(req.Scope), result.Scopes)
	payload := claims.NewPayload(
		ci.ServiceURL, subject, ci.Tenant.Name, ci.ResponsibleDomain,
		result.Role, req.Username, scopes, result.Profile,
		time.Now(), routes.Deps.Config.TokenLifetime(),
	)

	return routes.issueTokens(w, r, ci.Tenant.Name, payload, scopes, false)
}

// issueTokens signs a fresh access token from payload (refreshing iat/exp)
// and, when withRefresh is true, mints and stores a rotated refresh
// session.
func (routes *Routes) issueTokens(w http.ResponseWriter, r *http.Request, tenantName string, payload claims.Payload, scopes []string, withRefresh bool) error {
	tenant := routes.Deps.Store.FindTenantByName(tenantName)
	if tenant == nil {
		return apierr.New(apierr.NoTenant, "tenant no longer configured", nil)
	}

	now := time.Now()
	fresh := payload
	fresh.IssuedAt = now.Unix()
	fresh.ExpiresAt = now.Add(routes.Deps.Config.TokenLifetime()).Unix()
	fresh.Scope = claims.JoinScopes(scopes)

	access, err := routes.Deps.Signer.Sign(r.Context(), fresh, *tenant, tenant.EffectiveAlgorithm(routes.Deps.Config.DefaultAlg))
	if err != nil {
		return apierr.New(apierr.NotAcceptableRequest, "could not sign access token", err)
	}

	resp := tokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		Scope:       claims.JoinScopes(scopes),
		ExpiresIn:   int(routes.Deps.Config.TokenLifetime().Seconds()),
	}

	if withRefresh {
		refreshCode, err := session.GenerateCode()
		if err != nil {
			return apierr.New(apierr.NotAcceptableRequest, "could not generate refresh token", err)
		}
		if err := routes.Deps.Sessions.Put(r.Context(), session.AuthSession{
			Type:       session.TypeRefresh,
			TenantName: tenantName,
			Subject:    payload.Subject,
			Code:       refreshCode,
			Scopes:     scopes,
			Payload:    payload,
			TTL:        RefreshTTL,
			Generated:  now,
		}); err != nil {
			return apierr.New(apierr.NotAcceptableRequest, "could not store refresh token", err)
		}
		resp.RefreshToken = refreshCode
	}

	writeJSON(w, http.StatusOK, resp)
	return nil
}

// verifyPKCE implements spec §4.I's authorization_code PKCE enforcement.
func verifyPKCE(sess session.AuthSession, methodParam, verifier string) error {
	if sess.CodeChallenge == "" {
		return nil
	}
	method := sess.CodeChallengeMethod
	if methodParam != "" && session.ChallengeMethod(methodParam) != method {
		return apierr.New(apierr.Invalidate, "code_challenge_method mismatch", nil)
	}
	switch method {
	case session.ChallengePlain:
		if verifier != sess.CodeChallenge {
			return apierr.New(apierr.Invalidate, "code_verifier mismatch", nil)
		}
	case session.ChallengeSHA256:
		sum := sha256.Sum256([]byte(verifier))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != sess.CodeChallenge {
			return apierr.New(apierr.Invalidate, "code_verifier mismatch", nil)
		}
	}
	return nil
}

func (routes *Routes) info(w http.ResponseWriter, r *http.Request) error {
	tokenString := bearerToken(r)
	if tokenString == "" {
		return apierr.New(apierr.InvalidToken, "missing bearer token", nil)
	}
	payload, err := routes.Deps.Signer.Verify(r.Context(), tokenString)
	if err != nil {
		return apierr.New(apierr.ExpiredToken, "token expired or invalid", err)
	}
	writeJSON(w, http.StatusOK, payload.Profile)
	return nil
}

func (routes *Routes) revoke(w http.ResponseWriter, r *http.Request) error {
	req, err := decodeRequest(r)
	if err == nil {
		if req.RefreshToken == "" {
			req.RefreshToken = r.PostForm.Get("token")
		}
	}
	tokenValue := req.RefreshToken

	if sess, err := routes.Deps.Sessions.Get(r.Context(), session.TypeRefresh, tokenValue); err == nil {
		_ = routes.Deps.Sessions.Wipe(r.Context(), sess.TenantName, sess.Subject)
	} else if payload, verr := routes.Deps.Signer.Verify(r.Context(), tokenValue); verr == nil {
		_ = routes.Deps.Sessions.Wipe(r.Context(), payload.Tenant, payload.Subject)
	}

	w.WriteHeader(http.StatusOK)
	return nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- device grant (additive, SPEC_FULL supplement) ---

func (routes *Routes) deviceStart(w http.ResponseWriter, r *http.Request, _ tokenRequest) error {
	deviceCode, err := session.GenerateCode()
	if err != nil {
		return apierr.New(apierr.NotAcceptableRequest, "could not generate device_code", err)
	}
	userCode, err := generateUserCode()
	if err != nil {
		return apierr.New(apierr.NotAcceptableRequest, "could not generate user_code", err)
	}

	ci, _ := clientinfo.FromContext(r.Context())
	now := time.Now()

	if err := routes.Deps.Sessions.Put(r.Context(), session.AuthSession{
		Type:      session.TypeDevice,
		Code:      deviceCode,
		Redirect:  userCode,
		TTL:       DeviceCodeTTL,
		Generated: now,
	}); err != nil {
		return apierr.New(apierr.NotAcceptableRequest, "could not store device code", err)
	}
	if err := routes.Deps.Sessions.Put(r.Context(), session.AuthSession{
		Type:      session.TypeDevice,
		Code:      devicePointerKey(userCode),
		Redirect:  deviceCode,
		TTL:       DeviceCodeTTL,
		Generated: now,
	}); err != nil {
		return apierr.New(apierr.NotAcceptableRequest, "could not store device code pointer", err)
	}

	verificationURI := "/device/verify"
	if ci != nil {
		verificationURI = ci.ServiceURL + verificationURI
	}

	writeJSON(w, http.StatusOK, deviceResponse{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		VerificationURI: verificationURI,
		ExpiresIn:       int(DeviceCodeTTL.Seconds()),
		Interval:        5,
	})
	return nil
}

func (routes *Routes) deviceRedeem(w http.ResponseWriter, r *http.Request, req tokenRequest) error {
	sess, err := routes.Deps.Sessions.Get(r.Context(), session.TypeDevice, req.DeviceCode)
	if err != nil {
		return apierr.New(apierr.Invalidate, "device code missing or expired", err)
	}
	if !sess.Approved {
		return apierr.New(apierr.Invalidate, "device code not yet approved", nil)
	}
	return routes.issueTokens(w, r, sess.TenantName, sess.Payload, sess.Scopes, false)
}

// deviceVerify lets an already-authenticated caller (an operator or a
// script holding a valid SSO cookie) approve a pending device code,
// binding it to their identity so a subsequent deviceRedeem can issue a
// token for them.
func (routes *Routes) deviceVerify(w http.ResponseWriter, r *http.Request) error {
	userCode := r.URL.Query().Get("user_code")
	if userCode == "" {
		return apierr.New(apierr.NotAcceptableRequest, "user_code is required", nil)
	}

	ci, ok := clientinfo.FromContext(r.Context())
	if !ok || ci.ValidPayload == nil {
		return apierr.New(apierr.WrongCredentials, "device approval requires an authenticated session", nil)
	}

	ptr, err := routes.Deps.Sessions.Get(r.Context(), session.TypeDevice, devicePointerKey(userCode))
	if err != nil {
		return apierr.New(apierr.Invalidate, "user_code unknown or expired", err)
	}
	sess, err := routes.Deps.Sessions.Get(r.Context(), session.TypeDevice, ptr.Redirect)
	if err != nil {
		return apierr.New(apierr.Invalidate, "device code expired", err)
	}

	sess.Approved = true
	sess.TenantName = ci.ValidPayload.Tenant
	sess.Subject = ci.ValidPayload.Subject
	sess.Payload = *ci.ValidPayload
	sess.Scopes = ci.ValidPayload.Scopes()
	if err := routes.Deps.Sessions.Put(r.Context(), sess); err != nil {
		return apierr.New(apierr.NotAcceptableRequest, "could not store device approval", err)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"approved": true})
	return nil
}

func devicePointerKey(userCode string) string {
	return "uc:" + userCode
}

func generateUserCode() (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, 8)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}
