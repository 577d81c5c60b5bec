package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/uitsmijter/core/pkg/claims"
	"github.com/uitsmijter/core/pkg/entity"
)

// Errors returned by Signer.Verify (spec §4.E).
var (
	ErrInvalidToken = fmt.Errorf("keys: invalid token")
	ErrExpiredToken = fmt.Errorf("keys: expired token")
)

// Signer signs and verifies tokens, choosing HS256 or RS256 per tenant
// (spec §4.E).
type Signer struct {
	Storage    Storage
	HMACSecret []byte
}

// Sign issues a compact JWT for payload, using tenant's effective
// algorithm.
func (s *Signer) Sign(ctx context.Context, payload claims.Payload, tenant entity.Tenant, defaultAlg entity.Algorithm) (string, error) {
	alg := tenant.EffectiveAlgorithm(defaultAlg)

	claimSet := payloadClaims(payload)

	switch alg {
	case entity.HS256:
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claimSet)
		return token.SignedString(s.HMACSecret)
	case entity.RS256:
		kid, err := EnsureActiveKey(ctx, s.Storage)
		if err != nil {
			return "", err
		}
		kp, err := s.Storage.GetKey(ctx, kid)
		if err != nil {
			return "", err
		}
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claimSet)
		token.Header["kid"] = kp.Kid
		return token.SignedString(kp.PrivateKey)
	default:
		return "", fmt.Errorf("keys: unsupported algorithm %q", alg)
	}
}

// Verify parses and validates tokenString, resolving the verification key
// by kid (RS256) or the process HMAC secret (HS256) (spec §4.E).
func (s *Signer) Verify(ctx context.Context, tokenString string) (claims.Payload, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.Alg() {
		case jwt.SigningMethodHS256.Alg():
			return s.HMACSecret, nil
		case jwt.SigningMethodRS256.Alg():
			kid, ok := t.Header["kid"].(string)
			if !ok {
				return nil, fmt.Errorf("keys: RS256 token missing kid")
			}
			kp, err := s.Storage.GetKey(ctx, kid)
			if err != nil {
				return nil, err
			}
			return kp.PublicKey, nil
		default:
			return nil, fmt.Errorf("keys: unsupported alg %q", t.Method.Alg())
		}
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodRS256.Alg()}))

	if err != nil {
		if isExpiredErr(err) {
			return claims.Payload{}, ErrExpiredToken
		}
		return claims.Payload{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return claims.Payload{}, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return claims.Payload{}, ErrInvalidToken
	}
	return claimsFromMap(mapClaims), nil
}

func isExpiredErr(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}

func payloadClaims(p claims.Payload) jwt.MapClaims {
	c := jwt.MapClaims{
		"iss":            p.Issuer,
		"sub":            p.Subject,
		"exp":            p.ExpiresAt,
		"iat":            p.IssuedAt,
		"aud":            p.Audience,
		"tenant":         p.Tenant,
		"responsibility": p.Responsibility,
		"scope":          p.Scope,
	}
	if p.Role != "" {
		c["role"] = p.Role
	}
	if p.User != "" {
		c["user"] = p.User
	}
	if p.Profile != nil {
		c["profile"] = p.Profile
	}
	return c
}

func claimsFromMap(m jwt.MapClaims) claims.Payload {
	p := claims.Payload{}
	if v, ok := m["iss"].(string); ok {
		p.Issuer = v
	}
	if v, ok := m["sub"].(string); ok {
		p.Subject = v
	}
	if v, ok := m["exp"].(float64); ok {
		p.ExpiresAt = int64(v)
	}
	if v, ok := m["iat"].(float64); ok {
		p.IssuedAt = int64(v)
	}
	if v, ok := m["aud"].(string); ok {
		p.Audience = v
	}
	if v, ok := m["tenant"].(string); ok {
		p.Tenant = v
	}
	if v, ok := m["responsibility"].(string); ok {
		p.Responsibility = v
	}
	if v, ok := m["role"].(string); ok {
		p.Role = v
	}
	if v, ok := m["user"].(string); ok {
		p.User = v
	}
	if v, ok := m["scope"].(string); ok {
		p.Scope = v
	}
	if v, ok := m["profile"].(map[string]interface{}); ok {
		p.Profile = v
	}
	return p
}

// JWKS returns every RSA public key in storage as a JSON Web Key Set
// (spec §3 "JWKS entry", RFC 7517, §4.E).
func (s *Signer) JWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	all, err := s.Storage.AllKeys(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(all))}
	for _, kp := range all {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       kp.PublicKey,
			KeyID:     kp.Kid,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
	}
	return set, nil
}
