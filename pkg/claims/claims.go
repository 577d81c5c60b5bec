// Package claims defines the JWT claims payload issued and verified by
// this service (spec §3, "Payload (JWT claims)").
package claims

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Payload is the set of claims carried by an issued bearer token.
type Payload struct {
	Issuer          string                 `json:"iss"`
	Subject         string                 `json:"sub"`
	ExpiresAt       int64                  `json:"exp"`
	IssuedAt        int64                  `json:"iat"`
	Audience        string                 `json:"aud"`
	Tenant          string                 `json:"tenant"`
	Responsibility  string                 `json:"responsibility"`
	Role            string                 `json:"role,omitempty"`
	User            string                 `json:"user,omitempty"`
	Scope           string                 `json:"scope"`
	Profile         map[string]interface{} `json:"profile,omitempty"`
}

// Scopes splits the space-joined Scope claim back into individual scopes.
func (p Payload) Scopes() []string {
	if p.Scope == "" {
		return nil
	}
	return strings.Fields(p.Scope)
}

// JoinScopes space-joins a scope slice, the inverse of Scopes.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// HashResponsibility computes the "responsibility" claim: a hash of the
// canonical responsible domain, used to prevent cross-domain cookie replay
// (spec §3, §4.J step 3).
func HashResponsibility(domain string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(domain)))
	return hex.EncodeToString(sum[:])
}

// NewPayload builds a Payload for subject/tenant with the standard
// lifetime and responsibility hash.
func NewPayload(issuer, subject, tenant, responsibleDomain, role, user string, scopes []string, profile map[string]interface{}, now time.Time, lifetime time.Duration) Payload {
	return Payload{
		Issuer:         issuer,
		Subject:        subject,
		IssuedAt:       now.Unix(),
		ExpiresAt:      now.Add(lifetime).Unix(),
		Audience:       tenant,
		Tenant:         tenant,
		Responsibility: HashResponsibility(responsibleDomain),
		Role:           role,
		User:           user,
		Scope:          JoinScopes(scopes),
		Profile:        profile,
	}
}

// Expired reports whether the payload's exp claim is in the past relative
// to now.
func (p Payload) Expired(now time.Time) bool {
	return time.Unix(p.ExpiresAt, 0).Before(now)
}
