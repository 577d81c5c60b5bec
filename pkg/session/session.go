// Package session implements the authorization-code/session store (spec
// §3 AuthSession/LoginSession, §4.C).
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/uitsmijter/core/pkg/claims"
)

// Type discriminates the kind of single-use entry in the store.
type Type string

// Session types.
const (
	TypeCode    Type = "code"
	TypeRefresh Type = "refresh"
	TypeDevice  Type = "device"
	TypeLogin   Type = "login"
)

// ChallengeMethod is the PKCE code_challenge_method (RFC 7636).
type ChallengeMethod string

// Supported challenge methods.
const (
	ChallengePlain  ChallengeMethod = "plain"
	ChallengeSHA256 ChallengeMethod = "sha256"
	ChallengeNone   ChallengeMethod = "none"
)

// AuthSession is a single-use code/refresh/device/login entry.
type AuthSession struct {
	Type                 Type
	TenantName           string
	Subject              string
	Code                 string
	Scopes               []string
	Payload              claims.Payload
	Redirect             string
	TTL                  time.Duration
	Generated            time.Time
	CodeChallenge        string
	CodeChallengeMethod  ChallengeMethod
	LoginID              string

	// Approved marks a device-grant session as operator/script-approved
	// (additive device-grant support; unused by any other session type).
	Approved bool
}

// Expired reports whether the session has outlived its TTL as of now.
func (s AuthSession) Expired(now time.Time) bool {
	return now.After(s.Generated.Add(s.TTL))
}

// LoginSession binds a single /authorize redirect to a login form
// submission (spec §3 LoginSession).
type LoginSession struct {
	LoginID   string
	TTL       time.Duration
	Generated time.Time
}

// LoginSessionTTL is the fixed lifetime of a LoginSession (spec §3: 120s).
const LoginSessionTTL = 120 * time.Second

// Errors returned by Store implementations.
var (
	ErrNotFound = errors.New("session: not found")
	ErrExpired  = errors.New("session: expired")
	ErrExists   = errors.New("session: code already exists")
)

// Store is the capability set every variant (in-memory, distributed KV)
// implements (spec §4.C).
type Store interface {
	// Put stores a new session. It returns ErrExists if (Type, Code) is
	// already occupied.
	Put(ctx context.Context, s AuthSession) error

	// Get consumes (reads and deletes) a code/refresh/device session.
	// Login-type sessions are never retrieved through Get; use
	// ConsumeLoginID instead.
	Get(ctx context.Context, typ Type, code string) (AuthSession, error)

	// Delete removes a session without regard to consumption semantics.
	Delete(ctx context.Context, typ Type, code string) error

	// Count returns the number of live sessions of typ (or all types if
	// typ is "").
	Count(ctx context.Context, typ Type) (int, error)

	// CountForTenant returns the number of live sessions of typ (or all
	// types if typ is "") belonging to tenantName.
	CountForTenant(ctx context.Context, tenantName string, typ Type) (int, error)

	// Wipe deletes every session belonging to (tenantName, subject),
	// regardless of type.
	Wipe(ctx context.Context, tenantName, subject string) error

	// PutLoginID stores a LoginSession.
	PutLoginID(ctx context.Context, s LoginSession) error

	// ConsumeLoginID atomically reads-and-deletes a LoginSession, reporting
	// whether it was present and unexpired.
	ConsumeLoginID(ctx context.Context, id string) (bool, error)
}

// GenerateCode returns a 16-character URL-safe random code (spec §3
// "code (16 urlsafe chars)").
func GenerateCode() (string, error) {
	return randomURLSafe(16)
}

// TokenLength is the default length of generated codes/tokens (spec §6
// TOKEN.LENGTH, default 16).
const TokenLength = 16

func randomURLSafe(n int) (string, error) {
	// base64 URL-safe without padding over-produces characters per byte,
	// so request enough raw entropy then trim to exactly n characters.
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	if len(encoded) < n {
		return encoded, nil
	}
	return encoded[:n], nil
}
