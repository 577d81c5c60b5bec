// Package keys implements RSA key generation/persistence with a
// distributed active-kid pointer, and HS256/RS256 JWT signing/verification
// with JWKS exposure (spec §3 Key Pair/JWKS entry, §4.E).
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/uitsmijter/core/pkg/logger"
)

// MinRSAKeyBits is the minimum RSA modulus size this service will generate
// or accept (NIST SP 800-57).
const MinRSAKeyBits = 2048

// ErrKeyNotFound is returned by Storage.GetKey when the kid is unknown.
var ErrKeyNotFound = errors.New("keys: key not found")

// LockTTL bounds how long a single node may hold the cluster-wide
// key-generation lock before another node is allowed to try (spec §4.E,
// §5: "SETNX-style mutual-exclusion key with TTL").
const LockTTL = 10 * time.Second

// LockPollInterval is how often a lock loser re-checks whether the winner
// has finished publishing the active key.
const LockPollInterval = 200 * time.Millisecond

// KeyPair is an RSA signing key plus its kid (spec §3 "Key Pair").
type KeyPair struct {
	Kid        string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	Generated  time.Time
}

// GenerateKeyPair creates a fresh MinRSAKeyBits-bit RSA key pair with a new
// kid.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, MinRSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("keys: generate RSA key: %w", err)
	}
	return &KeyPair{
		Kid:        uuid.NewString(),
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		Generated:  time.Now(),
	}, nil
}

// EncodePrivatePEM PKCS#1-encodes the private key as PEM.
func (k *KeyPair) EncodePrivatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.PrivateKey),
	})
}

// EncodePublicPEM PKIX-encodes the public key as PEM.
func (k *KeyPair) EncodePublicPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(k.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// DecodeKeyPairPEM parses a kid plus PEM-encoded private key, and the time
// it was generated, back into a KeyPair. The public half is derived from
// the private key; publicPEM is not parsed. Callers that do not
// track a generation time (only the Redis storage does) may pass the
// zero time, but then PruneRetiredKeys will treat the key as infinitely
// old.
func DecodeKeyPairPEM(kid string, privatePEM, publicPEM []byte, generated time.Time) (*KeyPair, error) {
	block, _ := pem.Decode(privatePEM)
	if block == nil {
		return nil, errors.New("keys: invalid private key PEM")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keys: parse private key: %w", err)
	}
	return &KeyPair{Kid: kid, PrivateKey: priv, PublicKey: &priv.PublicKey, Generated: generated}, nil
}

// Storage persists keys and the active-kid pointer (spec §4.E). Both the
// in-process and Redis variants implement it identically from the
// signer's point of view.
type Storage interface {
	// ActiveKid returns the currently active kid, or "" if none is set.
	ActiveKid(ctx context.Context) (string, error)

	// SetActiveKid atomically makes kid the active key.
	SetActiveKid(ctx context.Context, kid string) error

	// PutKey persists kp, independent of whether it is active.
	PutKey(ctx context.Context, kp *KeyPair) error

	// GetKey retrieves a previously persisted key pair by kid.
	GetKey(ctx context.Context, kid string) (*KeyPair, error)

	// AllKeys returns every persisted key pair (used for JWKS).
	AllKeys(ctx context.Context) ([]*KeyPair, error)

	// DeleteKey removes a retired key pair. Deleting the active kid is the
	// caller's mistake to avoid; implementations do not special-case it.
	DeleteKey(ctx context.Context, kid string) error

	// TryLock attempts to acquire the cluster-wide key-generation lock,
	// returning true if this caller won it.
	TryLock(ctx context.Context, ttl time.Duration) (bool, error)

	// ReleaseLock releases the key-generation lock if held by this
	// process (no-op if not held or already expired).
	ReleaseLock(ctx context.Context) error
}

// EnsureActiveKey guarantees an active RS256 key exists in storage,
// generating one under the cluster-wide lock on first boot (spec §4.E):
// lock winners generate and publish; losers poll until the winner's kid
// appears, preventing split-brain key generation during scale-out.
func EnsureActiveKey(ctx context.Context, storage Storage) (string, error) {
	if kid, err := storage.ActiveKid(ctx); err == nil && kid != "" {
		return kid, nil
	}

	won, err := storage.TryLock(ctx, LockTTL)
	if err != nil {
		return "", fmt.Errorf("keys: acquire generation lock: %w", err)
	}

	if !won {
		return pollForActiveKey(ctx, storage)
	}
	defer func() {
		if relErr := storage.ReleaseLock(ctx); relErr != nil {
			logger.Warnw("keys: failed to release generation lock", "error", relErr)
		}
	}()

	// Re-check: another node may have published between our first read
	// and winning the lock.
	if kid, err := storage.ActiveKid(ctx); err == nil && kid != "" {
		return kid, nil
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return "", err
	}
	if err := storage.PutKey(ctx, kp); err != nil {
		return "", fmt.Errorf("keys: persist generated key: %w", err)
	}
	if err := storage.SetActiveKid(ctx, kp.Kid); err != nil {
		return "", fmt.Errorf("keys: set active kid: %w", err)
	}
	logger.Infow("keys: generated new active key", "kid", kp.Kid)
	return kp.Kid, nil
}

func pollForActiveKey(ctx context.Context, storage Storage) (string, error) {
	ticker := time.NewTicker(LockPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			if kid, err := storage.ActiveKid(ctx); err == nil && kid != "" {
				return kid, nil
			}
		}
	}
}

// Rotate generates a fresh key, makes it active, and leaves the prior
// active key in storage for JWKS grace-window verification (spec §3:
// "old keys remain in JWKS for a grace period").
func Rotate(ctx context.Context, storage Storage) (*KeyPair, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := storage.PutKey(ctx, kp); err != nil {
		return nil, err
	}
	if err := storage.SetActiveKid(ctx, kp.Kid); err != nil {
		return nil, err
	}
	logger.Infow("keys: rotated active key", "kid", kp.Kid)
	return kp, nil
}

// PruneRetiredKeys removes any non-active key older than graceWindow from
// storage, closing the loop on spec §3's "old keys remain in JWKS for a
// grace period" invariant with a concrete sweep.
func PruneRetiredKeys(ctx context.Context, storage Storage, graceWindow time.Duration) error {
	active, err := storage.ActiveKid(ctx)
	if err != nil {
		return fmt.Errorf("keys: resolve active kid: %w", err)
	}

	all, err := storage.AllKeys(ctx)
	if err != nil {
		return fmt.Errorf("keys: list keys: %w", err)
	}

	cutoff := time.Now().Add(-graceWindow)
	for _, kp := range all {
		if kp.Kid == active {
			continue
		}
		if kp.Generated.After(cutoff) {
			continue
		}
		if err := storage.DeleteKey(ctx, kp.Kid); err != nil {
			logger.Warnw("keys: failed to prune retired key", "kid", kp.Kid, "error", err)
			continue
		}
		logger.Infow("keys: pruned retired key past grace window", "kid", kp.Kid)
	}
	return nil
}
