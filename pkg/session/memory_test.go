package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGetConsumesOnce(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	s := AuthSession{Type: TypeCode, Code: "abc123", TenantName: "acme", Subject: "sub-1", TTL: time.Minute, Generated: time.Now()}
	require.NoError(t, store.Put(ctx, s))

	got, err := store.Get(ctx, TypeCode, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", got.Subject)

	_, err = store.Get(ctx, TypeCode, "abc123")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_PutDuplicateFails(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	s := AuthSession{Type: TypeCode, Code: "dup", TTL: time.Minute, Generated: time.Now()}
	require.NoError(t, store.Put(ctx, s))
	assert.ErrorIs(t, store.Put(ctx, s), ErrExists)
}

func TestMemoryStore_ExpiredRejected(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	s := AuthSession{Type: TypeCode, Code: "old", TTL: time.Millisecond, Generated: time.Now().Add(-time.Hour)}
	require.NoError(t, store.Put(ctx, s))

	_, err := store.Get(ctx, TypeCode, "old")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestMemoryStore_CountAndWipe(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.Put(ctx, AuthSession{Type: TypeCode, Code: "a", TenantName: "acme", Subject: "s1", TTL: time.Hour, Generated: now}))
	require.NoError(t, store.Put(ctx, AuthSession{Type: TypeRefresh, Code: "b", TenantName: "acme", Subject: "s1", TTL: time.Hour, Generated: now}))
	require.NoError(t, store.Put(ctx, AuthSession{Type: TypeCode, Code: "c", TenantName: "other", Subject: "s2", TTL: time.Hour, Generated: now}))

	total, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	codeOnly, err := store.Count(ctx, TypeCode)
	require.NoError(t, err)
	assert.Equal(t, 2, codeOnly)

	forTenant, err := store.CountForTenant(ctx, "acme", "")
	require.NoError(t, err)
	assert.Equal(t, 2, forTenant)

	require.NoError(t, store.Wipe(ctx, "acme", "s1"))
	remaining, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}

func TestMemoryStore_LoginIDConsumeOnce(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	login := LoginSession{LoginID: "login-1", TTL: LoginSessionTTL, Generated: time.Now()}
	require.NoError(t, store.PutLoginID(ctx, login))

	ok, err := store.ConsumeLoginID(ctx, "login-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ConsumeLoginID(ctx, "login-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerateCodeLength(t *testing.T) {
	t.Parallel()

	code, err := GenerateCode()
	require.NoError(t, err)
	assert.Len(t, code, 16)
}
