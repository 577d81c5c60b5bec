package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redismock "github.com/go-redis/redismock/v9"
)

func TestRedisStore_PutUsesSetNXWithTTL(t *testing.T) {
	t.Parallel()

	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client)

	s := AuthSession{Type: TypeCode, Code: "abc", TTL: time.Minute, Generated: time.Now()}
	data, err := json.Marshal(s)
	require.NoError(t, err)

	mock.ExpectSetNX("auth:code:abc", data, time.Minute).SetVal(true)

	require.NoError(t, store.Put(context.Background(), s))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_PutDuplicateFails(t *testing.T) {
	t.Parallel()

	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client)

	s := AuthSession{Type: TypeCode, Code: "abc", TTL: time.Minute, Generated: time.Now()}
	data, err := json.Marshal(s)
	require.NoError(t, err)

	mock.ExpectSetNX("auth:code:abc", data, time.Minute).SetVal(false)

	assert.ErrorIs(t, store.Put(context.Background(), s), ErrExists)
}

func TestRedisStore_GetConsumesViaGetDel(t *testing.T) {
	t.Parallel()

	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client)

	s := AuthSession{Type: TypeRefresh, Code: "xyz", TenantName: "acme", TTL: time.Hour, Generated: time.Now()}
	data, err := json.Marshal(s)
	require.NoError(t, err)

	mock.ExpectGetDel("auth:refresh:xyz").SetVal(string(data))

	got, err := store.Get(context.Background(), TypeRefresh, "xyz")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantName)
}

func TestRedisStore_LoginIDRoundTrip(t *testing.T) {
	t.Parallel()

	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client)

	mock.ExpectSet("loginid:l1", "1", LoginSessionTTL).SetVal("OK")
	require.NoError(t, store.PutLoginID(context.Background(), LoginSession{LoginID: "l1", TTL: LoginSessionTTL, Generated: time.Now()}))

	mock.ExpectGetDel("loginid:l1").SetVal("1")
	ok, err := store.ConsumeLoginID(context.Background(), "l1")
	require.NoError(t, err)
	assert.True(t, ok)
}
