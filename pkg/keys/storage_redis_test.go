package keys

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redismock "github.com/go-redis/redismock/v9"
)

func TestRedisStorage_ActiveKidEmptyWhenUnset(t *testing.T) {
	t.Parallel()

	client, mock := redismock.NewClientMock()
	storage := NewRedisStorage(client)

	mock.ExpectGet(redisActiveKidKey).RedisNil()

	kid, err := storage.ActiveKid(context.Background())
	require.NoError(t, err)
	assert.Empty(t, kid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorage_PutKeyThenGetKeyRoundTrips(t *testing.T) {
	t.Parallel()

	client, mock := redismock.NewClientMock()
	storage := NewRedisStorage(client)

	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	publicPEM, err := kp.EncodePublicPEM()
	require.NoError(t, err)
	data, err := json.Marshal(storedKeyPair{
		PrivateKeyPEM: kp.EncodePrivatePEM(),
		PublicKeyPEM:  publicPEM,
		Generated:     kp.Generated,
	})
	require.NoError(t, err)

	mock.ExpectSet(redisKeyKey(kp.Kid), data, 0).SetVal("OK")
	require.NoError(t, storage.PutKey(context.Background(), kp))
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectGet(redisKeyKey(kp.Kid)).SetVal(string(data))
	got, err := storage.GetKey(context.Background(), kp.Kid)
	require.NoError(t, err)
	assert.Equal(t, kp.Kid, got.Kid)
	assert.Equal(t, kp.PublicKey.N, got.PublicKey.N)
	assert.WithinDuration(t, kp.Generated, got.Generated, time.Second)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorage_GetKeyMissingReturnsErrKeyNotFound(t *testing.T) {
	t.Parallel()

	client, mock := redismock.NewClientMock()
	storage := NewRedisStorage(client)

	mock.ExpectGet(redisKeyKey("missing")).RedisNil()

	_, err := storage.GetKey(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorage_TryLockUsesSetNX(t *testing.T) {
	t.Parallel()

	client, mock := redismock.NewClientMock()
	storage := NewRedisStorage(client)

	mock.ExpectSetNX(redisLockKey, storage.lockToken, LockTTL).SetVal(true)

	won, err := storage.TryLock(context.Background(), LockTTL)
	require.NoError(t, err)
	assert.True(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPruneRetiredKeys_RedisBackedRemovesOnlyStaleNonActiveKeys mirrors
// TestPruneRetiredKeys_RemovesOnlyStaleNonActiveKeys in keys_test.go, but
// against RedisStorage: it pins a Generated timestamp on the stale key's
// stored JSON so a regression that drops Generated across a Redis
// round trip (and thereby ages every retired key to the zero value) would
// make this test fail the same way the bug itself would in production.
func TestPruneRetiredKeys_RedisBackedRemovesOnlyStaleNonActiveKeys(t *testing.T) {
	t.Parallel()

	client, mock := redismock.NewClientMock()
	storage := NewRedisStorage(client)
	ctx := context.Background()

	activeKP, err := GenerateKeyPair()
	require.NoError(t, err)
	staleKP, err := GenerateKeyPair()
	require.NoError(t, err)
	staleKP.Generated = time.Now().Add(-48 * time.Hour)

	activePublicPEM, err := activeKP.EncodePublicPEM()
	require.NoError(t, err)
	activeData, err := json.Marshal(storedKeyPair{
		PrivateKeyPEM: activeKP.EncodePrivatePEM(),
		PublicKeyPEM:  activePublicPEM,
		Generated:     activeKP.Generated,
	})
	require.NoError(t, err)

	stalePublicPEM, err := staleKP.EncodePublicPEM()
	require.NoError(t, err)
	staleData, err := json.Marshal(storedKeyPair{
		PrivateKeyPEM: staleKP.EncodePrivatePEM(),
		PublicKeyPEM:  stalePublicPEM,
		Generated:     staleKP.Generated,
	})
	require.NoError(t, err)

	mock.ExpectGet(redisActiveKidKey).SetVal(activeKP.Kid)
	mock.ExpectScan(0, "jwt:keys:*", 100).SetVal([]string{redisKeyKey(activeKP.Kid), redisKeyKey(staleKP.Kid)}, 0)
	mock.ExpectGet(redisKeyKey(activeKP.Kid)).SetVal(string(activeData))
	mock.ExpectGet(redisKeyKey(staleKP.Kid)).SetVal(string(staleData))
	mock.ExpectDel(redisKeyKey(staleKP.Kid)).SetVal(1)

	require.NoError(t, PruneRetiredKeys(ctx, storage, 24*time.Hour))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorage_ReleaseLockOnlyIfOwnedByThisToken(t *testing.T) {
	t.Parallel()

	client, mock := redismock.NewClientMock()
	storage := NewRedisStorage(client)

	mock.ExpectGet(redisLockKey).SetVal("someone-elses-token")

	require.NoError(t, storage.ReleaseLock(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
