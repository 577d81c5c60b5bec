package keys

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key layout (spec §6):
//
//	jwt:keys:active -> active kid
//	jwt:keys:{kid}  -> {privateKeyPEM, publicKeyPEM, generated}
//	jwt:keys:lock   -> cluster-wide generation lock; short TTL
const (
	redisActiveKidKey = "jwt:keys:active"
	redisLockKey      = "jwt:keys:lock"
)

func redisKeyKey(kid string) string { return "jwt:keys:" + kid }

type storedKeyPair struct {
	PrivateKeyPEM []byte    `json:"privateKeyPEM"`
	PublicKeyPEM  []byte    `json:"publicKeyPEM"`
	Generated     time.Time `json:"generated"`
}

// RedisStorage is the distributed Storage variant backed by Redis, used
// so every replica observes the same active kid and key material (spec
// §4.E, §5 "Key Storage: writer-owned key collection").
type RedisStorage struct {
	client   redis.Cmdable
	lockToken string
}

// NewRedisStorage wraps client as a Storage.
func NewRedisStorage(client redis.Cmdable) *RedisStorage {
	return &RedisStorage{client: client, lockToken: uuid.NewString()}
}

// ActiveKid implements Storage.
func (r *RedisStorage) ActiveKid(ctx context.Context) (string, error) {
	kid, err := r.client.Get(ctx, redisActiveKidKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return kid, err
}

// SetActiveKid implements Storage.
func (r *RedisStorage) SetActiveKid(ctx context.Context, kid string) error {
	return r.client.Set(ctx, redisActiveKidKey, kid, 0).Err()
}

// PutKey implements Storage.
func (r *RedisStorage) PutKey(ctx context.Context, kp *KeyPair) error {
	publicPEM, err := kp.EncodePublicPEM()
	if err != nil {
		return err
	}
	data, err := json.Marshal(storedKeyPair{
		PrivateKeyPEM: kp.EncodePrivatePEM(),
		PublicKeyPEM:  publicPEM,
		Generated:     kp.Generated,
	})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKeyKey(kp.Kid), data, 0).Err()
}

// GetKey implements Storage.
func (r *RedisStorage) GetKey(ctx context.Context, kid string) (*KeyPair, error) {
	data, err := r.client.Get(ctx, redisKeyKey(kid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	var stored storedKeyPair
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	return DecodeKeyPairPEM(kid, stored.PrivateKeyPEM, stored.PublicKeyPEM, stored.Generated)
}

// DeleteKey implements Storage.
func (r *RedisStorage) DeleteKey(ctx context.Context, kid string) error {
	return r.client.Del(ctx, redisKeyKey(kid)).Err()
}

// AllKeys implements Storage by scanning the "jwt:keys:*" keyspace,
// skipping the active-kid pointer and lock keys.
func (r *RedisStorage) AllKeys(ctx context.Context) ([]*KeyPair, error) {
	var out []*KeyPair
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, "jwt:keys:*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if key == redisActiveKidKey || key == redisLockKey {
				continue
			}
			kid := key[len("jwt:keys:"):]
			kp, err := r.GetKey(ctx, kid)
			if err != nil {
				continue
			}
			out = append(out, kp)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// TryLock implements Storage via SETNX with a TTL.
func (r *RedisStorage) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, redisLockKey, r.lockToken, ttl).Result()
}

// ReleaseLock implements Storage, only releasing the lock if it is still
// held by this process's token.
func (r *RedisStorage) ReleaseLock(ctx context.Context) error {
	held, err := r.client.Get(ctx, redisLockKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if held != r.lockToken {
		return nil
	}
	return r.client.Del(ctx, redisLockKey).Err()
}

var _ Storage = (*RedisStorage)(nil)
