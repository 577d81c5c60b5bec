package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uitsmijter/core/pkg/logger"
)

// RedisStore is the distributed Store variant, using native Redis key
// expiry (spec §4.C). Key layout mirrors spec §6:
//
//	auth:{type}:{code}   -> serialized AuthSession, TTL = session ttl
//	loginid:{uuid}       -> "1",                    TTL = 120s
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore wraps an existing redis.Cmdable (a *redis.Client or
// *redis.ClusterClient) as a Store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func authKey(typ Type, code string) string {
	return fmt.Sprintf("auth:%s:%s", typ, code)
}

func loginKey(id string) string {
	return "loginid:" + id
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, s AuthSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	key := authKey(s.Type, s.Code)
	ok, err := r.client.SetNX(ctx, key, data, s.TTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Get implements Store: atomically reads-and-deletes via GETDEL.
func (r *RedisStore) Get(ctx context.Context, typ Type, code string) (AuthSession, error) {
	key := authKey(typ, code)
	data, err := r.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return AuthSession{}, ErrNotFound
	}
	if err != nil {
		return AuthSession{}, err
	}
	var s AuthSession
	if err := json.Unmarshal(data, &s); err != nil {
		return AuthSession{}, err
	}
	if s.Expired(time.Now()) {
		return AuthSession{}, ErrExpired
	}
	return s, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, typ Type, code string) error {
	return r.client.Del(ctx, authKey(typ, code)).Err()
}

// Count implements Store by scanning the "auth:*" keyspace; entries that
// fail to decode as an AuthSession of the requested shape are skipped
// rather than surfaced as an error (spec §4.C).
func (r *RedisStore) Count(ctx context.Context, typ Type) (int, error) {
	return r.scanCount(ctx, "", typ)
}

// CountForTenant implements Store.
func (r *RedisStore) CountForTenant(ctx context.Context, tenantName string, typ Type) (int, error) {
	return r.scanCount(ctx, tenantName, typ)
}

func (r *RedisStore) scanCount(ctx context.Context, tenantFilter string, typ Type) (int, error) {
	pattern := "auth:*"
	if typ != "" {
		pattern = fmt.Sprintf("auth:%s:*", typ)
	}

	count := 0
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return 0, err
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				logger.Warnw("session count: failed to read key", "key", key, "error", err)
				continue
			}
			var s AuthSession
			if err := json.Unmarshal(data, &s); err != nil {
				// Not an AuthSession (e.g. a LoginSession strayed into the
				// scan) — skipped, never surfaced as an error.
				continue
			}
			if tenantFilter != "" && s.TenantName != tenantFilter {
				continue
			}
			count++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

// Wipe implements Store by scanning "auth:*" and deleting matches.
func (r *RedisStore) Wipe(ctx context.Context, tenantName, subject string) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, "auth:*", 100).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				continue
			}
			var s AuthSession
			if err := json.Unmarshal(data, &s); err != nil {
				continue
			}
			if s.TenantName == tenantName && s.Subject == subject {
				if err := r.client.Del(ctx, key).Err(); err != nil {
					return err
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// PutLoginID implements Store.
func (r *RedisStore) PutLoginID(ctx context.Context, s LoginSession) error {
	return r.client.Set(ctx, loginKey(s.LoginID), "1", s.TTL).Err()
}

// ConsumeLoginID implements Store.
func (r *RedisStore) ConsumeLoginID(ctx context.Context, id string) (bool, error) {
	n, err := r.client.GetDel(ctx, loginKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(n) != "", nil
}

var _ Store = (*RedisStore)(nil)
