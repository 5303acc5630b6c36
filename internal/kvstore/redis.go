package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmguard/sagaengine/internal/errs"
)

// casScript atomically checks the stored document's "version" field against
// ARGV[1] and, only on a match, overwrites the key with ARGV[2] (optionally
// expiring it after ARGV[3] milliseconds). Returns {observed_version, applied}.
const casScript = `
local raw = redis.call('GET', KEYS[1])
local current_version = 0
if raw then
  local ok, decoded = pcall(cjson.decode, raw)
  if ok and decoded and decoded.version then
    current_version = decoded.version
  end
end
if current_version ~= tonumber(ARGV[1]) then
  return {current_version, 0}
end
redis.call('SET', KEYS[1], ARGV[2])
local ttlMs = tonumber(ARGV[3])
if ttlMs and ttlMs > 0 then
  redis.call('PEXPIRE', KEYS[1], ttlMs)
end
return {current_version, 1}
`

// RedisStore is the Store backed by github.com/redis/go-redis/v9.
type RedisStore struct {
	client *redis.Client
	cas    *redis.Script
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: client, cas: redis.NewScript(casScript)}
}

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisStore) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.TTL(ctx, key).Result()
}

func (r *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

func (r *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, key).Result()
}

func (r *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return r.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err()
}

func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SAdd(ctx, key, args...).Err()
}

func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SRem(ctx, key, args...).Err()
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *RedisStore) CompareAndSet(ctx context.Context, key string, expectedVersion int64, delta func(pre []byte) ([]byte, error), ttl time.Duration) (int64, []byte, error) {
	pre, err := r.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, nil, err
	}
	merged, err := delta(pre)
	if err != nil {
		return 0, nil, err
	}

	doc := map[string]any{}
	if len(merged) > 0 {
		if err := json.Unmarshal(merged, &doc); err != nil {
			return 0, nil, err
		}
	}
	newVersion := expectedVersion + 1
	doc["version"] = newVersion
	newRaw, err := json.Marshal(doc)
	if err != nil {
		return 0, nil, err
	}

	res, err := r.cas.Run(ctx, r.client, []string{key}, expectedVersion, string(newRaw), ttl.Milliseconds()).Result()
	if err != nil {
		return 0, nil, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return 0, nil, errors.New("kvstore: unexpected cas script result shape")
	}
	observed := toInt64(arr[0])
	applied := toInt64(arr[1])
	if applied == 0 {
		return 0, nil, &errs.Conflict{Observed: observed}
	}
	return newVersion, newRaw, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
