// Package kvstore provides a typed wrapper over the external key-value
// store the engine depends on: get/set(+ttl,+set-if-absent)/del/exists/
// expire/ttl, incr/zadd/zcard/zremrangebyscore for the correction-window
// breaker, sadd/srem/smembers for the active-lock registry, and a
// server-side compare-and-set script primitive.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when key does not exist.
var ErrNotFound = errors.New("kvstore: not found")

// Store is the full operation surface the engine relies on. Both the
// Redis-backed implementation and the in-memory test fake satisfy it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Incr(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// CompareAndSet runs a server-side version-checked merge: load the
	// value at key, fail with a *Conflict carrying the observed version if
	// decoded.version != expectedVersion, else apply delta (a pure function
	// of the pre-image) and persist version+1.
	CompareAndSet(ctx context.Context, key string, expectedVersion int64, delta func(pre []byte) ([]byte, error), ttl time.Duration) (newVersion int64, newValue []byte, err error)
}
