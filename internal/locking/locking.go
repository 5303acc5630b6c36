// Package locking provides scoped, re-entrant distributed locks with
// guaranteed release on all exit paths and stale-owner recovery. The
// active-lock registry (an O(1) set, not a keyspace scan) is persisted
// via kvstore's sadd/srem/smembers so it survives across cold starts.
package locking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/sagaengine/internal/errs"
	"github.com/swarmguard/sagaengine/internal/kvstore"
)

const (
	registryKey = "locks:active_registry"
	lockPrefix  = "lock:"
)

type Info struct {
	OwnerID         string    `json:"owner_id"`
	ReentrancyToken string    `json:"reentrancy_token"`
	Depth           int       `json:"depth"`
	AcquiredAt      time.Time `json:"acquired_at"`
	TTL             time.Duration `json:"ttl"`
	TraceID         string    `json:"trace_id"`
	ExecutionID     string    `json:"execution_id"`
	Operation       string    `json:"operation"`
}

func (i Info) stale(epsilon time.Time) bool {
	return epsilon.After(i.AcquiredAt.Add(i.TTL))
}

// Service manages acquisition/release against a kvstore.Store.
type Service struct {
	store       kvstore.Store
	staleEpsilon time.Duration
}

func New(store kvstore.Store, staleEpsilon time.Duration) *Service {
	if staleEpsilon <= 0 {
		staleEpsilon = 10 * time.Second
	}
	return &Service{store: store, staleEpsilon: staleEpsilon}
}

// Handle represents a held lock; the caller must call Release on every
// exit path (typically via defer).
type Handle struct {
	svc             *Service
	key             string
	ownerID         string
	reentrancyToken string
}

func lockKey(key string) string     { return lockPrefix + key }
func lockMetaKey(key string) string { return lockPrefix + key + ":meta" }

// Acquire attempts mutual-exclusion acquisition of key. If reentrancyToken
// matches the stored holder's token, the call succeeds and the depth
// counter increments instead of failing on contention.
func (s *Service) Acquire(ctx context.Context, key string, ttl time.Duration, operation, traceID, executionID, reentrancyToken string) (*Handle, error) {
	if reentrancyToken == "" {
		reentrancyToken = uuid.NewString()
	}
	ownerID := uuid.NewString()
	metaKey := lockMetaKey(key)

	raw, err := s.store.Get(ctx, metaKey)
	if err != nil && err != kvstore.ErrNotFound {
		return nil, err
	}

	if err == nil {
		var info Info
		if jsonErr := json.Unmarshal(raw, &info); jsonErr == nil {
			if info.ReentrancyToken == reentrancyToken {
				info.Depth++
				return s.persistAndRegister(ctx, key, metaKey, info, ttl)
			}
			if info.stale(time.Now().Add(-s.staleEpsilon)) {
				if _, recErr := s.recover(ctx, key, metaKey); recErr != nil {
					return nil, recErr
				}
			} else {
				return nil, fmt.Errorf("lock %s held by another owner: %w", key, errs.ErrOwnerMismatch)
			}
		}
	}

	ok, err := s.store.SetIfAbsent(ctx, lockKey(key), []byte(ownerID), ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lock %s contended: %w", key, errs.ErrOwnerMismatch)
	}

	info := Info{
		OwnerID: ownerID, ReentrancyToken: reentrancyToken, Depth: 1,
		AcquiredAt: time.Now(), TTL: ttl, TraceID: traceID, ExecutionID: executionID, Operation: operation,
	}
	return s.persistAndRegister(ctx, key, metaKey, info, ttl)
}

func (s *Service) persistAndRegister(ctx context.Context, key, metaKey string, info Info, ttl time.Duration) (*Handle, error) {
	buf, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, metaKey, buf, ttl); err != nil {
		return nil, err
	}
	if err := s.store.SAdd(ctx, registryKey, key); err != nil {
		return nil, err
	}
	return &Handle{svc: s, key: key, ownerID: info.OwnerID, reentrancyToken: info.ReentrancyToken}, nil
}

// recover forcibly deletes a stale holder's lock so a fresh acquisition
// can proceed.
func (s *Service) recover(ctx context.Context, key, metaKey string) (bool, error) {
	if err := s.store.Del(ctx, lockKey(key)); err != nil {
		return false, err
	}
	if err := s.store.Del(ctx, metaKey); err != nil {
		return false, err
	}
	return true, nil
}

// DetectStale scans the active-lock registry (not the full keyspace) for
// locks whose recorded acquired_at+ttl+epsilon has passed.
func (s *Service) DetectStale(ctx context.Context) ([]string, error) {
	keys, err := s.store.SMembers(ctx, registryKey)
	if err != nil {
		return nil, err
	}
	var stale []string
	now := time.Now()
	for _, key := range keys {
		raw, err := s.store.Get(ctx, lockMetaKey(key))
		if err != nil {
			if err == kvstore.ErrNotFound {
				stale = append(stale, key)
			}
			continue
		}
		var info Info
		if json.Unmarshal(raw, &info) == nil && info.stale(now.Add(-s.staleEpsilon)) {
			stale = append(stale, key)
		}
	}
	return stale, nil
}

// RecoverStale forcibly releases every currently-stale lock.
func (s *Service) RecoverStale(ctx context.Context) (int, error) {
	keys, err := s.DetectStale(ctx)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if _, err := s.recover(ctx, key, lockMetaKey(key)); err != nil {
			return 0, err
		}
		if err := s.store.SRem(ctx, registryKey, key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func (s *Service) GetInfo(ctx context.Context, key string) (*Info, error) {
	raw, err := s.store.Get(ctx, lockMetaKey(key))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Extend renews ttl for the holding handle, failing with ErrOwnerMismatch
// if h is no longer the recorded owner.
func (h *Handle) Extend(ctx context.Context, ttl time.Duration) error {
	info, err := h.svc.GetInfo(ctx, h.key)
	if err != nil {
		return err
	}
	if info.ReentrancyToken != h.reentrancyToken {
		return errs.ErrOwnerMismatch
	}
	info.TTL = ttl
	info.AcquiredAt = time.Now()
	buf, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := h.svc.store.Set(ctx, lockMetaKey(h.key), buf, ttl); err != nil {
		return err
	}
	return h.svc.store.Expire(ctx, lockKey(h.key), ttl)
}

// IsStillOwner reports whether h's reentrancy token still matches storage.
func (h *Handle) IsStillOwner(ctx context.Context) (bool, error) {
	info, err := h.svc.GetInfo(ctx, h.key)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return info.ReentrancyToken == h.reentrancyToken, nil
}

// Release decrements the depth counter, deleting the lock only at depth 0.
// Only the recorded owner may release; mismatches return ErrOwnerMismatch
// without mutating state.
func (h *Handle) Release(ctx context.Context) error {
	info, err := h.svc.GetInfo(ctx, h.key)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil
		}
		return err
	}
	if info.ReentrancyToken != h.reentrancyToken {
		return errs.ErrOwnerMismatch
	}
	info.Depth--
	if info.Depth > 0 {
		buf, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return h.svc.store.Set(ctx, lockMetaKey(h.key), buf, info.TTL)
	}
	if err := h.svc.store.Del(ctx, lockKey(h.key)); err != nil {
		return err
	}
	if err := h.svc.store.Del(ctx, lockMetaKey(h.key)); err != nil {
		return err
	}
	return h.svc.store.SRem(ctx, registryKey, h.key)
}
