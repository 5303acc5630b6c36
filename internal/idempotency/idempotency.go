// Package idempotency deduplicates tool calls by (userId, toolName,
// canonicalParams). Markers are short-lived TTL entries backed by the
// shared kvstore.Store rather than an in-process map, since markers must
// survive across cold-start invocations.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/swarmguard/sagaengine/internal/canon"
	"github.com/swarmguard/sagaengine/internal/kvstore"
)

const keyPrefix = "idempotency:"

// Service gates tool invocation on prior execution, per user+tool+params.
type Service struct {
	store kvstore.Store
	ttl   time.Duration
}

func New(store kvstore.Store, ttl time.Duration) *Service {
	return &Service{store: store, ttl: ttl}
}

type marker struct {
	CanonVersion string    `json:"canon_version"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Key computes H(userId || toolName || canonical(parameters)), the
// content hash used to detect duplicate calls.
func Key(userID, toolName string, params map[string]any) (string, error) {
	canonical, err := canon.Canonicalize(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func storageKey(userID, key string) string {
	return keyPrefix + userID + ":" + key
}

// IsDuplicate reports whether (userId, key) has already recorded a
// successful first execution. toolName/parameters are accepted for
// call-site symmetry even though the hash already binds them.
func (s *Service) IsDuplicate(ctx context.Context, userID, key, toolName string, params map[string]any) (bool, error) {
	ok, err := s.store.Exists(ctx, storageKey(userID, key))
	if err != nil {
		return false, err
	}
	return ok, nil
}

// RecordSuccess marks key as executed, with the configured TTL (default 24h).
func (s *Service) RecordSuccess(ctx context.Context, userID, key string) error {
	m := marker{CanonVersion: canon.Version, RecordedAt: time.Now()}
	buf, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, storageKey(userID, key), buf, s.ttl)
}
