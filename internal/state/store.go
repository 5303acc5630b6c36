package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/swarmguard/sagaengine/internal/errs"
	"github.com/swarmguard/sagaengine/internal/kvstore"
)

const (
	execKeyPrefix = "execution_state:"
	recordTTL     = 24 * time.Hour // every write re-arms this TTL, whatever the record's status
)

func execKey(id string) string { return execKeyPrefix + id }

// Store persists Execution records with OCC-guarded writes.
type Store struct {
	kv          kvstore.Store
	maxRetries  int
	baseDelay   time.Duration
}

func NewStore(kv kvstore.Store, maxRetries int, baseDelay time.Duration) *Store {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	return &Store{kv: kv, maxRetries: maxRetries, baseDelay: baseDelay}
}

// Get returns the current record and its version.
func (s *Store) Get(ctx context.Context, id string) (Execution, error) {
	raw, err := s.kv.Get(ctx, execKey(id))
	if err != nil {
		return Execution{}, err
	}
	var exec Execution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return Execution{}, fmt.Errorf("decode execution %s: %w", id, err)
	}
	return exec, nil
}

// Create persists a brand-new record at version 0 -> 1 (CREATED status).
func (s *Store) Create(ctx context.Context, exec Execution) (Execution, error) {
	exec.Status = StatusCreated
	exec.CreatedAt = time.Now()
	exec.UpdatedAt = exec.CreatedAt
	_, raw, err := s.kv.CompareAndSet(ctx, execKey(exec.ExecutionID), 0, func(pre []byte) ([]byte, error) {
		return json.Marshal(exec)
	}, recordTTL)
	if err != nil {
		return Execution{}, err
	}
	var stored Execution
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Execution{}, err
	}
	return stored, nil
}

// Delta mutates a pre-image in place, returning the new desired status.
// Deltas MUST be functions of the supplied pre-image, never absolute new
// values.
type Delta func(pre Execution) (Execution, error)

// Update applies delta via the compare-and-set primitive, rebasing on
// CONFLICT: reload, re-derive the delta against the fresh base, retry up
// to maxRetries with exponential backoff (100/200/400ms defaults) and
// ±30% jitter. After exhaustion the write fails with
// CONCURRENT_MODIFICATION.
func (s *Store) Update(ctx context.Context, id string, expectedVersion int64, delta Delta) (Execution, error) {
	delay := s.baseDelay
	var lastErr error

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		var applied Execution
		var transitionErr error

		_, raw, err := s.kv.CompareAndSet(ctx, execKey(id), expectedVersion, func(pre []byte) ([]byte, error) {
			var base Execution
			if len(pre) > 0 {
				if err := json.Unmarshal(pre, &base); err != nil {
					return nil, err
				}
			} else {
				base.ExecutionID = id
			}
			next, err := delta(base)
			if err != nil {
				return nil, err
			}
			if !CanTransition(base.Status, next.Status) {
				transitionErr = fmt.Errorf("illegal transition %s -> %s: %w", base.Status, next.Status, errs.ErrValidationFailed)
				return nil, transitionErr
			}
			next.UpdatedAt = time.Now()
			applied = next
			return json.Marshal(next)
		}, recordTTL)

		if transitionErr != nil {
			return Execution{}, transitionErr
		}
		if err == nil {
			var stored Execution
			if jsonErr := json.Unmarshal(raw, &stored); jsonErr != nil {
				return Execution{}, jsonErr
			}
			return stored, nil
		}

		conflict, ok := err.(*errs.Conflict)
		if !ok {
			return Execution{}, err
		}
		lastErr = err
		if attempt == s.maxRetries {
			break
		}

		expectedVersion = conflict.Observed
		jitter := 1 + (rand.Float64()*0.6 - 0.3) // ±30%
		sleep := time.Duration(float64(delay) * jitter)
		slog.Debug("occ conflict, rebasing", "execution_id", id, "observed_version", conflict.Observed, "attempt", attempt+1, "sleep", sleep)
		select {
		case <-ctx.Done():
			return Execution{}, ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
		_ = applied
	}

	return Execution{}, fmt.Errorf("update %s after %d retries: %w: %v", id, s.maxRetries, errs.ErrConcurrentModification, lastErr)
}
