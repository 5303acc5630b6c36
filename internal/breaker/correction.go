// Package breaker implements two bounds: a per-execution USD budget
// ceiling and a correction-loop sliding-window circuit breaker. The
// window bookkeeping is persisted in kvstore (zadd/zcard/
// zremrangebyscore) rather than held in process memory, since every
// invocation is a cold start; the trip/reset state machine is the usual
// closed/open/half-open shape, reimplemented here against durable
// storage instead of an in-process ring of buckets.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/swarmguard/sagaengine/internal/errs"
	"github.com/swarmguard/sagaengine/internal/kvstore"
)

const (
	windowKeyPrefix  = "llm:window:"
	circuitKeyPrefix = "llm:circuit:"
)

type circuitState string

const (
	stateClosed   circuitState = "closed"
	stateOpen     circuitState = "open"
	stateHalfOpen circuitState = "half_open"
)

type circuitRecord struct {
	State    circuitState `json:"state"`
	OpenedAt time.Time    `json:"opened_at"`
	Probed   bool         `json:"probed"`
}

// CorrectionBreaker enforces a sliding-window attempt limit for a given
// (execution_id, step_id) pair.
type CorrectionBreaker struct {
	kv          kvstore.Store
	maxAttempts int
	window      time.Duration
	openFor     time.Duration
}

func NewCorrectionBreaker(kv kvstore.Store, maxAttempts int, window, openFor time.Duration) *CorrectionBreaker {
	return &CorrectionBreaker{kv: kv, maxAttempts: maxAttempts, window: window, openFor: openFor}
}

func windowKey(executionID, stepID string) string {
	return windowKeyPrefix + executionID + ":" + stepID
}

func circuitKey(executionID, stepID string) string {
	return circuitKeyPrefix + executionID + ":" + stepID
}

// Allow reports whether an LLM-based correction attempt may proceed. A
// tripped breaker returns false unless open_ms has elapsed, in which case
// a single half-open trial is permitted (and recorded so a concurrent
// caller in the same process does not also get a half-open slot).
func (b *CorrectionBreaker) Allow(ctx context.Context, executionID, stepID string) (bool, error) {
	rec, err := b.loadCircuit(ctx, executionID, stepID)
	if err != nil {
		return false, err
	}
	now := time.Now()
	switch rec.State {
	case stateOpen:
		if now.Sub(rec.OpenedAt) < b.openFor {
			return false, nil
		}
		rec.State = stateHalfOpen
		rec.Probed = true
		if err := b.saveCircuit(ctx, executionID, stepID, rec); err != nil {
			return false, err
		}
		return true, nil
	case stateHalfOpen:
		if rec.Probed {
			return false, nil
		}
		rec.Probed = true
		return true, b.saveCircuit(ctx, executionID, stepID, rec)
	default:
		return true, nil
	}
}

// RecordAttempt records a correction attempt timestamp and trips the
// breaker if more than maxAttempts occurred within window.
func (b *CorrectionBreaker) RecordAttempt(ctx context.Context, executionID, stepID string) error {
	key := windowKey(executionID, stepID)
	now := time.Now()
	if err := b.kv.ZAdd(ctx, key, float64(now.UnixNano()), fmt.Sprintf("%d", now.UnixNano())); err != nil {
		return err
	}
	cutoff := float64(now.Add(-b.window).UnixNano())
	if err := b.kv.ZRemRangeByScore(ctx, key, 0, cutoff); err != nil {
		return err
	}
	count, err := b.kv.ZCard(ctx, key)
	if err != nil {
		return err
	}
	if count > int64(b.maxAttempts) {
		rec := circuitRecord{State: stateOpen, OpenedAt: now}
		return b.saveCircuit(ctx, executionID, stepID, rec)
	}
	return nil
}

// RecordResult resets the breaker to closed on a successful retry
// following failover.
func (b *CorrectionBreaker) RecordResult(ctx context.Context, executionID, stepID string, success bool) error {
	if !success {
		return nil
	}
	return b.saveCircuit(ctx, executionID, stepID, circuitRecord{State: stateClosed})
}

func (b *CorrectionBreaker) loadCircuit(ctx context.Context, executionID, stepID string) (circuitRecord, error) {
	raw, err := b.kv.Get(ctx, circuitKey(executionID, stepID))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return circuitRecord{State: stateClosed}, nil
		}
		return circuitRecord{}, err
	}
	var rec circuitRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return circuitRecord{}, err
	}
	return rec, nil
}

func (b *CorrectionBreaker) saveCircuit(ctx context.Context, executionID, stepID string, rec circuitRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.kv.Set(ctx, circuitKey(executionID, stepID), buf, b.openFor+b.window)
}

// BudgetCheck asserts current+estimated <= ceiling, the per-execution
// USD ceiling.
func BudgetCheck(currentCostUSD, estimatedUSD, ceilingUSD float64) error {
	if currentCostUSD+estimatedUSD > ceilingUSD {
		return fmt.Errorf("current=%.4f estimated=%.4f ceiling=%.4f: %w", currentCostUSD, estimatedUSD, ceilingUSD, errs.ErrBudgetExceeded)
	}
	return nil
}
