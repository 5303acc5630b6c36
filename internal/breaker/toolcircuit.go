package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// ToolCircuit wraps github.com/sony/gobreaker/v2 to give each tool an
// in-process circuit over the lifetime of one invocation: repeated
// failures against the same external tool within a segment stop fast
// instead of burning the segment's wall-clock budget on doomed retries.
// It is a thin adapter delegating to a battle-tested OSS breaker rather
// than a hand-rolled one; the correction-loop breaker above still owns
// the durable, cross-invocation trip state gobreaker cannot provide on
// its own since it holds no state across cold starts.
type ToolCircuit struct {
	cb *gobreaker.CircuitBreaker[any]
}

var ErrToolCircuitOpen = errors.New("tool circuit open")

func NewToolCircuit(name string, maxFailures uint32, openTimeout time.Duration) *ToolCircuit {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	return &ToolCircuit{cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// Execute runs fn through the breaker, translating gobreaker's sentinel
// errors to this package's own so callers never import gobreaker directly.
func (t *ToolCircuit) Execute(fn func() (any, error)) (any, error) {
	out, err := t.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrToolCircuitOpen
	}
	return out, err
}

// RetryConfig bundles the exponential-backoff parameters for Retry.
type RetryConfig struct {
	MaxAttempts  uint64
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2}
}

// Retry runs fn with exponential backoff via cenkalti/backoff/v4.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = cfg.Multiplier
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, cfg.MaxAttempts), ctx)

	var result T
	op := func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		result = v
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return zero, err
	}
	return result, nil
}
