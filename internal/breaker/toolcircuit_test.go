package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCircuitTripsAfterConsecutiveFailures(t *testing.T) {
	tc := NewToolCircuit("test-tool", 2, time.Minute)

	failing := func() (any, error) { return nil, errors.New("boom") }

	_, err := tc.Execute(failing)
	assert.Error(t, err)
	_, err = tc.Execute(failing)
	assert.Error(t, err)

	_, err = tc.Execute(func() (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrToolCircuitOpen)
}

func TestToolCircuitAllowsSuccessThroughClosedState(t *testing.T) {
	tc := NewToolCircuit("test-tool-2", 3, time.Minute)

	out, err := tc.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	result, err := Retry(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("transient")
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, 2, attempts)
}

func TestRetryExhaustsAttemptsAndReturnsError(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

	_, err := Retry(context.Background(), cfg, func() (string, error) {
		attempts++
		return "", errors.New("permanent")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts) // initial attempt + MaxAttempts retries
}
