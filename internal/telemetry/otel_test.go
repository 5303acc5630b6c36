package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetenvFallsBackOnUnset(t *testing.T) {
	t.Setenv("SAGA_TELEMETRY_TEST_KEY", "")
	assert.Equal(t, "fallback", getenv("SAGA_TELEMETRY_TEST_KEY", "fallback"))
}

func TestGetenvUsesSetValue(t *testing.T) {
	t.Setenv("SAGA_TELEMETRY_TEST_KEY", "custom")
	assert.Equal(t, "custom", getenv("SAGA_TELEMETRY_TEST_KEY", "fallback"))
}

func TestWithSpanReturnsUsableContextAndEndFunc(t *testing.T) {
	ctx, end := WithSpan(context.Background(), "test-component", "test-span")
	require.NotNil(t, ctx)
	require.NotNil(t, end)
	end()
}

func TestFlushToleratesNilShutdown(t *testing.T) {
	Flush(context.Background(), nil)
}

func TestFlushInvokesShutdownWithBoundedDeadline(t *testing.T) {
	called := false
	Flush(context.Background(), func(ctx context.Context) error {
		called = true
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})
	assert.True(t, called)
}

func TestInitTracerReturnsUsableShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	shutdown := InitTracer(ctx, "sagaengine-test")
	require.NotNil(t, shutdown)

	sctx, scancel := context.WithTimeout(context.Background(), time.Second)
	defer scancel()
	_ = shutdown(sctx)
}
