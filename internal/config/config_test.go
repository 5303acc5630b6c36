package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvFallsBackOnUnset(t *testing.T) {
	t.Setenv("SAGA_TEST_UNSET_KEY", "")
	assert.Equal(t, "default", GetEnv("SAGA_TEST_UNSET_KEY", "default"))
}

func TestGetEnvUsesSetValue(t *testing.T) {
	t.Setenv("SAGA_TEST_KEY", "custom")
	assert.Equal(t, "custom", GetEnv("SAGA_TEST_KEY", "default"))
}

func TestGetEnvIntParsesOrFallsBack(t *testing.T) {
	t.Setenv("SAGA_TEST_INT", "42")
	assert.Equal(t, 42, GetEnvInt("SAGA_TEST_INT", 1))

	t.Setenv("SAGA_TEST_INT_BAD", "not-a-number")
	assert.Equal(t, 1, GetEnvInt("SAGA_TEST_INT_BAD", 1))
}

func TestGetEnvBoolParsesOrFallsBack(t *testing.T) {
	t.Setenv("SAGA_TEST_BOOL", "true")
	assert.True(t, GetEnvBool("SAGA_TEST_BOOL", false))

	t.Setenv("SAGA_TEST_BOOL_BAD", "nope")
	assert.False(t, GetEnvBool("SAGA_TEST_BOOL_BAD", false))
}

func TestGetEnvFloatParsesOrFallsBack(t *testing.T) {
	t.Setenv("SAGA_TEST_FLOAT", "3.14")
	assert.InDelta(t, 3.14, GetEnvFloat("SAGA_TEST_FLOAT", 0), 0.0001)
}

func TestGetEnvDurationParsesOrFallsBack(t *testing.T) {
	t.Setenv("SAGA_TEST_DURATION", "250ms")
	assert.Equal(t, 250*time.Millisecond, GetEnvDuration("SAGA_TEST_DURATION", time.Second))

	t.Setenv("SAGA_TEST_DURATION_BAD", "not-a-duration")
	assert.Equal(t, time.Second, GetEnvDuration("SAGA_TEST_DURATION_BAD", time.Second))
}

func TestSplitAndTrimCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitAndTrimCSV(" a, b ,c"))
	assert.Nil(t, SplitAndTrimCSV(""))
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	assert.Equal(t, "sagaengine", cfg.ServiceName)
	assert.Equal(t, 3, cfg.MaxBatch)
	assert.Equal(t, DefaultRiskThresholds(), cfg.Risk)
}
