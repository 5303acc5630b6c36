// Package config collects environment-driven settings into a single
// typed struct using small generic env-parsing helpers.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/swarmguard/sagaengine/internal/state"
)

// GetEnv returns the value of key or def if unset or empty.
func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetEnvBool parses key as a bool, falling back to def on absence or parse error.
func GetEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetEnvInt parses key as an int, falling back to def on absence or parse error.
func GetEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetEnvFloat parses key as a float64, falling back to def on absence or parse error.
func GetEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// GetEnvDuration parses key via time.ParseDuration, falling back to def.
func GetEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// SplitAndTrimCSV splits a comma-separated env value and trims whitespace
// from each element, dropping empties.
func SplitAndTrimCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseToolVersions parses a CSV env value of tool=version:fingerprint
// entries (fingerprint optional) into the per-tool snapshot the engine
// compares against on resume to detect schema drift.
func ParseToolVersions(v string) map[string]state.ToolVersion {
	out := map[string]state.ToolVersion{}
	for _, entry := range SplitAndTrimCSV(v) {
		name, rest, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		version, fingerprint, _ := strings.Cut(rest, ":")
		out[name] = state.ToolVersion{Tool: name, Version: version, SchemaFingerprint: fingerprint}
	}
	return out
}

// RiskThresholds are the dollar/party-size cutoffs the confirmation
// workflow uses to classify a step's risk. Configurable since downstream
// product rules may dictate different values per deployment.
type RiskThresholds struct {
	CriticalPaymentUSD float64
	HighPaymentUSD     float64
	HighPartySize       int
}

func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{
		CriticalPaymentUSD: 500,
		HighPaymentUSD:     100,
		HighPartySize:      8,
	}
}

// Config is the engine's full runtime configuration, assembled once at
// startup from the environment.
type Config struct {
	ServiceName string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NATSURL          string
	QueueSigningKey   string
	ResumeDelay       time.Duration

	SnapshotDBPath string

	MaxBatch             int
	MinYieldCheck        time.Duration
	CheckpointThreshold  time.Duration
	YieldBuffer          time.Duration
	SegmentTimeout       time.Duration
	CompensationDeadline time.Duration

	OCCMaxRetries int
	OCCBaseDelay  time.Duration

	IdempotencyTTL time.Duration
	LockTTL        time.Duration
	LockStaleEps   time.Duration

	BreakerMaxAttempts int
	BreakerWindow      time.Duration
	BreakerOpenFor     time.Duration

	ToolCircuitMaxFailures int
	ToolCircuitOpenFor     time.Duration
	ToolVersions           map[string]state.ToolVersion

	DLQScanCron      string
	DLQZombieAfter   time.Duration
	DLQMaxRequeues   int

	SnapshotTTL      time.Duration
	SnapshotMaxPerID int

	ConfirmationTTL time.Duration

	Risk RiskThresholds
}

// FromEnv builds a Config from the process environment, defaulting every
// value to a sensible production figure.
func FromEnv() Config {
	return Config{
		ServiceName: GetEnv("SAGA_SERVICE_NAME", "sagaengine"),

		RedisAddr:     GetEnv("SAGA_REDIS_ADDR", "localhost:6379"),
		RedisPassword: GetEnv("SAGA_REDIS_PASSWORD", ""),
		RedisDB:       GetEnvInt("SAGA_REDIS_DB", 0),

		NATSURL:         GetEnv("SAGA_NATS_URL", "nats://localhost:4222"),
		QueueSigningKey: GetEnv("SAGA_QUEUE_SIGNING_KEY", ""),
		ResumeDelay:     GetEnvDuration("SAGA_RESUME_DELAY", 2*time.Second),

		SnapshotDBPath: GetEnv("SAGA_SNAPSHOT_DB_PATH", "./data"),

		MaxBatch:             GetEnvInt("SAGA_MAX_BATCH", 3),
		MinYieldCheck:        GetEnvDuration("SAGA_MIN_YIELD_CHECK", 4000*time.Millisecond),
		CheckpointThreshold:  GetEnvDuration("SAGA_CHECKPOINT_THRESHOLD", 6000*time.Millisecond),
		YieldBuffer:          GetEnvDuration("SAGA_YIELD_BUFFER", 1500*time.Millisecond),
		SegmentTimeout:       GetEnvDuration("SAGA_STEP_DEADLINE", 8500*time.Millisecond),
		CompensationDeadline: GetEnvDuration("SAGA_COMPENSATION_DEADLINE", 30*time.Second),

		OCCMaxRetries: GetEnvInt("SAGA_OCC_MAX_RETRIES", 3),
		OCCBaseDelay:  GetEnvDuration("SAGA_OCC_BASE_DELAY", 100*time.Millisecond),

		IdempotencyTTL: GetEnvDuration("SAGA_IDEMPOTENCY_TTL", 24*time.Hour),
		LockTTL:        GetEnvDuration("SAGA_LOCK_TTL", 15*time.Second),
		LockStaleEps:   GetEnvDuration("SAGA_LOCK_STALE_EPSILON", 10*time.Second),

		BreakerMaxAttempts: GetEnvInt("SAGA_BREAKER_MAX_ATTEMPTS", 3),
		BreakerWindow:      GetEnvDuration("SAGA_BREAKER_WINDOW", 60*time.Second),
		BreakerOpenFor:     GetEnvDuration("SAGA_BREAKER_OPEN_FOR", 300*time.Second),

		ToolCircuitMaxFailures: GetEnvInt("SAGA_TOOL_CIRCUIT_MAX_FAILURES", 5),
		ToolCircuitOpenFor:     GetEnvDuration("SAGA_TOOL_CIRCUIT_OPEN_FOR", 30*time.Second),
		ToolVersions:           ParseToolVersions(GetEnv("SAGA_TOOL_VERSIONS", "")),

		DLQScanCron:    GetEnv("SAGA_DLQ_SCAN_CRON", "@every 1m"),
		DLQZombieAfter: GetEnvDuration("SAGA_DLQ_ZOMBIE_AFTER", 5*time.Minute),
		DLQMaxRequeues: GetEnvInt("SAGA_DLQ_MAX_REQUEUES", 3),

		SnapshotTTL:      GetEnvDuration("SAGA_SNAPSHOT_TTL", 24*time.Hour),
		SnapshotMaxPerID: GetEnvInt("SAGA_SNAPSHOT_MAX_PER_ID", 50),

		ConfirmationTTL: GetEnvDuration("SAGA_CONFIRMATION_TTL", 15*time.Minute),

		Risk: RiskThresholds{
			CriticalPaymentUSD: GetEnvFloat("SAGA_RISK_CRITICAL_USD", DefaultRiskThresholds().CriticalPaymentUSD),
			HighPaymentUSD:     GetEnvFloat("SAGA_RISK_HIGH_USD", DefaultRiskThresholds().HighPaymentUSD),
			HighPartySize:      GetEnvInt("SAGA_RISK_HIGH_PARTY_SIZE", DefaultRiskThresholds().HighPartySize),
		},
	}
}
