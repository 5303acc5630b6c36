package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/sagaengine/internal/breaker"
	"github.com/swarmguard/sagaengine/internal/compensation"
	"github.com/swarmguard/sagaengine/internal/confirmation"
	"github.com/swarmguard/sagaengine/internal/idempotency"
	"github.com/swarmguard/sagaengine/internal/kvstore"
	"github.com/swarmguard/sagaengine/internal/locking"
	"github.com/swarmguard/sagaengine/internal/queue"
	"github.com/swarmguard/sagaengine/internal/state"
	"github.com/swarmguard/sagaengine/internal/telemetry"
	"github.com/swarmguard/sagaengine/internal/tool"
	"github.com/swarmguard/sagaengine/internal/verifier"
)

// stubInvoker is a deterministic tool.Invoker backed by a per-call handler,
// used in place of a real HTTP-backed tool for every engine test.
type stubInvoker struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(toolName string, params map[string]any, call int) (tool.Result, error)
}

func newStubInvoker(fn func(toolName string, params map[string]any, call int) (tool.Result, error)) *stubInvoker {
	return &stubInvoker{calls: map[string]int{}, fn: fn}
}

func (s *stubInvoker) Execute(_ context.Context, toolName string, params map[string]any, _ time.Duration) (tool.Result, error) {
	s.mu.Lock()
	s.calls[toolName]++
	n := s.calls[toolName]
	s.mu.Unlock()
	return s.fn(toolName, params, n)
}

func (s *stubInvoker) callCount(toolName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[toolName]
}

func alwaysSucceeds(_ string, _ map[string]any, _ int) (tool.Result, error) {
	return tool.Result{Success: true, Output: map[string]any{}}, nil
}

// testEngine bundles an Engine plus the durable collaborators a test needs
// to assert against directly.
type testEngine struct {
	engine *Engine
	store  *state.Store
	kv     kvstore.Store
}

func testInstruments() telemetry.Instruments {
	meter := otel.Meter("sagaengine-test")
	segDur, _ := meter.Float64Histogram("test_segment_duration")
	stepDur, _ := meter.Float64Histogram("test_step_duration")
	stepRetries, _ := meter.Int64Counter("test_step_retries")
	stepFailures, _ := meter.Int64Counter("test_step_failures")
	compRuns, _ := meter.Int64Counter("test_compensation_runs")
	compFails, _ := meter.Int64Counter("test_compensation_fails")
	breakerTrips, _ := meter.Int64Counter("test_breaker_trips")
	breakerResets, _ := meter.Int64Counter("test_breaker_resets")
	activeLocks, _ := meter.Int64UpDownCounter("test_active_locks")
	dlqZombies, _ := meter.Int64Counter("test_dlq_zombies")
	occConflicts, _ := meter.Int64Counter("test_occ_conflicts")
	occExhausted, _ := meter.Int64Counter("test_occ_rebase_exhausted")
	return telemetry.Instruments{
		SegmentDuration: segDur, StepDuration: stepDur, StepRetries: stepRetries, StepFailures: stepFailures,
		CompensationRuns: compRuns, CompensationFails: compFails, BreakerTrips: breakerTrips, BreakerResets: breakerResets,
		ActiveLocks: activeLocks, DLQZombiesFound: dlqZombies, OCCConflicts: occConflicts, OCCRebaseExhausted: occExhausted,
	}
}

// newTestEngine wires every collaborator against a single shared in-memory
// store, with yield effectively disabled (MinYieldCheck far beyond any
// test's wall-clock duration) so tests never touch the nil-conn publisher.
func newTestEngine(invoker tool.Invoker, compensations *compensation.Registry, verifierConfig verifier.Config) testEngine {
	kv := kvstore.NewMemoryStore()
	store := state.NewStore(kv, 3, time.Millisecond)
	locks := locking.New(kv, 10*time.Second)
	idem := idempotency.New(kv, time.Hour)
	br := breaker.NewCorrectionBreaker(kv, 3, time.Minute, 30*time.Second)
	confirmations := confirmation.NewManager(kv, time.Hour)
	publisher := queue.NewPublisher(nil, "test-signing-key")

	cfg := Config{
		MaxBatch:               10,
		MinYieldCheck:          time.Hour,
		CheckpointThreshold:    time.Hour,
		YieldBuffer:            time.Hour,
		StepDeadline:           2 * time.Second,
		CompensationDeadline:   2 * time.Second,
		ResumeDelay:            time.Second,
		LockTTL:                5 * time.Second,
		RiskCriticalUSD:        100000,
		RiskHighUSD:            50000,
		RiskHighPartySize:      1000,
		ToolCircuitMaxFailures: 10,
		ToolCircuitOpenFor:     time.Minute,
	}

	e := New(cfg, locks, idem, store, br, compensations, confirmations, invoker, publisher, testInstruments(), verifierConfig)
	return testEngine{engine: e, store: store, kv: kv}
}

func mustCreate(te testEngine, exec state.Execution) state.Execution {
	created, err := te.store.Create(context.Background(), exec)
	if err != nil {
		panic(err)
	}
	return created
}
