// Package engine implements the workflow engine core: it drives the
// plan, owns yield/resume and saga compensation, and enforces budget and
// confirmation gating. Segment execution uses a worker-pool over a
// Kahn's-algorithm batch order; unlike a long-lived in-process DAG
// runner, this engine must re-derive progress from the persisted
// Execution record on every cold-start invocation, since the process
// running a given segment is not guaranteed to be the one that runs the
// next.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/sagaengine/internal/breaker"
	"github.com/swarmguard/sagaengine/internal/compensation"
	"github.com/swarmguard/sagaengine/internal/confirmation"
	"github.com/swarmguard/sagaengine/internal/errs"
	"github.com/swarmguard/sagaengine/internal/failover"
	"github.com/swarmguard/sagaengine/internal/idempotency"
	"github.com/swarmguard/sagaengine/internal/locking"
	"github.com/swarmguard/sagaengine/internal/queue"
	"github.com/swarmguard/sagaengine/internal/resolver"
	"github.com/swarmguard/sagaengine/internal/snapshot"
	"github.com/swarmguard/sagaengine/internal/state"
	"github.com/swarmguard/sagaengine/internal/telemetry"
	"github.com/swarmguard/sagaengine/internal/tool"
	"github.com/swarmguard/sagaengine/internal/verifier"
)

// Config bundles the segment/timeout parameters as tunable defaults.
type Config struct {
	MaxBatch             int
	MinYieldCheck        time.Duration
	CheckpointThreshold  time.Duration
	YieldBuffer          time.Duration
	StepDeadline         time.Duration
	CompensationDeadline time.Duration
	ResumeDelay          time.Duration
	LockTTL              time.Duration

	RiskCriticalUSD    float64
	RiskHighUSD        float64
	RiskHighPartySize  int

	// ToolCircuitMaxFailures/ToolCircuitOpenFor size the per-tool circuit
	// guarding each invoker call: consecutive failures at or above the
	// threshold open the circuit for the given duration.
	ToolCircuitMaxFailures uint32
	ToolCircuitOpenFor     time.Duration

	// ToolVersions is the live tool-version registry snapshotted at yield
	// time and compared again on resume to detect schema drift.
	ToolVersions map[string]state.ToolVersion
}

// Engine composes the narrow capability sets the workflow needs: tool
// invocation, compensation lookup, and event publication, supplied at
// construction rather than resolved from globals.
type Engine struct {
	cfg Config

	locks        *locking.Service
	idempotency  *idempotency.Service
	store        *state.Store
	breaker      *breaker.CorrectionBreaker
	compensations *compensation.Registry
	confirmations *confirmation.Manager
	invoker      tool.Invoker
	publisher    *queue.Publisher
	instruments  telemetry.Instruments

	verifierConfig verifier.Config
	onActive       func(ctx context.Context, executionID string) error // DLQ tracking hook
	onTerminal     func(ctx context.Context, executionID string) error
	snapshots      *snapshot.Store

	toolCircuits sync.Map // tool name -> *breaker.ToolCircuit
}

// WithSnapshots enables segment-boundary snapshot capture. Optional: a
// nil snapshots store (the default) simply skips capture.
func (e *Engine) WithSnapshots(snapshots *snapshot.Store) *Engine {
	e.snapshots = snapshots
	return e
}

func New(
	cfg Config,
	locks *locking.Service,
	idem *idempotency.Service,
	store *state.Store,
	br *breaker.CorrectionBreaker,
	compensations *compensation.Registry,
	confirmations *confirmation.Manager,
	invoker tool.Invoker,
	publisher *queue.Publisher,
	instruments telemetry.Instruments,
	verifierConfig verifier.Config,
) *Engine {
	return &Engine{
		cfg: cfg, locks: locks, idempotency: idem, store: store, breaker: br,
		compensations: compensations, confirmations: confirmations, invoker: invoker,
		publisher: publisher, instruments: instruments, verifierConfig: verifierConfig,
	}
}

// toolCircuit returns the per-tool circuit breaker for name, creating one
// lazily on first use so every tool gets its own consecutive-failure count.
func (e *Engine) toolCircuit(name string) *breaker.ToolCircuit {
	if v, ok := e.toolCircuits.Load(name); ok {
		return v.(*breaker.ToolCircuit)
	}
	tc := breaker.NewToolCircuit(name, e.cfg.ToolCircuitMaxFailures, e.cfg.ToolCircuitOpenFor)
	actual, _ := e.toolCircuits.LoadOrStore(name, tc)
	return actual.(*breaker.ToolCircuit)
}

// OnActiveTerminal lets a caller (the DLQ reconciler) track/untrack
// executions as they enter/leave EXECUTING, without the engine importing
// the dlq package directly.
func (e *Engine) OnActiveTerminal(onActive, onTerminal func(ctx context.Context, executionID string) error) {
	e.onActive = onActive
	e.onTerminal = onTerminal
}

// SegmentResult is returned to the queue webhook handler after one segment.
type SegmentResult struct {
	ExecutionID string
	Status      state.Status
	Yielded     bool
	Reason      string
}

// RunSegment acquires the workflow lock re-entrantly, verifies the plan if
// needed, budget-checks, and runs the segment loop.
func (e *Engine) RunSegment(ctx context.Context, executionID, reentrancyToken string) (SegmentResult, error) {
	segStart := time.Now()
	ctx, endSpan := telemetry.WithSpan(ctx, "engine", "run_segment")
	defer endSpan()

	handle, err := e.locks.Acquire(ctx, "workflow:"+executionID, e.cfg.LockTTL, "run_segment", traceIDOf(ctx), executionID, reentrancyToken)
	if err != nil {
		slog.Info("segment lock contended, returning without work", "execution_id", executionID, "error", err)
		return SegmentResult{ExecutionID: executionID}, nil
	}
	defer func() {
		if releaseErr := handle.Release(ctx); releaseErr != nil {
			slog.Warn("lock release failed", "execution_id", executionID, "error", releaseErr)
		}
	}()

	exec, err := e.store.Get(ctx, executionID)
	if err != nil {
		return SegmentResult{}, fmt.Errorf("load execution %s: %w", executionID, err)
	}

	// A tool-version snapshot only exists once a prior segment has yielded,
	// so this only fires on an actual resume, never on the first segment.
	if len(exec.ToolVersions) > 0 && len(e.cfg.ToolVersions) > 0 {
		drifted, err := e.CheckToolVersionDrift(ctx, executionID, e.cfg.ToolVersions)
		if err != nil {
			return SegmentResult{}, err
		}
		if drifted {
			return SegmentResult{ExecutionID: executionID, Status: state.StatusFailed, Reason: "SCHEMA_DRIFT"}, nil
		}
	}

	if exec.Status == state.StatusPlanned {
		if err := e.verifyPlan(exec); err != nil {
			if _, updErr := e.store.Update(ctx, executionID, exec.Version, func(pre state.Execution) (state.Execution, error) {
				pre.Status = state.StatusFailed
				if pre.Context == nil {
					pre.Context = map[string]any{}
				}
				pre.Context["verification_error"] = err.Error()
				return pre, nil
			}); updErr != nil {
				slog.Error("failed to persist verification failure", "execution_id", executionID, "error", updErr)
			}
			return SegmentResult{ExecutionID: executionID, Status: state.StatusFailed, Reason: "PLAN_VALIDATION_FAILED"}, nil
		}
		exec, err = e.store.Update(ctx, executionID, exec.Version, func(pre state.Execution) (state.Execution, error) {
			pre.Status = state.StatusExecuting
			return pre, nil
		})
		if err != nil {
			return SegmentResult{}, err
		}
		if e.onActive != nil {
			_ = e.onActive(ctx, executionID)
		}
	}

	if err := breaker.BudgetCheck(exec.Budget.CurrentCostUSD, conservativeOverheadUSD, exec.Budget.CostLimitUSD); err != nil {
		exec, updErr := e.store.Update(ctx, executionID, exec.Version, func(pre state.Execution) (state.Execution, error) {
			pre.Status = state.StatusFailed
			if pre.Context == nil {
				pre.Context = map[string]any{}
			}
			pre.Context["budget_error"] = err.Error()
			return pre, nil
		})
		if updErr != nil {
			slog.Error("failed to persist budget failure", "execution_id", executionID, "error", updErr)
		}
		if e.onTerminal != nil {
			_ = e.onTerminal(ctx, executionID)
		}
		return SegmentResult{ExecutionID: executionID, Status: exec.Status, Reason: "BUDGET_EXCEEDED"}, nil
	}

	return e.segmentLoop(ctx, executionID, segStart)
}

// conservativeOverheadUSD is a fixed pessimistic cost estimate checked
// before entering the segment loop, refined per-step by failover-computed
// estimates inside the loop itself.
const conservativeOverheadUSD = 0.01

func (e *Engine) verifyPlan(exec state.Execution) error {
	steps := make([]verifier.Step, len(exec.Plan))
	for i, p := range exec.Plan {
		steps[i] = verifier.Step{ID: p.StepID, Tool: p.Tool, Params: p.Params, DependsOn: p.DependsOn}
	}
	return verifier.Verify(steps, e.verifierConfig)
}

func (e *Engine) segmentLoop(ctx context.Context, executionID string, segStart time.Time) (SegmentResult, error) {
	for {
		exec, err := e.store.Get(ctx, executionID)
		if err != nil {
			return SegmentResult{}, err
		}
		if exec.Status != state.StatusExecuting {
			return SegmentResult{ExecutionID: executionID, Status: exec.Status}, nil
		}

		elapsed := time.Since(segStart)
		if e.shouldYield(elapsed) {
			if err := e.yield(ctx, executionID, exec, "TIMEOUT_APPROACHING"); err != nil {
				return SegmentResult{}, err
			}
			e.instruments.SegmentDuration.Record(ctx, elapsed.Seconds())
			return SegmentResult{ExecutionID: executionID, Status: state.StatusExecuting, Yielded: true, Reason: "TIMEOUT_APPROACHING"}, nil
		}

		if allTerminal(exec) {
			return e.finish(ctx, executionID, exec)
		}

		batchIDs, err := nextBatch(exec, e.cfg.MaxBatch)
		if err != nil {
			return SegmentResult{}, err
		}
		if len(batchIDs) == 0 {
			return SegmentResult{}, fmt.Errorf("no ready steps but plan incomplete: %w", errs.ErrPlanCircularDep)
		}

		var batch []state.StepState
		for _, id := range batchIDs {
			if s := exec.StepByID(id); s != nil {
				batch = append(batch, *s)
			}
		}

		outcomes := e.executeBatch(ctx, executionID, exec, batch)

		anyCompensatable := false
		for _, o := range outcomes {
			if o.failed && o.compensatable {
				anyCompensatable = true
			}
		}

		exec, err = e.applyOutcomes(ctx, executionID, exec.Version, outcomes)
		if err != nil {
			return SegmentResult{}, err
		}

		if anyCompensatable {
			e.instruments.SegmentDuration.Record(ctx, time.Since(segStart).Seconds())
			return e.runCompensation(ctx, executionID, exec)
		}
	}
}

func (e *Engine) shouldYield(elapsed time.Duration) bool {
	return elapsed >= e.cfg.MinYieldCheck &&
		elapsed+e.cfg.StepDeadline >= e.cfg.CheckpointThreshold+e.cfg.YieldBuffer
}

// nextBatch asks the resolver for the next batch among steps still
// pending, with dependencies already satisfied by completed/skipped
// steps dropped so the resolver only sees the remaining sub-DAG.
func nextBatch(exec state.Execution, maxBatch int) ([]string, error) {
	satisfied := map[string]bool{}
	for _, s := range exec.StepStates {
		if s.Status == state.StepCompleted || s.Status == state.StepSkipped {
			satisfied[s.StepID] = true
		}
	}

	var pending []resolver.Step
	for i, s := range exec.StepStates {
		if s.Status != state.StepPending {
			continue
		}
		var deps []string
		for _, dep := range s.DependsOn {
			if !satisfied[dep] {
				deps = append(deps, dep)
			}
		}
		pending = append(pending, resolver.Step{ID: s.StepID, DependsOn: deps, WritesKeys: s.WritesKeys, PlanOrder: i})
	}
	if len(pending) == 0 {
		return nil, nil
	}

	batches, _, err := resolver.Resolve(pending, 0)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, nil
	}
	ids := batches[0].StepIDs
	if len(ids) > maxBatch {
		ids = ids[:maxBatch]
	}
	return ids, nil
}

func allTerminal(exec state.Execution) bool {
	for _, s := range exec.StepStates {
		switch s.Status {
		case state.StepCompleted, state.StepFailed, state.StepCompensated, state.StepSkipped:
			continue
		default:
			return false
		}
	}
	return true
}

func (e *Engine) finish(ctx context.Context, executionID string, exec state.Execution) (SegmentResult, error) {
	finalStatus := state.StatusCompleted
	for _, s := range exec.StepStates {
		if s.Status == state.StepFailed {
			finalStatus = state.StatusFailed
			break
		}
	}
	updated, err := e.store.Update(ctx, executionID, exec.Version, func(pre state.Execution) (state.Execution, error) {
		pre.Status = finalStatus
		return pre, nil
	})
	if err != nil {
		return SegmentResult{}, err
	}
	if e.onTerminal != nil {
		_ = e.onTerminal(ctx, executionID)
	}
	return SegmentResult{ExecutionID: executionID, Status: updated.Status}, nil
}

func traceIDOf(ctx context.Context) string {
	return fmt.Sprintf("%v", ctx.Value(traceIDKey{}))
}

type traceIDKey struct{}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// forEngineFailover is a thin seam so step.go can call failover.Evaluate
// without the engine package importing failover twice for clarity.
var forEngineFailover = failover.Evaluate
