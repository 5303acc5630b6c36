// Single-step execution: parameter reference resolution, idempotency
// consult, confirmation gating, an in_progress checkpoint, tool invocation
// behind a per-tool circuit with a deadline, and failure classification ->
// failover -> retry-or-fail. Parameter references use structured
// $stepId.field lookups rather than string templating, since parameters
// here are typed maps, not a single string body.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/swarmguard/sagaengine/internal/breaker"
	"github.com/swarmguard/sagaengine/internal/compensation"
	"github.com/swarmguard/sagaengine/internal/confirmation"
	"github.com/swarmguard/sagaengine/internal/errs"
	"github.com/swarmguard/sagaengine/internal/failover"
	"github.com/swarmguard/sagaengine/internal/idempotency"
	"github.com/swarmguard/sagaengine/internal/state"
	"github.com/swarmguard/sagaengine/internal/telemetry"
	"github.com/swarmguard/sagaengine/internal/tool"
)

// stepOutcome is the result of attempting one step, folded back into the
// execution record by applyOutcomes.
type stepOutcome struct {
	stepID            string
	status            state.StepStatus
	output            map[string]any
	errMessage        string
	latencyMs         int64
	failed            bool
	compensatable     bool
	needsConfirmation bool
	confirmToken      string
	mutatedParams     map[string]any
}

// executeBatch runs every step in batch concurrently (batches are already
// conflict-partitioned by the resolver, so concurrent writes never race).
func (e *Engine) executeBatch(ctx context.Context, executionID string, exec state.Execution, batch []state.StepState) []stepOutcome {
	outcomes := make([]stepOutcome, len(batch))
	var wg sync.WaitGroup
	for i, step := range batch {
		wg.Add(1)
		go func(i int, step state.StepState) {
			defer wg.Done()
			outcomes[i] = e.executeStep(ctx, executionID, exec, step)
		}(i, step)
	}
	wg.Wait()
	return outcomes
}

func (e *Engine) executeStep(ctx context.Context, executionID string, exec state.Execution, step state.StepState) stepOutcome {
	ctx, endSpan := telemetry.WithSpan(ctx, "engine", "step:"+step.StepID)
	defer endSpan()

	params := resolveReferences(step.Params, exec)

	paymentUSD, _ := toFloat(params["payment_amount_usd"])
	partySize, _ := toIntParam(params["party_size"])
	risk := confirmation.ClassifyRisk(step.Tool, paymentUSD, partySize, false, e.cfg.RiskCriticalUSD, e.cfg.RiskHighUSD, e.cfg.RiskHighPartySize)

	if !step.Confirmed && (risk == confirmation.RiskHigh || risk == confirmation.RiskCritical) {
		identityHint, _ := exec.Context["identity_hint"].(string)
		tok, err := e.confirmations.Mint(ctx, executionID, step.StepID, step.Tool, params, risk, identityHint)
		if err != nil {
			return stepOutcome{stepID: step.StepID, failed: true, errMessage: fmt.Sprintf("mint confirmation token: %v", err)}
		}
		return stepOutcome{stepID: step.StepID, status: state.StepPending, needsConfirmation: true, confirmToken: tok.TokenID}
	}

	userID, _ := exec.Context["user_id"].(string)
	idemKey, err := idempotency.Key(userID, step.Tool, params)
	if err != nil {
		return stepOutcome{stepID: step.StepID, failed: true, errMessage: fmt.Sprintf("compute idempotency key: %v", err)}
	}
	if dup, err := e.idempotency.IsDuplicate(ctx, userID, idemKey, step.Tool, params); err == nil && dup {
		slog.Info("skipping duplicate step invocation", "execution_id", executionID, "step_id", step.StepID)
		return stepOutcome{stepID: step.StepID, status: state.StepCompleted, output: step.Output}
	}

	allowed, err := e.breaker.Allow(ctx, executionID, step.StepID)
	if err != nil {
		return stepOutcome{stepID: step.StepID, failed: true, errMessage: fmt.Sprintf("breaker check: %v", err)}
	}
	if !allowed {
		return stepOutcome{stepID: step.StepID, failed: true, compensatable: e.compensations.NeedsCompensation(step.Tool),
			errMessage: errs.ErrLLMCircuitBroken.Error()}
	}

	if _, err := e.store.Update(ctx, executionID, exec.Version, func(pre state.Execution) (state.Execution, error) {
		if s := pre.StepByID(step.StepID); s != nil {
			now := time.Now()
			s.Status = state.StepInProgress
			s.Input = params
			s.StartedAt = &now
		}
		return pre, nil
	}); err != nil {
		slog.Warn("in_progress checkpoint failed, proceeding without it", "execution_id", executionID, "step_id", step.StepID, "error", err)
	}

	start := time.Now()
	circuit := e.toolCircuit(step.Tool)
	out, cbErr := circuit.Execute(func() (any, error) {
		res, invokeErr := e.invoker.Execute(ctx, step.Tool, params, e.cfg.StepDeadline)
		if invokeErr != nil {
			return res, invokeErr
		}
		if !res.Success {
			return res, errToolResultFailed(res.Error)
		}
		return res, nil
	})
	latency := time.Since(start).Milliseconds()
	_ = e.breaker.RecordAttempt(ctx, executionID, step.StepID)

	if errors.Is(cbErr, breaker.ErrToolCircuitOpen) {
		_ = e.breaker.RecordResult(ctx, executionID, step.StepID, false)
		return e.handleFailure(step, breaker.ErrToolCircuitOpen.Error(), latency, exec.Context)
	}

	result, _ := out.(tool.Result)
	if cbErr != nil {
		msg := result.Error
		if msg == "" {
			msg = cbErr.Error()
		}
		_ = e.breaker.RecordResult(ctx, executionID, step.StepID, false)
		return e.handleFailure(step, msg, latency, exec.Context)
	}

	_ = e.breaker.RecordResult(ctx, executionID, step.StepID, true)
	if err := e.idempotency.RecordSuccess(ctx, userID, idemKey); err != nil {
		slog.Warn("idempotency marker write failed", "execution_id", executionID, "step_id", step.StepID, "error", err)
	}

	if result.Compensation != nil {
		e.compensations.Register(step.Tool, compensationEntryFromHint(*result.Compensation))
	}

	return stepOutcome{
		stepID: step.StepID, status: state.StepCompleted, output: result.Output, latencyMs: latency,
		compensatable: e.compensations.NeedsCompensation(step.Tool),
	}
}

func (e *Engine) handleFailure(step state.StepState, errMessage string, latencyMs int64, execCtx map[string]any) stepOutcome {
	reason := errs.ClassifyFailure(errMessage, 0)
	intentType, _ := execCtx["intent_type"].(string)
	rec := forEngineFailover(failover.Input{IntentType: intentType, FailureReason: reason, ContextualParams: step.Params})

	switch rec.Action {
	case failover.ActionRetryWithBackoff:
		if step.Attempts < maxInlineRetries {
			return stepOutcome{stepID: step.StepID, status: state.StepPending, errMessage: errMessage, latencyMs: latencyMs}
		}
	case failover.ActionSuggestAlternativeTime, failover.ActionTriggerWaitlist,
		failover.ActionTriggerDelivery, failover.ActionDowngradePartySize:
		if step.Attempts < maxInlineRetries {
			return stepOutcome{stepID: step.StepID, status: state.StepPending, errMessage: errMessage,
				latencyMs: latencyMs, mutatedParams: rec.MutatedParams}
		}
	}

	return stepOutcome{
		stepID: step.StepID, status: state.StepFailed, failed: true, errMessage: errMessage, latencyMs: latencyMs,
		compensatable: e.compensations.NeedsCompensation(step.Tool),
	}
}

const maxInlineRetries = 2

// errToolResultFailed turns a tool's reported failure into an error so the
// per-tool circuit counts it toward ReadyToTrip the same as a transport error.
type errToolResultFailed string

func (e errToolResultFailed) Error() string { return string(e) }

// applyOutcomes folds a batch's outcomes into the execution record with a
// single OCC-guarded write, registering compensations for newly-completed
// steps.
func (e *Engine) applyOutcomes(ctx context.Context, executionID string, expectedVersion int64, outcomes []stepOutcome) (state.Execution, error) {
	return e.store.Update(ctx, executionID, expectedVersion, func(pre state.Execution) (state.Execution, error) {
		anyAwaiting := false
		for _, o := range outcomes {
			s := pre.StepByID(o.stepID)
			if s == nil {
				continue
			}
			if o.needsConfirmation {
				anyAwaiting = true
				continue
			}
			s.Status = o.status
			s.Error = o.errMessage
			s.LatencyMs = o.latencyMs
			s.Attempts++
			if o.mutatedParams != nil {
				s.Params = o.mutatedParams
			}
			if o.status == state.StepCompleted {
				s.Output = o.output
				now := time.Now()
				s.CompletedAt = &now
				if o.compensatable {
					pre.RegisteredCompensations = append(pre.RegisteredCompensations, state.RegisteredCompensation{
						StepID: s.StepID, Tool: s.Tool, Parameters: s.Params, RegisteredAt: now,
					})
				}
			}
		}
		if anyAwaiting {
			pre.Status = state.StatusAwaitingConfirmation
		}
		return pre, nil
	})
}

// compensationEntryFromHint converts a tool-declared compensation hint
// into the registry's Entry shape (the caller registers it), with a mapper that applies the hint's
// static parameters regardless of the forward step's own params/output.
func compensationEntryFromHint(hint tool.CompensationHint) compensation.Entry {
	return compensation.Entry{
		Tool: hint.Tool,
		Mapper: func(_ map[string]any, _ map[string]any) map[string]any {
			return hint.Parameters
		},
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toIntParam(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// resolveReferences substitutes $stepId.field.subfield-style references in
// params with the referenced step's output.
func resolveReferences(params map[string]any, exec state.Execution) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, exec)
	}
	return out
}

func resolveValue(v any, exec state.Execution) any {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "$") {
			if resolved, ok := lookupReference(t[1:], exec); ok {
				return resolved
			}
		}
		return t
	case map[string]any:
		return resolveReferences(t, exec)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = resolveValue(elem, exec)
		}
		return out
	default:
		return v
	}
}

func lookupReference(ref string, exec state.Execution) (any, bool) {
	parts := strings.Split(ref, ".")
	if len(parts) < 2 {
		return nil, false
	}
	step := exec.StepByID(parts[0])
	if step == nil || step.Output == nil {
		return nil, false
	}
	var cur any = step.Output
	for _, field := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[field]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
