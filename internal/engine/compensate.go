// Saga compensation: walk registered compensations in reverse completion
// order, invoking each compensating tool under its own copy of the
// configured compensation deadline (30s by default) with exponential
// backoff retries capped at 5s, recording compensated/failed
// per step and rolling up PARTIALLY_COMPENSATED when not every
// compensation lands.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmguard/sagaengine/internal/breaker"
	"github.com/swarmguard/sagaengine/internal/state"
	"github.com/swarmguard/sagaengine/internal/telemetry"
)

const compensationMaxBackoff = 5 * time.Second

// runCompensation transitions the execution to COMPENSATING and walks its
// registered compensations in reverse order, giving each compensating call
// (retries included) its own compensation deadline.
func (e *Engine) runCompensation(ctx context.Context, executionID string, exec state.Execution) (SegmentResult, error) {
	ctx, endSpan := telemetry.WithSpan(ctx, "engine", "run_compensation")
	defer endSpan()

	exec, err := e.store.Update(ctx, executionID, exec.Version, func(pre state.Execution) (state.Execution, error) {
		pre.Status = state.StatusCompensating
		pre.CompensationStatus = state.CompensationCompensating
		return pre, nil
	})
	if err != nil {
		return SegmentResult{}, err
	}

	compensations := append([]state.RegisteredCompensation(nil), exec.RegisteredCompensations...)
	anyFailed := false
	results := make(map[string]error, len(compensations))

	for i := len(compensations) - 1; i >= 0; i-- {
		reg := compensations[i]
		entry, err := e.compensations.GetCompensation(reg.Tool)
		if err != nil {
			slog.Warn("no compensation registered, skipping", "execution_id", executionID, "tool", reg.Tool)
			continue
		}
		forwardStep := exec.StepByID(reg.StepID)
		var output map[string]any
		if forwardStep != nil {
			output = forwardStep.Output
		}
		params, err := e.compensations.MapParameters(reg.Tool, reg.Parameters, output)
		if err != nil {
			anyFailed = true
			results[reg.StepID] = err
			continue
		}

		compTool := entry.Tool
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CompensationDeadline)
		_, err = breaker.Retry(callCtx, boundedRetryConfig(), func() (any, error) {
			result, invokeErr := e.invoker.Execute(callCtx, compTool, params, e.cfg.CompensationDeadline)
			if invokeErr != nil {
				return nil, invokeErr
			}
			if !result.Success {
				return nil, errCompensationStepFailed(result.Error)
			}
			return result, nil
		})
		cancel()

		results[reg.StepID] = err
		if err != nil {
			anyFailed = true
			slog.Error("compensation step failed", "execution_id", executionID, "step_id", reg.StepID, "tool", compTool, "error", err)
		}
	}

	finalStatus := state.StatusCompensated
	compStatus := state.CompensationCompensated
	if anyFailed {
		finalStatus = state.StatusFailed
		compStatus = state.CompensationPartiallyDone
	}

	exec, err = e.store.Update(ctx, executionID, exec.Version, func(pre state.Execution) (state.Execution, error) {
		for stepID, stepErr := range results {
			markCompensationStepResult(pre.StepByID(stepID), stepErr)
		}
		pre.Status = finalStatus
		pre.CompensationStatus = compStatus
		return pre, nil
	})
	if err != nil {
		return SegmentResult{}, err
	}
	if e.onTerminal != nil {
		_ = e.onTerminal(ctx, executionID)
	}

	return SegmentResult{ExecutionID: executionID, Status: exec.Status, Reason: string(compStatus)}, nil
}

func boundedRetryConfig() breaker.RetryConfig {
	cfg := breaker.DefaultRetryConfig()
	cfg.InitialDelay = 1 * time.Second
	cfg.MaxDelay = compensationMaxBackoff
	return cfg
}

func markCompensationStepResult(step *state.StepState, err error) {
	if step == nil {
		return
	}
	if err == nil {
		step.Status = state.StepCompensated
	} else {
		step.Error = err.Error()
	}
}

type compensationStepError string

func (e compensationStepError) Error() string { return string(e) }

func errCompensationStepFailed(msg string) error {
	if msg == "" {
		msg = "compensation step reported failure"
	}
	return compensationStepError(msg)
}
