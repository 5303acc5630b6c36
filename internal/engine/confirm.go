// Confirmation resume: a human response consumes the minted token, marks
// the step confirmed, and re-enters the segment loop from
// AWAITING_CONFIRMATION. The single-use token consumption mirrors a
// cancellation manager's resolve path, adapted from cancel-only to
// accept/reject.
package engine

import (
	"context"
	"fmt"

	"github.com/swarmguard/sagaengine/internal/state"
)

const reasonConfirmationRejected = "CONFIRMATION_REJECTED"

// ResolveConfirmation consumes a minted token and, if approved, flips the
// matching step back to pending and the execution back to EXECUTING so the
// next segment resumes it. A reject fails the step and runs compensation
// when the execution has registered compensations, otherwise it re-enters
// the segment loop. A token that cannot be consumed (expired, unknown or
// wrong identity) returns an error and leaves the execution untouched.
func (e *Engine) ResolveConfirmation(ctx context.Context, tokenID, identity string, approved bool) (SegmentResult, error) {
	tok, err := e.confirmations.Consume(ctx, tokenID, identity)
	if err != nil {
		return SegmentResult{}, fmt.Errorf("consume confirmation token: %w", err)
	}

	exec, err := e.store.Get(ctx, tok.ExecutionID)
	if err != nil {
		return SegmentResult{}, err
	}

	if !approved {
		exec, err = e.store.Update(ctx, tok.ExecutionID, exec.Version, func(pre state.Execution) (state.Execution, error) {
			if s := pre.StepByID(tok.StepID); s != nil {
				s.Status = state.StepFailed
				s.Error = reasonConfirmationRejected
			}
			pre.Status = state.StatusExecuting
			return pre, nil
		})
		if err != nil {
			return SegmentResult{}, err
		}
		if len(exec.RegisteredCompensations) > 0 {
			return e.runCompensation(ctx, tok.ExecutionID, exec)
		}
		return e.RunSegment(ctx, tok.ExecutionID, "")
	}

	_, err = e.store.Update(ctx, tok.ExecutionID, exec.Version, func(pre state.Execution) (state.Execution, error) {
		if s := pre.StepByID(tok.StepID); s != nil {
			s.Confirmed = true
			s.Status = state.StepPending
		}
		pre.Status = state.StatusExecuting
		return pre, nil
	})
	if err != nil {
		return SegmentResult{}, err
	}

	return e.RunSegment(ctx, tok.ExecutionID, "")
}
