// Yield/resume: atomically checkpoint the execution record with an OCC
// write, enqueue a resume message, and stamp a tool-version snapshot so the
// resumed segment can detect drift. A failed enqueue is logged and no
// second publish path is tried; the execution stays EXECUTING until the
// DLQ reconciler's scan finds it stale and re-enqueues it.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmguard/sagaengine/internal/queue"
	"github.com/swarmguard/sagaengine/internal/snapshot"
	"github.com/swarmguard/sagaengine/internal/state"
)

// yield persists the current execution state (still EXECUTING — a
// checkpoint, not a status change) and enqueues a resume message carrying
// the next segment number.
func (e *Engine) yield(ctx context.Context, executionID string, exec state.Execution, reason string) error {
	updated, err := e.store.Update(ctx, executionID, exec.Version, func(pre state.Execution) (state.Execution, error) {
		pre.SegmentNumber++
		pre.NextStepIndex = nextStepIndexOf(pre)
		if live := e.toolVersionsFor(toolNamesOf(pre)); live != nil {
			pre.ToolVersions = live
		}
		if pre.Context == nil {
			pre.Context = map[string]any{}
		}
		pre.Context["last_yield_reason"] = reason
		return pre, nil
	})
	if err != nil {
		return err
	}

	if e.snapshots != nil {
		stepOutputs := map[string]any{}
		for _, s := range updated.StepStates {
			if s.Output != nil {
				stepOutputs[s.StepID] = s.Output
			}
		}
		if captureErr := e.snapshots.Capture(snapshot.Snapshot{
			ExecutionID: executionID,
			StepIndex:   updated.NextStepIndex,
			CapturedAt:  time.Now(),
			State:       map[string]any{"status": string(updated.Status), "context": updated.Context},
			StepOutputs: stepOutputs,
		}); captureErr != nil {
			slog.Warn("snapshot capture failed", "execution_id", executionID, "error", captureErr)
		}
	}

	msg := queue.ResumeMessage{
		ExecutionID:   executionID,
		SegmentNumber: updated.SegmentNumber,
		TraceID:       traceIDOf(ctx),
	}
	if err := e.publisher.PublishResume(ctx, msg); err != nil {
		slog.Error("resume enqueue failed, execution will rely on dlq reconciliation", "execution_id", executionID, "error", err)
	}
	return nil
}

// CheckToolVersionDrift compares the tool-version snapshot captured at
// yield time against the live registry; a mismatch sends the execution to
// FAILED with a SCHEMA_DRIFT marker rather than silently resuming against
// tools whose contract may have shifted underneath it.
func (e *Engine) CheckToolVersionDrift(ctx context.Context, executionID string, live map[string]state.ToolVersion) (bool, error) {
	exec, err := e.store.Get(ctx, executionID)
	if err != nil {
		return false, err
	}

	drifted := false
	for _, snapshot := range exec.ToolVersions {
		current, ok := live[snapshot.Tool]
		if !ok {
			continue
		}
		if current.Version != snapshot.Version || current.SchemaFingerprint != snapshot.SchemaFingerprint {
			drifted = true
			break
		}
	}
	if !drifted {
		return false, nil
	}

	_, err = e.store.Update(ctx, executionID, exec.Version, func(pre state.Execution) (state.Execution, error) {
		pre.Status = state.StatusFailed
		if pre.Context == nil {
			pre.Context = map[string]any{}
		}
		pre.Context["schema_drift"] = true
		return pre, nil
	})
	if err != nil {
		return true, err
	}
	if e.onTerminal != nil {
		_ = e.onTerminal(ctx, executionID)
	}
	return true, nil
}

// SnapshotToolVersions stamps the live tool-version set onto the
// execution, so a later resume can call CheckToolVersionDrift.
func (e *Engine) SnapshotToolVersions(ctx context.Context, executionID string, live []state.ToolVersion) error {
	exec, err := e.store.Get(ctx, executionID)
	if err != nil {
		return err
	}
	_, err = e.store.Update(ctx, executionID, exec.Version, func(pre state.Execution) (state.Execution, error) {
		pre.ToolVersions = live
		return pre, nil
	})
	return err
}

// nextStepIndexOf is the index of the first step not yet terminal, i.e.
// where a resumed segment should pick up; len(StepStates) once every step
// has reached a terminal status.
func nextStepIndexOf(exec state.Execution) int {
	for i, s := range exec.StepStates {
		if s.Status == state.StepPending || s.Status == state.StepInProgress {
			return i
		}
	}
	return len(exec.StepStates)
}

// toolNamesOf lists the distinct tool names referenced by an execution's
// steps, in first-seen order.
func toolNamesOf(exec state.Execution) []string {
	seen := make(map[string]bool, len(exec.StepStates))
	names := make([]string, 0, len(exec.StepStates))
	for _, s := range exec.StepStates {
		if s.Tool == "" || seen[s.Tool] {
			continue
		}
		seen[s.Tool] = true
		names = append(names, s.Tool)
	}
	return names
}

// toolVersionsFor looks up the configured live version for each name,
// skipping tools the deployment hasn't registered a version for. Returns
// nil when no tool versions are configured at all, so yield leaves
// ToolVersions untouched on a deployment that never set any.
func (e *Engine) toolVersionsFor(toolNames []string) []state.ToolVersion {
	if len(e.cfg.ToolVersions) == 0 {
		return nil
	}
	out := make([]state.ToolVersion, 0, len(toolNames))
	for _, name := range toolNames {
		if v, ok := e.cfg.ToolVersions[name]; ok {
			out = append(out, v)
		}
	}
	return out
}
