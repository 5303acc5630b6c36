// Package dlq implements a zombie-workflow reconciliation scan run on a
// cron cadence via robfig/cron/v3 rather than a bare ticker; the
// cleanup-loop shape is scan, act, sleep.
package dlq

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/sagaengine/internal/kvstore"
	"github.com/swarmguard/sagaengine/internal/queue"
	"github.com/swarmguard/sagaengine/internal/state"
)

// activeSetKey is the registry the scan iterates, mirroring the O(1)
// active-lock registry pattern (locking package) rather than a keyspace
// scan: every execution entering EXECUTING is added here and removed on
// terminal transition.
const activeSetKey = "dlq:active_executions"

type Reconciler struct {
	store        *state.Store
	kv           kvstore.Store
	publisher    *queue.Publisher
	zombieAfter  time.Duration
	maxRequeues  int
	cron         *cron.Cron
}

func NewReconciler(store *state.Store, kv kvstore.Store, publisher *queue.Publisher, zombieAfter time.Duration, maxRequeues int) *Reconciler {
	return &Reconciler{
		store:       store,
		kv:          kv,
		publisher:   publisher,
		zombieAfter: zombieAfter,
		maxRequeues: maxRequeues,
		cron:        cron.New(),
	}
}

// TrackActive registers executionID in the active-executions set when it
// enters EXECUTING.
func (r *Reconciler) TrackActive(ctx context.Context, executionID string) error {
	return r.kv.SAdd(ctx, activeSetKey, executionID)
}

// Untrack removes executionID once it reaches a terminal status.
func (r *Reconciler) Untrack(ctx context.Context, executionID string) error {
	return r.kv.SRem(ctx, activeSetKey, executionID)
}

func requeueCountKey(executionID string) string { return "dlq:requeues:" + executionID }

// Scan examines every tracked execution, flags anything EXECUTING with a
// stale updated_at as a zombie, requeues it up to maxRequeues times, and
// escalates to FAILED/REQUIRES_INTERVENTION after that.
func (r *Reconciler) Scan(ctx context.Context) (zombiesFound int, err error) {
	ids, err := r.kv.SMembers(ctx, activeSetKey)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	for _, id := range ids {
		exec, err := r.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if exec.Status != state.StatusExecuting {
			_ = r.Untrack(ctx, id)
			continue
		}
		if now.Sub(exec.UpdatedAt) < r.zombieAfter {
			continue
		}

		zombiesFound++
		slog.Warn("zombie workflow detected", "execution_id", id, "updated_at", exec.UpdatedAt)

		count, _ := r.kv.Incr(ctx, requeueCountKey(id))
		if int(count) <= r.maxRequeues {
			if err := r.publisher.PublishResume(ctx, queue.ResumeMessage{
				ExecutionID:   id,
				SegmentNumber: exec.SegmentNumber,
				TraceID:       traceIDFromContext(exec.Context),
			}); err != nil {
				slog.Error("dlq requeue publish failed", "execution_id", id, "error", err)
			}
			continue
		}

		if _, err := r.store.Update(ctx, id, exec.Version, func(pre state.Execution) (state.Execution, error) {
			pre.Status = state.StatusFailed
			if pre.Context == nil {
				pre.Context = map[string]any{}
			}
			pre.Context["requires_intervention"] = true
			pre.Context["zombie_reconciled_at"] = now
			return pre, nil
		}); err != nil {
			slog.Error("dlq escalation write failed", "execution_id", id, "error", err)
			continue
		}
		_ = r.Untrack(ctx, id)
		slog.Error("zombie workflow escalated to REQUIRES_INTERVENTION", "execution_id", id)
	}
	return zombiesFound, nil
}

func traceIDFromContext(ctx map[string]any) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx["trace_id"].(string); ok {
		return v
	}
	return ""
}

// Start schedules Scan on cronExpr (e.g. "@every 1m") until ctx is done.
func (r *Reconciler) Start(ctx context.Context, cronExpr string) error {
	_, err := r.cron.AddFunc(cronExpr, func() {
		if _, err := r.Scan(ctx); err != nil {
			slog.Error("dlq scan failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	go func() {
		<-ctx.Done()
		stopCtx := r.cron.Stop()
		<-stopCtx.Done()
	}()
	return nil
}
