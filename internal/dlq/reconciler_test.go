package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/sagaengine/internal/kvstore"
	"github.com/swarmguard/sagaengine/internal/queue"
	"github.com/swarmguard/sagaengine/internal/state"
)

func newTestReconciler(t *testing.T, zombieAfter time.Duration, maxRequeues int) (*Reconciler, *state.Store, kvstore.Store) {
	t.Helper()
	kv := kvstore.NewMemoryStore()
	store := state.NewStore(kv, 3, time.Millisecond)
	pub := queue.NewPublisher(nil, "signing-key")
	return NewReconciler(store, kv, pub, zombieAfter, maxRequeues), store, kv
}

func TestTrackAndUntrackActive(t *testing.T) {
	ctx := context.Background()
	r, _, kv := newTestReconciler(t, time.Hour, 3)

	require.NoError(t, r.TrackActive(ctx, "exec-1"))
	members, err := kv.SMembers(ctx, activeSetKey)
	require.NoError(t, err)
	assert.Contains(t, members, "exec-1")

	require.NoError(t, r.Untrack(ctx, "exec-1"))
	members, err = kv.SMembers(ctx, activeSetKey)
	require.NoError(t, err)
	assert.NotContains(t, members, "exec-1")
}

func TestScanSkipsFreshExecutions(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestReconciler(t, time.Hour, 3)

	created, err := store.Create(ctx, state.Execution{ExecutionID: "exec-1"})
	require.NoError(t, err)
	_, err = store.Update(ctx, "exec-1", created.Version, func(pre state.Execution) (state.Execution, error) {
		pre.Status = state.StatusPlanned
		return pre, nil
	})
	require.NoError(t, err)
	planned, err := store.Get(ctx, "exec-1")
	require.NoError(t, err)
	_, err = store.Update(ctx, "exec-1", planned.Version, func(pre state.Execution) (state.Execution, error) {
		pre.Status = state.StatusExecuting
		return pre, nil
	})
	require.NoError(t, err)
	require.NoError(t, r.TrackActive(ctx, "exec-1"))

	found, err := r.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, found, "EXECUTING but updated well within zombieAfter, so it is not a zombie")
}

func TestScanUntracksNonExecutingStatus(t *testing.T) {
	ctx := context.Background()
	r, store, kv := newTestReconciler(t, time.Millisecond, 3)

	created, err := store.Create(ctx, state.Execution{ExecutionID: "exec-1"})
	require.NoError(t, err)
	_, err = store.Update(ctx, "exec-1", created.Version, func(pre state.Execution) (state.Execution, error) {
		pre.Status = state.StatusCancelled
		return pre, nil
	})
	require.NoError(t, err)
	require.NoError(t, r.TrackActive(ctx, "exec-1"))

	_, err = r.Scan(ctx)
	require.NoError(t, err)

	members, err := kv.SMembers(ctx, activeSetKey)
	require.NoError(t, err)
	assert.NotContains(t, members, "exec-1")
}

func TestScanEscalatesZombieAfterRequeuesExhausted(t *testing.T) {
	ctx := context.Background()
	r, store, kv := newTestReconciler(t, time.Millisecond, 0)

	created, err := store.Create(ctx, state.Execution{ExecutionID: "exec-1"})
	require.NoError(t, err)
	planned, err := store.Update(ctx, "exec-1", created.Version, func(pre state.Execution) (state.Execution, error) {
		pre.Status = state.StatusPlanned
		return pre, nil
	})
	require.NoError(t, err)
	_, err = store.Update(ctx, "exec-1", planned.Version, func(pre state.Execution) (state.Execution, error) {
		pre.Status = state.StatusExecuting
		return pre, nil
	})
	require.NoError(t, err)
	require.NoError(t, r.TrackActive(ctx, "exec-1"))

	time.Sleep(5 * time.Millisecond)

	found, err := r.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, found)

	exec, err := store.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, exec.Status)
	assert.Equal(t, true, exec.Context["requires_intervention"])

	members, err := kv.SMembers(ctx, activeSetKey)
	require.NoError(t, err)
	assert.NotContains(t, members, "exec-1")
}
