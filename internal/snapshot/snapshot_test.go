package snapshot

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, maxPerID int, ttl time.Duration) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "snapshots.db"), maxPerID, ttl)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCaptureAndNearestAtOrBefore(t *testing.T) {
	store := openTestStore(t, 50, 24*time.Hour)

	require.NoError(t, store.Capture(Snapshot{
		ExecutionID: "exec-1", StepIndex: 1, CapturedAt: time.Now(),
		State: map[string]any{"status": "EXECUTING"},
	}))
	require.NoError(t, store.Capture(Snapshot{
		ExecutionID: "exec-1", StepIndex: 3, CapturedAt: time.Now().Add(time.Millisecond),
		State: map[string]any{"status": "EXECUTING", "step": 3.0},
	}))

	snap, err := store.NearestAtOrBefore("exec-1", 2)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.StepIndex)

	snap, err = store.NearestAtOrBefore("exec-1", 3)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 3, snap.StepIndex)
}

func TestNearestAtOrBeforeNoMatchReturnsNil(t *testing.T) {
	store := openTestStore(t, 50, 24*time.Hour)
	snap, err := store.NearestAtOrBefore("unknown-exec", 5)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestCaptureEvictsBeyondMaxPerExecution(t *testing.T) {
	store := openTestStore(t, 2, 24*time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Capture(Snapshot{
			ExecutionID: "exec-1", StepIndex: i, CapturedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
			State: map[string]any{"step": float64(i)},
		}))
	}

	store.mu.RLock()
	kept := len(store.index["exec-1"])
	store.mu.RUnlock()
	assert.LessOrEqual(t, kept, 2)

	snap, err := store.NearestAtOrBefore("exec-1", 0)
	require.NoError(t, err)
	assert.Nil(t, snap, "oldest snapshots should have been evicted by the ring cap")
}

func TestCaptureEvictsExpiredByTTL(t *testing.T) {
	store := openTestStore(t, 50, time.Millisecond)

	require.NoError(t, store.Capture(Snapshot{
		ExecutionID: "exec-1", StepIndex: 1, CapturedAt: time.Now(),
		State: map[string]any{"step": 1.0},
	}))

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, store.Capture(Snapshot{
		ExecutionID: "exec-1", StepIndex: 2, CapturedAt: time.Now(),
		State: map[string]any{"step": 2.0},
	}))

	store.mu.RLock()
	kept := len(store.index["exec-1"])
	store.mu.RUnlock()
	assert.Equal(t, 1, kept, "the expired first snapshot should be swept on the next capture")
}

func TestCompareIdenticalStatesHasNoDiffs(t *testing.T) {
	state := map[string]any{"a": 1.0, "b": map[string]any{"c": "x"}}
	diffs := Compare(Snapshot{State: state}, Snapshot{State: state})
	assert.Empty(t, diffs)
}

func TestComparePathLevelDiff(t *testing.T) {
	left := Snapshot{State: map[string]any{"a": 1.0, "nested": map[string]any{"x": 1.0}}}
	right := Snapshot{State: map[string]any{"a": 2.0, "nested": map[string]any{"x": 2.0}}}

	diffs := Compare(left, right)
	require.Len(t, diffs, 2)

	paths := map[string]bool{}
	for _, d := range diffs {
		paths[d.Path] = true
	}
	assert.True(t, paths["a"])
	assert.True(t, paths["nested.x"])
}
