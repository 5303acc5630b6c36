// Package snapshot implements segment-boundary snapshots indexed by
// (execution_id, step_index, captured_at), a replayer that loads the
// nearest snapshot at or before a chosen step, and a path-level diff
// comparator. Durable storage is bbolt: a bucket-per-concern layout,
// an eviction sweep (since snapshots are an append-only index rather
// than a single current value), and an in-process index cache warmed
// at startup.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketIndex     = []byte("snapshot_index")
)

// Snapshot is one captured state-machine image.
type Snapshot struct {
	ExecutionID string         `json:"execution_id"`
	StepIndex    int            `json:"step_index"`
	CapturedAt   time.Time      `json:"captured_at"`
	State        map[string]any `json:"state"`
	StepOutputs  map[string]any `json:"step_outputs"`
	EnvMetadata  map[string]any `json:"env_metadata"`
	Compressed   bool           `json:"compressed"`
}

// Store persists snapshots to a bbolt database, enforcing a 50-per-
// execution ring cap and a 24h TTL.
type Store struct {
	db        *bbolt.DB
	mu        sync.RWMutex
	index     map[string][]indexEntry // executionID -> sorted captured_at
	maxPerID  int
	ttl       time.Duration
	compressAt int // bytes; snapshots at or above this size are marked compressed
}

type indexEntry struct {
	StepIndex  int
	CapturedAt time.Time
	Key        string
}

func Open(path string, maxPerID int, ttl time.Duration) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, index: make(map[string][]indexEntry), maxPerID: maxPerID, ttl: ttl, compressAt: 8 << 10}
	if err := s.warmIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func snapKey(executionID string, stepIndex int, capturedAt time.Time) string {
	return fmt.Sprintf("%s:%d:%d", executionID, stepIndex, capturedAt.UnixNano())
}

func (s *Store) warmIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIndex)
		return b.ForEach(func(k, v []byte) error {
			var entry struct {
				ExecutionID string    `json:"execution_id"`
				StepIndex   int       `json:"step_index"`
				CapturedAt  time.Time `json:"captured_at"`
			}
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			s.index[entry.ExecutionID] = append(s.index[entry.ExecutionID], indexEntry{
				StepIndex: entry.StepIndex, CapturedAt: entry.CapturedAt, Key: string(k),
			})
			return nil
		})
	})
}

// Capture persists a new snapshot and evicts the oldest once the
// per-execution count exceeds maxPerID.
func (s *Store) Capture(snap Snapshot) error {
	buf, err := json.Marshal(snap.State)
	if err != nil {
		return err
	}
	if len(buf) >= s.compressAt {
		snap.Compressed = true
	}

	key := snapKey(snap.ExecutionID, snap.StepIndex, snap.CapturedAt)
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	indexPayload, err := json.Marshal(struct {
		ExecutionID string    `json:"execution_id"`
		StepIndex   int       `json:"step_index"`
		CapturedAt  time.Time `json:"captured_at"`
	}{snap.ExecutionID, snap.StepIndex, snap.CapturedAt})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSnapshots).Put([]byte(key), payload); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Put([]byte(key), indexPayload)
	})
	if err != nil {
		return err
	}

	entries := append(s.index[snap.ExecutionID], indexEntry{StepIndex: snap.StepIndex, CapturedAt: snap.CapturedAt, Key: key})
	sort.Slice(entries, func(i, j int) bool { return entries[i].CapturedAt.Before(entries[j].CapturedAt) })
	s.index[snap.ExecutionID] = entries

	return s.evictLocked(snap.ExecutionID)
}

func (s *Store) evictLocked(executionID string) error {
	entries := s.index[executionID]
	now := time.Now()

	var kept []indexEntry
	var toDelete []string
	for _, e := range entries {
		if now.Sub(e.CapturedAt) > s.ttl {
			toDelete = append(toDelete, e.Key)
			continue
		}
		kept = append(kept, e)
	}
	for len(kept) > s.maxPerID {
		toDelete = append(toDelete, kept[0].Key)
		kept = kept[1:]
	}
	s.index[executionID] = kept

	if len(toDelete) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, key := range toDelete {
			if err := tx.Bucket(bucketSnapshots).Delete([]byte(key)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketIndex).Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// NearestAtOrBefore loads the snapshot with the greatest step index ≤
// stepIndex for an execution, for the replayer to resume forward from.
func (s *Store) NearestAtOrBefore(executionID string, stepIndex int) (*Snapshot, error) {
	s.mu.RLock()
	entries := append([]indexEntry(nil), s.index[executionID]...)
	s.mu.RUnlock()

	var best *indexEntry
	for i := range entries {
		if entries[i].StepIndex <= stepIndex {
			if best == nil || entries[i].StepIndex > best.StepIndex {
				best = &entries[i]
			}
		}
	}
	if best == nil {
		return nil, nil
	}

	var snap Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketSnapshots).Get([]byte(best.Key))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Diff is one path-level difference between two snapshots' states.
type Diff struct {
	Path string `json:"path"`
	Left any    `json:"left"`
	Right any   `json:"right"`
}

// Compare reports the path-level differences between two snapshots,
// empty when a replay from an identical seed produced an identical state.
func Compare(a, b Snapshot) []Diff {
	var diffs []Diff
	compareValues("", a.State, b.State, &diffs)
	return diffs
}

func compareValues(path string, left, right any, diffs *[]Diff) {
	lb, lerr := json.Marshal(left)
	rb, rerr := json.Marshal(right)
	if lerr == nil && rerr == nil && bytes.Equal(lb, rb) {
		return
	}

	lm, lok := left.(map[string]any)
	rm, rok := right.(map[string]any)
	if lok && rok {
		keys := map[string]struct{}{}
		for k := range lm {
			keys[k] = struct{}{}
		}
		for k := range rm {
			keys[k] = struct{}{}
		}
		for k := range keys {
			compareValues(joinPath(path, k), lm[k], rm[k], diffs)
		}
		return
	}

	*diffs = append(*diffs, Diff{Path: path, Left: left, Right: right})
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}
