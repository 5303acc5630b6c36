package kvstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/swarmguard/sagaengine/internal/errs"
)

type memEntry struct {
	value    []byte
	expireAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// MemoryStore is an in-process Store used by unit tests, implementing
// the same CAS and TTL semantics as the Redis-backed Store without a
// live Redis.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]memEntry
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]memEntry),
		sets:  make(map[string]map[string]struct{}),
		zsets: make(map[string]map[string]float64),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = m.entry(value, ttl)
	return nil
}

func (m *MemoryStore) entry(value []byte, ttl time.Duration) memEntry {
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	return e
}

func (m *MemoryStore) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.data[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	m.data[key] = m.entry(value, ttl)
	return true, nil
}

func (m *MemoryStore) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	return ok && !e.expired(time.Now()), nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	e.expireAt = time.Now().Add(ttl)
	m.data[key] = e
	return nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || e.expireAt.IsZero() {
		return -1, nil
	}
	return time.Until(e.expireAt), nil
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if e, ok := m.data[key]; ok && !e.expired(time.Now()) {
		json.Unmarshal(e.value, &n)
	}
	n++
	buf, _ := json.Marshal(n)
	m.data[key] = memEntry{value: buf, expireAt: m.data[key].expireAt}
	return n, nil
}

func (m *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *MemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for member, score := range z {
		if score >= min && score <= max {
			delete(z, member)
		}
	}
	return nil
}

func (m *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, mem := range members {
		s[mem] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(s, mem)
	}
	return nil
}

func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	return out, nil
}

func (m *MemoryStore) CompareAndSet(_ context.Context, key string, expectedVersion int64, delta func(pre []byte) ([]byte, error), ttl time.Duration) (int64, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pre []byte
	if e, ok := m.data[key]; ok && !e.expired(time.Now()) {
		pre = e.value
	}

	var observed int64
	if pre != nil {
		var doc struct {
			Version int64 `json:"version"`
		}
		json.Unmarshal(pre, &doc)
		observed = doc.Version
	}
	if observed != expectedVersion {
		return 0, nil, &errs.Conflict{Observed: observed}
	}

	merged, err := delta(pre)
	if err != nil {
		return 0, nil, err
	}
	doc := map[string]any{}
	if len(merged) > 0 {
		if err := json.Unmarshal(merged, &doc); err != nil {
			return 0, nil, err
		}
	}
	newVersion := expectedVersion + 1
	doc["version"] = newVersion
	newRaw, err := json.Marshal(doc)
	if err != nil {
		return 0, nil, err
	}
	m.data[key] = m.entry(newRaw, ttl)
	return newVersion, newRaw, nil
}
