package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"github.com/lvonguyen/threatlens/internal/indicator"
)

const defaultAlertCapacity = 1000

// MemoryStore is a lock-striped in-process store. Upserts on one key are
// serialized by the key's shard lock; different shards proceed in parallel.
type MemoryStore struct {
	shards []shard
	mask   uint64
	now    func() time.Time

	alertMu  sync.RWMutex
	alerts   []indicator.Alert
	alertCap int
}

type shard struct {
	mu sync.RWMutex
	m  map[indicator.Key]indicator.Indicator
}

// NewMemoryStore creates a store with 2^shardPow shards.
func NewMemoryStore(shardPow uint8) *MemoryStore {
	if shardPow > 10 {
		shardPow = 10
	}
	n := 1 << shardPow
	s := &MemoryStore{
		mask:     uint64(n - 1),
		now:      time.Now,
		alertCap: defaultAlertCapacity,
	}
	s.shards = make([]shard, n)
	for i := range s.shards {
		s.shards[i].m = make(map[indicator.Key]indicator.Indicator)
	}
	return s
}

func (s *MemoryStore) shardFor(k indicator.Key) *shard {
	h := murmur3.Sum32([]byte(k.String()))
	return &s.shards[uint64(h)&s.mask]
}

// Upsert inserts or merges c under its canonical key.
func (s *MemoryStore) Upsert(ctx context.Context, c indicator.Candidate, source string) (UpsertResult, error) {
	if err := checkCandidate(c); err != nil {
		return UpsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}

	key := c.Key()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	existing, ok := sh.m[key]
	if !ok {
		rec := NewRecord(c, source, now)
		sh.m[key] = rec
		return UpsertResult{Indicator: rec, Created: true}, nil
	}
	merged := Merge(existing, c, source, now)
	sh.m[key] = merged
	return UpsertResult{Indicator: merged}, nil
}

// Get returns the indicator stored under (t, value).
func (s *MemoryStore) Get(_ context.Context, t indicator.Type, value string) (indicator.Indicator, error) {
	key := indicator.Key{Type: t, Value: indicator.Canonical(t, value)}
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	ind, ok := sh.m[key]
	if !ok {
		return indicator.Indicator{}, ErrNotFound
	}
	return ind, nil
}

// Recent returns the most recently seen indicators.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]indicator.Indicator, error) {
	return s.collect(limit, func(indicator.Indicator) bool { return true }), nil
}

// RecentByType returns the most recently seen indicators of type t.
func (s *MemoryStore) RecentByType(_ context.Context, t indicator.Type, limit int) ([]indicator.Indicator, error) {
	return s.collect(limit, func(ind indicator.Indicator) bool { return ind.Type == t }), nil
}

func (s *MemoryStore) collect(limit int, keep func(indicator.Indicator) bool) []indicator.Indicator {
	out := make([]indicator.Indicator, 0)
	if limit <= 0 {
		return out
	}
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, v := range sh.m {
			if keep(v) {
				out = append(out, v)
			}
		}
		sh.mu.RUnlock()
	}
	return newestFirst(out, limit)
}

// Deactivate marks the indicator inactive.
func (s *MemoryStore) Deactivate(_ context.Context, t indicator.Type, value string) error {
	key := indicator.Key{Type: t, Value: indicator.Canonical(t, value)}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ind, ok := sh.m[key]
	if !ok {
		return ErrNotFound
	}
	ind.IsActive = false
	sh.m[key] = ind
	return nil
}

// Count returns the number of stored indicators.
func (s *MemoryStore) Count(context.Context) (int, error) {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n, nil
}

// AddAlert stores an alert, evicting the oldest once capacity is reached.
func (s *MemoryStore) AddAlert(_ context.Context, a indicator.Alert) (indicator.Alert, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	if !a.Severity.Valid() {
		a.Severity = indicator.SeverityLow
	}

	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	s.alerts = append(s.alerts, a)
	if len(s.alerts) > s.alertCap {
		s.alerts = s.alerts[len(s.alerts)-s.alertCap:]
	}
	return a, nil
}

// RecentAlerts returns the newest alerts first.
func (s *MemoryStore) RecentAlerts(_ context.Context, limit int) ([]indicator.Alert, error) {
	s.alertMu.RLock()
	out := make([]indicator.Alert, len(s.alerts))
	copy(out, s.alerts)
	s.alertMu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit < 0 {
		limit = 0
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds for the in-process store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
