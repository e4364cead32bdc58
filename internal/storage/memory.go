// internal/storage/memory.go
package storage

import (
	"sync"
	"time"

	"plantpod-gateway/internal/data"
)

// Publisher receives every committed snapshot. It is called with the pod's lock held,
// so it must not block and must not call back into the store.
type Publisher interface {
	Publish(groupKey string, snap data.Snapshot)
}

type group struct {
	mu      sync.Mutex
	snap    data.Snapshot
	touched time.Time
	evicted bool
}

// MemoryStore is the authoritative in-memory map from pod key to current snapshot.
// Contention is per pod: the registry lock is only held to find or create a pod.
type MemoryStore struct {
	mu        sync.RWMutex
	groups    map[string]*group
	publisher Publisher
	now       func() time.Time
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides the clock used for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(publisher Publisher, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		groups:    make(map[string]*group),
		publisher: publisher,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the pod's snapshot, or the empty snapshot if it was never observed.
func (s *MemoryStore) Get(groupKey string) data.Snapshot {
	s.mu.RLock()
	g, ok := s.groups[groupKey]
	s.mu.RUnlock()
	if !ok {
		return data.EmptySnapshot(groupKey)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.evicted {
		return data.EmptySnapshot(groupKey)
	}
	return g.snap.Clone()
}

// Apply merges a partial update into the pod's snapshot, field by field, last write wins.
func (s *MemoryStore) Apply(update data.Update) data.Snapshot {
	return s.withGroup(update.GroupKey, func(g *group) bool {
		next := g.snap.Clone()
		if !update.ObservedAt.IsZero() {
			next.ObservedAt = data.Time(update.ObservedAt)
		}
		for id, mu := range update.Members {
			cur := next.Members[id]
			if mu.HasMoisture {
				cur.Moisture = copyFloat(mu.Moisture)
			}
			if mu.WateredAt != nil {
				cur.LastWateredAt = data.Time(*mu.WateredAt)
			}
			next.Members[id] = cur
		}
		if update.Aggregate.HasTempC {
			next.Aggregate.AvgTempC = copyFloat(update.Aggregate.TempC)
		}
		if update.Aggregate.HasHumidity {
			next.Aggregate.AvgHumidity01 = copyFloat(update.Aggregate.Humidity01)
		}
		g.snap = next
		return true
	})
}

// Reconcile drops plants that are no longer members of the pod and leaves the rest untouched.
// Calling it again with the same set changes nothing and publishes nothing.
func (s *MemoryStore) Reconcile(groupKey string, allowed []string) data.Snapshot {
	keep := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		keep[id] = struct{}{}
	}
	return s.withGroup(groupKey, func(g *group) bool {
		var stale []string
		for id := range g.snap.Members {
			if _, ok := keep[id]; !ok {
				stale = append(stale, id)
			}
		}
		if len(stale) == 0 {
			return false
		}
		next := g.snap.Clone()
		for _, id := range stale {
			delete(next.Members, id)
		}
		g.snap = next
		return true
	})
}

// Sweep evicts pods idle for longer than ttl. inUse is consulted under the pod's lock and
// a pod it reports as in use is never evicted.
func (s *MemoryStore) Sweep(ttl time.Duration, inUse func(groupKey string) bool) int {
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, g := range s.groups {
		g.mu.Lock()
		if g.touched.Before(cutoff) && (inUse == nil || !inUse(key)) {
			g.evicted = true
			delete(s.groups, key)
			evicted++
		}
		g.mu.Unlock()
	}
	return evicted
}

// Len reports how many pods are held in memory.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups)
}

// withGroup runs mutate under the pod's lock, creating the pod if needed. When mutate
// reports a change the result is published before the lock is released, so subscribers
// see changes in commit order.
func (s *MemoryStore) withGroup(groupKey string, mutate func(g *group) bool) data.Snapshot {
	for {
		g := s.getOrCreate(groupKey)
		g.mu.Lock()
		if g.evicted {
			// Lost a race with Sweep; the registry now holds a fresh pod or none.
			g.mu.Unlock()
			continue
		}
		g.touched = s.now()
		changed := mutate(g)
		if changed && s.publisher != nil {
			s.publisher.Publish(groupKey, g.snap.Clone())
		}
		out := g.snap.Clone()
		g.mu.Unlock()
		return out
	}
}

func (s *MemoryStore) getOrCreate(groupKey string) *group {
	s.mu.RLock()
	g, ok := s.groups[groupKey]
	s.mu.RUnlock()
	if ok {
		return g
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[groupKey]; ok {
		return g
	}
	g = &group{snap: data.EmptySnapshot(groupKey), touched: s.now()}
	s.groups[groupKey] = g
	return g
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return data.Float(*v)
}
