// internal/hub/hub.go
package hub

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"plantpod-gateway/internal/data"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 16

// Hub fans snapshots out to the subscribers of each pod.
// Publish never blocks: when a subscriber's queue is full its oldest snapshot is dropped.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
	buffer int
	log    *zap.Logger
}

type topic struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	dead bool
}

// Subscription is one subscriber's ordered view of a pod.
type Subscription struct {
	hub     *Hub
	key     string
	topic   *topic
	ch      chan data.Snapshot
	once    sync.Once
	dropped atomic.Uint64
}

func NewHub(buffer int, log *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		topics: make(map[string]*topic),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers a subscriber for the pod. Every snapshot published after this
// returns is delivered to C in publish order, subject to drop-oldest.
func (h *Hub) Subscribe(groupKey string) *Subscription {
	for {
		t := h.getOrCreate(groupKey)
		t.mu.Lock()
		if t.dead {
			t.mu.Unlock()
			continue
		}
		sub := &Subscription{
			hub:   h,
			key:   groupKey,
			topic: t,
			ch:    make(chan data.Snapshot, h.buffer),
		}
		t.subs[sub] = struct{}{}
		n := len(t.subs)
		t.mu.Unlock()

		h.log.Debug("Subscriber registered", zap.String("pod", groupKey), zap.Int("subscribers", n))
		return sub
	}
}

// SubscribeFunc calls handler for every snapshot on a dedicated goroutine, so a slow
// handler only delays itself. The returned function unsubscribes and is idempotent.
func (h *Hub) SubscribeFunc(groupKey string, handler func(data.Snapshot)) (unsubscribe func()) {
	sub := h.Subscribe(groupKey)
	go func() {
		for snap := range sub.ch {
			handler(snap)
		}
	}()
	return sub.Close
}

// Publish delivers a copy of snap to every current subscriber of the pod.
func (h *Hub) Publish(groupKey string, snap data.Snapshot) {
	h.mu.RLock()
	t, ok := h.topics[groupKey]
	h.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return
	}
	for sub := range t.subs {
		if sub.offer(snap.Clone()) {
			h.log.Debug("Subscriber queue full, dropped oldest snapshot",
				zap.String("pod", groupKey),
				zap.Uint64("dropped_total", sub.dropped.Load()))
		}
	}
}

// Subscribers reports how many live subscriptions the pod has.
func (h *Hub) Subscribers(groupKey string) int {
	h.mu.RLock()
	t, ok := h.topics[groupKey]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return 0
	}
	return len(t.subs)
}

func (h *Hub) getOrCreate(groupKey string) *topic {
	h.mu.RLock()
	t, ok := h.topics[groupKey]
	h.mu.RUnlock()
	if ok {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[groupKey]; ok {
		return t
	}
	t = &topic{subs: make(map[*Subscription]struct{})}
	h.topics[groupKey] = t
	return t
}

// C returns the channel snapshots arrive on. It is closed by Close.
func (s *Subscription) C() <-chan data.Snapshot { return s.ch }

// Dropped reports how many snapshots were discarded because the subscriber fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. It may be called any number of times, from any goroutine,
// including while a publish to this subscription is in flight.
func (s *Subscription) Close() {
	s.once.Do(func() {
		t := s.topic
		t.mu.Lock()
		delete(t.subs, s)
		close(s.ch)
		empty := len(t.subs) == 0
		if empty {
			t.dead = true
		}
		t.mu.Unlock()

		if empty {
			s.hub.mu.Lock()
			if s.hub.topics[s.key] == t {
				delete(s.hub.topics, s.key)
			}
			s.hub.mu.Unlock()
		}
		s.hub.log.Debug("Subscriber unregistered", zap.String("pod", s.key), zap.Uint64("dropped", s.dropped.Load()))
	})
}

// offer enqueues snap, discarding the oldest queued snapshots until it fits.
// Only the topic's publisher calls it, under the topic lock.
func (s *Subscription) offer(snap data.Snapshot) (dropped bool) {
	for {
		select {
		case s.ch <- snap:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			dropped = true
		default:
		}
	}
}
