// Package stream serves long-lived pod snapshot streams to viewers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"plantpod-gateway/internal/data"
	"plantpod-gateway/internal/hub"
)

const DefaultKeepAlive = 25 * time.Second

var ErrShuttingDown = errors.New("stream manager is shutting down")

// Transport writes frames to one viewer connection. Calls come from a single goroutine,
// except Close which may race with a send.
type Transport interface {
	SendSnapshot(snap data.Snapshot) error
	SendKeepAlive() error
	Close() error
}

// Reconciler is the slice of the snapshot store a session needs.
type Reconciler interface {
	Reconcile(groupKey string, allowed []string) data.Snapshot
}

type State int32

const (
	StateOpen State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	default:
		return "closed"
	}
}

// Manager opens sessions and tracks them until they close.
type Manager struct {
	store     Reconciler
	hub       *hub.Hub
	keepAlive time.Duration
	log       *zap.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

func NewManager(store Reconciler, h *hub.Hub, keepAlive time.Duration, log *zap.Logger) *Manager {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:     store,
		hub:       h,
		keepAlive: keepAlive,
		log:       log,
		sessions:  make(map[*Session]struct{}),
	}
}

// Open prepares a session for a viewer authorized to see the given members of the pod.
// The subscription is taken before the initial snapshot is read, so an update racing the
// open may be delivered twice but never missed. The initial snapshot has been written to
// the transport when Open returns; the caller then drives the session with Run.
func (m *Manager) Open(ctx context.Context, groupKey string, authorized []string, t Transport) (*Session, error) {
	if len(authorized) == 0 {
		return nil, data.NotFound("pod", groupKey)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		groupKey:  groupKey,
		transport: t,
		keepAlive: m.keepAlive,
		ctx:       ctx,
		cancel:    cancel,
		manager:   m,
		log:       m.log.With(zap.String("pod", groupKey)),
	}

	s.sub = m.hub.Subscribe(groupKey)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.sub.Close()
		cancel()
		return nil, ErrShuttingDown
	}
	m.sessions[s] = struct{}{}
	m.mu.Unlock()

	initial := m.store.Reconcile(groupKey, authorized)
	if err := t.SendSnapshot(initial); err != nil {
		s.Close()
		return nil, fmt.Errorf("send initial snapshot: %w", err)
	}
	s.log.Debug("Stream session opened", zap.Int("members", len(authorized)))
	return s, nil
}

// Active reports the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every live session and refuses new ones.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.Close()
	}
	m.log.Info("Stream sessions closed", zap.Int("count", len(live)))
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s)
	m.mu.Unlock()
}

// Session is one viewer's live stream of a pod.
type Session struct {
	groupKey  string
	transport Transport
	sub       *hub.Subscription
	keepAlive time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	manager   *Manager
	log       *zap.Logger

	state atomic.Int32
	once  sync.Once
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) GroupKey() string { return s.groupKey }

// Done is closed when the session has been cancelled or closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Run forwards snapshots and keep-alives until the context is cancelled, the session is
// closed or a write fails. It always leaves the session closed.
func (s *Session) Run() error {
	defer s.Close()
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateStreaming)) {
		return nil
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case snap, ok := <-s.sub.C():
			if !ok {
				return nil
			}
			if err := s.transport.SendSnapshot(snap); err != nil {
				s.log.Debug("Stream write failed", zap.Error(err))
				return err
			}
		case <-ticker.C:
			if err := s.transport.SendKeepAlive(); err != nil {
				s.log.Debug("Stream keep-alive failed", zap.Error(err))
				return err
			}
		}
	}
}

// Close tears the session down. Safe to call any number of times from any goroutine.
func (s *Session) Close() {
	s.once.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancel()
		if n := s.sub.Dropped(); n > 0 {
			s.log.Info("Stream session dropped stale snapshots", zap.Uint64("dropped", n))
		}
		s.sub.Close()
		if err := s.transport.Close(); err != nil {
			s.log.Debug("Stream transport close failed", zap.Error(err))
		}
		s.manager.remove(s)
		s.log.Debug("Stream session closed")
	})
}
