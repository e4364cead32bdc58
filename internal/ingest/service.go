// Package ingest wires one device report through validation, the alert lifecycle and the
// snapshot store.
package ingest

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"plantpod-gateway/internal/alerting"
	"plantpod-gateway/internal/catalog"
	"plantpod-gateway/internal/data"
)

// Store is the part of the snapshot store ingestion mutates.
type Store interface {
	Apply(update data.Update) data.Snapshot
	Reconcile(groupKey string, allowed []string) data.Snapshot
}

// Processor runs one plant's reading through the alert lifecycle.
type Processor interface {
	Process(ctx context.Context, member data.Member, r alerting.Reading) error
}

// Sink receives every accepted update after it reached the store.
type Sink interface {
	Export(ctx context.Context, update data.Update) error
}

// Service is the single ingestion path shared by HTTP and MQTT.
type Service struct {
	directory catalog.Directory
	alerts    Processor
	store     Store
	sinks     []Sink
	now       func() time.Time
	log       *zap.Logger
}

type Option func(*Service)

func WithSinks(sinks ...Sink) Option { return func(s *Service) { s.sinks = append(s.sinks, sinks...) } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(directory catalog.Directory, alerts Processor, store Store, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{directory: directory, alerts: alerts, store: store, now: time.Now, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest validates a raw device payload and applies it. A *data.ValidationError means
// nothing was touched; a *data.TransientError means the datastore failed and the
// snapshot was left as it was.
func (s *Service) Ingest(ctx context.Context, raw []byte) (data.Snapshot, error) {
	update, err := data.Parse(raw, s.now().UTC())
	if err != nil {
		return data.Snapshot{}, err
	}
	return s.Apply(ctx, update)
}

// Apply runs an already-normalized update.
func (s *Service) Apply(ctx context.Context, update data.Update) (data.Snapshot, error) {
	members, err := s.directory.GroupMembers(ctx, update.GroupKey)
	if err != nil {
		return data.Snapshot{}, data.Transient("load pod members", err)
	}
	known := make(map[string]data.Member, len(members))
	for _, m := range members {
		known[m.ID] = m
	}

	for id := range update.Members {
		if _, ok := known[id]; !ok {
			s.log.Warn("Dropping reading for plant outside pod",
				zap.String("pod", update.GroupKey),
				zap.String("plant", id))
			delete(update.Members, id)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range sortedKeys(update.Members) {
		member, mu := known[id], update.Members[id]
		g.Go(func() error {
			return s.alerts.Process(gctx, member, alerting.Reading{
				Moisture:  mu.Moisture,
				SensorAt:  update.ObservedAt,
				WateredAt: mu.WateredAt,
			})
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Error("Alert processing failed, snapshot unchanged", zap.String("pod", update.GroupKey), zap.Error(err))
		return data.Snapshot{}, err
	}

	snap := s.store.Apply(update)

	for _, sink := range s.sinks {
		if err := sink.Export(ctx, update); err != nil {
			s.log.Warn("Export failed", zap.String("pod", update.GroupKey), zap.Error(err))
		}
	}
	return snap, nil
}

// Assign moves the owner's plants into a pod, then prunes the snapshot of that pod and of
// every pod the plants left.
func (s *Service) Assign(ctx context.Context, ownerID, groupKey string, memberIDs []string) ([]string, error) {
	previous, err := s.directory.Assign(ctx, ownerID, groupKey, memberIDs)
	if err != nil {
		return nil, err
	}
	touched := append([]string{groupKey}, previous...)
	for _, pod := range touched {
		members, err := s.directory.GroupMembers(ctx, pod)
		if err != nil {
			return nil, data.Transient("load pod members", err)
		}
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.ID)
		}
		s.store.Reconcile(pod, ids)
	}
	s.log.Info("Pod membership updated",
		zap.String("pod", groupKey),
		zap.Strings("plants", memberIDs),
		zap.Strings("left", previous))
	return previous, nil
}

func sortedKeys(m map[string]data.MemberUpdate) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
