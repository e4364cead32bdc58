// internal/alerting/alerter.go
package alerting

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"plantpod-gateway/internal/anomaly"
	"plantpod-gateway/internal/data"
	"plantpod-gateway/internal/mood"
)

const (
	DefaultCooldown      = time.Hour
	DefaultNotifyTimeout = 30 * time.Second
)

// Repository is the durable datastore behind the alert lifecycle. It is the source of
// truth for alert state across restarts.
type Repository interface {
	mood.History
	RecordMoisture(ctx context.Context, memberID string, moisture float64, at time.Time) error
	RecordWatering(ctx context.Context, memberID string, at time.Time) error
	// PendingAlerts returns every PENDING alert for the plant, newest first.
	PendingAlerts(ctx context.Context, memberID string) ([]data.AlertRecord, error)
	CreateAlert(ctx context.Context, rec data.AlertRecord) error
	UpdateAlert(ctx context.Context, id string, status data.AlertStatus, fulfilledAt *time.Time) error
}

// Notification is what the notifier gets when a new alert fires.
// Mood is nil when it could not be resolved.
type Notification struct {
	Member          data.Member
	MoisturePercent *float64
	Mood            *data.MoodSnapshot
	Alert           data.AlertRecord
}

// Notifier composes and delivers the thirsty-plant message.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Transition describes one alert state change. From is empty for a newly created alert.
type Transition struct {
	Alert data.AlertRecord
	From  data.AlertStatus
}

// Observer is told about every committed transition.
type Observer interface {
	AlertTransition(ctx context.Context, t Transition)
}

// Reading is one plant's normalized telemetry as seen by the alert lifecycle.
type Reading struct {
	Moisture  *float64
	SensorAt  time.Time
	WateredAt *time.Time
}

type Config struct {
	Cooldown      time.Duration
	NotifyTimeout time.Duration
}

// Machine runs the per-plant watering alert lifecycle:
// PENDING on a new danger reading, MISSED when danger persists past the cooldown,
// FULFILLED on watering.
type Machine struct {
	repo          Repository
	detector      *anomaly.Detector
	notifier      Notifier
	moods         *mood.Resolver
	observer      Observer
	cooldown      time.Duration
	notifyTimeout time.Duration
	locks         *keyedMutex
	newID         func() string
	log           *zap.Logger
}

// Option customizes a Machine.
type Option func(*Machine)

func WithObserver(o Observer) Option { return func(m *Machine) { m.observer = o } }

func WithIDGenerator(f func() string) Option { return func(m *Machine) { m.newID = f } }

func NewMachine(cfg Config, repo Repository, detector *anomaly.Detector, notifier Notifier, moods *mood.Resolver, log *zap.Logger, opts ...Option) *Machine {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Machine{
		repo:          repo,
		detector:      detector,
		notifier:      notifier,
		moods:         moods,
		cooldown:      cfg.Cooldown,
		notifyTimeout: cfg.NotifyTimeout,
		locks:         newKeyedMutex(),
		newID:         uuid.NewString,
		log:           log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Process feeds one plant's reading through the lifecycle. Datastore failures are
// returned as *data.TransientError and are not retried here. Notifier failures are
// logged and never returned.
func (m *Machine) Process(ctx context.Context, member data.Member, r Reading) error {
	fired, err := m.transition(ctx, member, r)
	if err != nil {
		return err
	}
	if fired != nil {
		m.notify(ctx, member, r, *fired)
	}
	return nil
}

// transition holds the plant's lock across the check-then-write sequence so at most one
// PENDING alert can exist per plant.
func (m *Machine) transition(ctx context.Context, member data.Member, r Reading) (*data.AlertRecord, error) {
	unlock := m.locks.Lock(member.ID)
	defer unlock()

	if r.Moisture != nil {
		if err := m.repo.RecordMoisture(ctx, member.ID, *r.Moisture, r.SensorAt); err != nil {
			return nil, data.Transient("record moisture", err)
		}
	}

	if r.WateredAt != nil {
		if err := m.repo.RecordWatering(ctx, member.ID, *r.WateredAt); err != nil {
			return nil, data.Transient("record watering", err)
		}
		// The moisture sample in a watering report predates the water, so it is not judged.
		return nil, m.fulfil(ctx, member.ID, *r.WateredAt)
	}

	if r.Moisture == nil {
		return nil, nil
	}
	rng := anomaly.ParseIdealMoisture(member.IdealMoisture)
	if !m.detector.IsDanger(*r.Moisture, rng) {
		return nil, nil
	}
	return m.trigger(ctx, member.ID, r.SensorAt)
}

func (m *Machine) trigger(ctx context.Context, memberID string, at time.Time) (*data.AlertRecord, error) {
	current, err := m.currentPending(ctx, memberID)
	if err != nil {
		return nil, err
	}

	if current != nil {
		age := at.Sub(current.TriggeredAt)
		if age < m.cooldown {
			m.log.Debug("Alert suppressed by cooldown",
				zap.String("plant", memberID),
				zap.String("alert", current.ID),
				zap.Duration("age", age))
			return nil, nil
		}
		if err := m.repo.UpdateAlert(ctx, current.ID, data.AlertMissed, nil); err != nil {
			return nil, data.Transient("mark alert missed", err)
		}
		prev := current.Status
		current.Status = data.AlertMissed
		m.observe(ctx, Transition{Alert: *current, From: prev})
	}

	rec := data.AlertRecord{
		ID:          m.newID(),
		MemberID:    memberID,
		Status:      data.AlertPending,
		TriggeredAt: at,
	}
	if err := m.repo.CreateAlert(ctx, rec); err != nil {
		return nil, data.Transient("create alert", err)
	}
	m.observe(ctx, Transition{Alert: rec})
	m.log.Info("Watering alert triggered", zap.String("plant", memberID), zap.String("alert", rec.ID))
	return &rec, nil
}

func (m *Machine) fulfil(ctx context.Context, memberID string, wateredAt time.Time) error {
	current, err := m.currentPending(ctx, memberID)
	if err != nil || current == nil {
		return err
	}
	if err := m.repo.UpdateAlert(ctx, current.ID, data.AlertFulfilled, &wateredAt); err != nil {
		return data.Transient("fulfil alert", err)
	}
	prev := current.Status
	current.Status = data.AlertFulfilled
	current.FulfilledAt = &wateredAt
	m.observe(ctx, Transition{Alert: *current, From: prev})
	m.log.Info("Watering alert fulfilled", zap.String("plant", memberID), zap.String("alert", current.ID))
	return nil
}

// currentPending returns the newest PENDING alert. Finding more than one is a bug; the
// older ones are collapsed to MISSED so the lifecycle can continue.
func (m *Machine) currentPending(ctx context.Context, memberID string) (*data.AlertRecord, error) {
	pending, err := m.repo.PendingAlerts(ctx, memberID)
	if err != nil {
		return nil, data.Transient("load pending alerts", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	if len(pending) > 1 {
		violation := &data.InvariantViolation{Rule: "at most one PENDING alert per plant", Detail: memberID}
		m.log.Error("Collapsing duplicate pending alerts",
			zap.Error(violation),
			zap.Int("pending", len(pending)),
			zap.String("kept", pending[0].ID))
		for _, stale := range pending[1:] {
			if err := m.repo.UpdateAlert(ctx, stale.ID, data.AlertMissed, nil); err != nil {
				return nil, data.Transient("collapse pending alerts", err)
			}
			stale.Status = data.AlertMissed
			m.observe(ctx, Transition{Alert: stale, From: data.AlertPending})
		}
	}
	newest := pending[0]
	return &newest, nil
}

func (m *Machine) notify(ctx context.Context, member data.Member, r Reading, alert data.AlertRecord) {
	if m.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.notifyTimeout)
	defer cancel()

	n := Notification{Member: member, Alert: alert}
	if r.Moisture != nil {
		pct := math.Max(0, math.Min(1, *r.Moisture)) * 100
		n.MoisturePercent = &pct
	}
	if m.moods != nil {
		md, err := m.moods.Resolve(ctx, member.ID)
		if err != nil {
			m.log.Warn("Mood unavailable for alert", zap.String("plant", member.ID), zap.Error(err))
		} else {
			n.Mood = &md
		}
	}

	if err := m.notifier.Notify(ctx, n); err != nil {
		m.log.Error("Watering alert notification failed",
			zap.String("plant", member.ID),
			zap.String("alert", alert.ID),
			zap.Error(err))
	}
}

func (m *Machine) observe(ctx context.Context, t Transition) {
	if m.observer != nil {
		m.observer.AlertTransition(ctx, t)
	}
}
