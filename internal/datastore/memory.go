package datastore

import (
	"context"
	"sort"
	"sync"
	"time"

	"plantpod-gateway/internal/data"
)

const maxHistoryPerPlant = 100 // Keep the last 100 moisture samples per plant

type moistureSample struct {
	At    time.Time
	Value float64
}

// Memory is a process-local alert and reading store for development and tests.
type Memory struct {
	mu       sync.RWMutex
	alerts   map[string]*data.AlertRecord
	byPlant  map[string][]string
	moisture map[string][]moistureSample
	watered  map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		alerts:   make(map[string]*data.AlertRecord),
		byPlant:  make(map[string][]string),
		moisture: make(map[string][]moistureSample),
		watered:  make(map[string]time.Time),
	}
}

func (m *Memory) RecordMoisture(_ context.Context, memberID string, moisture float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := m.moisture[memberID]
	if len(buf) >= maxHistoryPerPlant {
		// Remove the oldest element
		buf = buf[1:]
	}
	m.moisture[memberID] = append(buf, moistureSample{At: at, Value: moisture})
	return nil
}

func (m *Memory) RecordWatering(_ context.Context, memberID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.watered[memberID]; !ok || at.After(prev) {
		m.watered[memberID] = at
	}
	return nil
}

func (m *Memory) LastWatering(_ context.Context, memberID string) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.watered[memberID]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

func (m *Memory) PendingAlerts(_ context.Context, memberID string) ([]data.AlertRecord, error) {
	return m.alertsWhere(memberID, 0, data.AlertPending), nil
}

func (m *Memory) RecentAlerts(_ context.Context, memberID string, limit int) ([]data.AlertRecord, error) {
	return m.alertsWhere(memberID, limit, data.AlertPending, data.AlertMissed), nil
}

// Alerts returns every alert for the plant, newest first.
func (m *Memory) Alerts(memberID string) []data.AlertRecord {
	return m.alertsWhere(memberID, 0, data.AlertPending, data.AlertMissed, data.AlertFulfilled)
}

func (m *Memory) CreateAlert(_ context.Context, rec data.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := rec
	m.alerts[rec.ID] = &c
	m.byPlant[rec.MemberID] = append(m.byPlant[rec.MemberID], rec.ID)
	return nil
}

func (m *Memory) UpdateAlert(_ context.Context, id string, status data.AlertStatus, fulfilledAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.alerts[id]
	if !ok {
		return data.NotFound("alert", id)
	}
	rec.Status = status
	if fulfilledAt != nil {
		at := *fulfilledAt
		rec.FulfilledAt = &at
	}
	return nil
}

// MoistureHistory returns the retained moisture samples for a plant, oldest first.
func (m *Memory) MoistureHistory(memberID string) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]float64, 0, len(m.moisture[memberID]))
	for _, s := range m.moisture[memberID] {
		out = append(out, s.Value)
	}
	return out
}

func (m *Memory) alertsWhere(memberID string, limit int, statuses ...data.AlertStatus) []data.AlertRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Walk newest-created first so the stable sort breaks TriggeredAt ties the same way.
	ids := m.byPlant[memberID]
	var out []data.AlertRecord
	for i := len(ids) - 1; i >= 0; i-- {
		rec := m.alerts[ids[i]]
		for _, s := range statuses {
			if rec.Status == s {
				out = append(out, *rec)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
