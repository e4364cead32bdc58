package alerting_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plantpod-gateway/internal/alerting"
	"plantpod-gateway/internal/anomaly"
	"plantpod-gateway/internal/data"
	"plantpod-gateway/internal/datastore"
	"plantpod-gateway/internal/mood"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []alerting.Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, n)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []alerting.Transition
}

func (o *recordingObserver) AlertTransition(_ context.Context, t alerting.Transition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, t)
}

type fixture struct {
	repo     *datastore.Memory
	notifier *recordingNotifier
	observer *recordingObserver
	machine  *alerting.Machine
}

func newFixture(repo alerting.Repository) *fixture {
	mem, _ := repo.(*datastore.Memory)
	f := &fixture{repo: mem, notifier: &recordingNotifier{}, observer: &recordingObserver{}}
	var seq atomic.Int64
	moods := mood.NewResolver(repo)
	moods.Now = func() time.Time { return t0 }
	f.machine = alerting.NewMachine(
		alerting.Config{Cooldown: time.Hour},
		repo,
		anomaly.NewDetector(0),
		f.notifier,
		moods,
		nil,
		alerting.WithObserver(f.observer),
		alerting.WithIDGenerator(func() string { return fmt.Sprintf("alert-%d", seq.Add(1)) }),
	)
	return f
}

var fern = data.Member{ID: "a", GroupKey: "pod-1", OwnerID: "alice", Name: "Fern", Contact: "+15551234567"}

func dry(at time.Time) alerting.Reading {
	return alerting.Reading{Moisture: data.Float(0.05), SensorAt: at}
}

func TestDangerThenWateringFulfils(t *testing.T) {
	ctx := context.Background()
	f := newFixture(datastore.NewMemory())

	require.NoError(t, f.machine.Process(ctx, fern, dry(t0)))

	pending, err := f.repo.PendingAlerts(ctx, "a")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, t0, pending[0].TriggeredAt)

	require.Equal(t, 1, f.notifier.count())
	call := f.notifier.calls[0]
	require.NotNil(t, call.MoisturePercent)
	assert.InDelta(t, 5.0, *call.MoisturePercent, 1e-9)
	require.NotNil(t, call.Mood)
	assert.Equal(t, 3, call.Mood.Severity, "no watering history yet")

	watered := t0.Add(100 * time.Millisecond)
	require.NoError(t, f.machine.Process(ctx, fern, alerting.Reading{SensorAt: watered, WateredAt: &watered}))

	all := f.repo.Alerts("a")
	require.Len(t, all, 1)
	assert.Equal(t, data.AlertFulfilled, all[0].Status)
	require.NotNil(t, all[0].FulfilledAt)
	assert.Equal(t, watered, *all[0].FulfilledAt)
	assert.Equal(t, 1, f.notifier.count())

	last, err := f.repo.LastWatering(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, watered, *last)
}

func TestCooldownSuppressesRepeatNotifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(datastore.NewMemory())

	require.NoError(t, f.machine.Process(ctx, fern, dry(t0)))
	require.NoError(t, f.machine.Process(ctx, fern, dry(t0.Add(59*time.Minute))))

	assert.Equal(t, 1, f.notifier.count())
	assert.Len(t, f.repo.Alerts("a"), 1)
}

func TestDangerPastCooldownMarksMissedAndRenotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(datastore.NewMemory())

	require.NoError(t, f.machine.Process(ctx, fern, dry(t0)))
	require.NoError(t, f.machine.Process(ctx, fern, dry(t0.Add(61*time.Minute))))

	assert.Equal(t, 2, f.notifier.count())
	all := f.repo.Alerts("a")
	require.Len(t, all, 2)
	assert.Equal(t, data.AlertPending, all[0].Status)
	assert.Equal(t, "alert-2", all[0].ID)
	assert.Equal(t, data.AlertMissed, all[1].Status)
	assert.Nil(t, all[1].FulfilledAt)

	// A missed alert raises the mood by one step.
	assert.Equal(t, 4, f.notifier.calls[1].Mood.Severity)

	require.Len(t, f.observer.transitions, 3)
	assert.Equal(t, data.AlertPending, f.observer.transitions[1].From)
	assert.Equal(t, data.AlertMissed, f.observer.transitions[1].Alert.Status)
}

func TestHealthyReadingDoesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(datastore.NewMemory())

	require.NoError(t, f.machine.Process(ctx, fern, alerting.Reading{Moisture: data.Float(0.8), SensorAt: t0}))
	require.NoError(t, f.machine.Process(ctx, fern, alerting.Reading{SensorAt: t0}))

	assert.Zero(t, f.notifier.count())
	assert.Empty(t, f.repo.Alerts("a"))
	assert.Equal(t, []float64{0.8}, f.repo.MoistureHistory("a"))
}

func TestSpeciesRangeRaisesThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(datastore.NewMemory())
	thirsty := fern
	thirsty.IdealMoisture = "60-80%"

	require.NoError(t, f.machine.Process(ctx, thirsty, alerting.Reading{Moisture: data.Float(0.5), SensorAt: t0}))
	assert.Equal(t, 1, f.notifier.count())
}

func TestWateringReadingIsNotJudgedForDanger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(datastore.NewMemory())

	require.NoError(t, f.machine.Process(ctx, fern, alerting.Reading{Moisture: data.Float(0.01), SensorAt: t0, WateredAt: &t0}))
	assert.Zero(t, f.notifier.count())
	assert.Empty(t, f.repo.Alerts("a"))
}

func TestWateringWithoutPendingAlertOnlyRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(datastore.NewMemory())

	require.NoError(t, f.machine.Process(ctx, fern, alerting.Reading{SensorAt: t0, WateredAt: &t0}))
	assert.Empty(t, f.repo.Alerts("a"))
	last, err := f.repo.LastWatering(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, t0, *last)
}

func TestConcurrentDangerReadingsCreateOnePendingAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(datastore.NewMemory())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, f.machine.Process(ctx, fern, dry(t0.Add(time.Duration(i)*time.Second))))
		}(i)
	}
	wg.Wait()

	pending, err := f.repo.PendingAlerts(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, 1, f.notifier.count())
}

func TestDuplicatePendingAlertsAreCollapsed(t *testing.T) {
	ctx := context.Background()
	repo := datastore.NewMemory()
	require.NoError(t, repo.CreateAlert(ctx, data.AlertRecord{ID: "old", MemberID: "a", Status: data.AlertPending, TriggeredAt: t0.Add(-3 * time.Hour)}))
	require.NoError(t, repo.CreateAlert(ctx, data.AlertRecord{ID: "new", MemberID: "a", Status: data.AlertPending, TriggeredAt: t0.Add(-10 * time.Minute)}))
	f := newFixture(repo)

	require.NoError(t, f.machine.Process(ctx, fern, dry(t0)))

	pending, err := repo.PendingAlerts(ctx, "a")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "new", pending[0].ID, "newest pending survives and still gates the cooldown")
	assert.Zero(t, f.notifier.count())

	all := repo.Alerts("a")
	require.Len(t, all, 2)
	assert.Equal(t, data.AlertMissed, all[1].Status)
}

func TestNotifierFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(datastore.NewMemory())
	f.notifier.err = errors.New("sms gateway down")

	require.NoError(t, f.machine.Process(ctx, fern, dry(t0)))
	assert.Equal(t, 1, f.notifier.count())
	assert.Len(t, f.repo.Alerts("a"), 1)
}

func TestNotifierRunsAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(datastore.NewMemory())
	notified := make(chan error, 1)
	f.machine = alerting.NewMachine(alerting.Config{}, f.repo, anomaly.NewDetector(0), notifierFunc(func(nctx context.Context, _ alerting.Notification) error {
		notified <- nctx.Err()
		return nil
	}), nil, nil)

	cancel()
	require.NoError(t, f.machine.Process(ctx, fern, dry(t0)))
	assert.NoError(t, <-notified)
}

type notifierFunc func(context.Context, alerting.Notification) error

func (f notifierFunc) Notify(ctx context.Context, n alerting.Notification) error { return f(ctx, n) }

// failingRepo fails one operation on demand.
type failingRepo struct {
	*datastore.Memory
	failCreate bool
	failLoad   bool
}

var errDown = errors.New("connection refused")

func (r *failingRepo) CreateAlert(ctx context.Context, rec data.AlertRecord) error {
	if r.failCreate {
		return errDown
	}
	return r.Memory.CreateAlert(ctx, rec)
}

func (r *failingRepo) PendingAlerts(ctx context.Context, id string) ([]data.AlertRecord, error) {
	if r.failLoad {
		return nil, errDown
	}
	return r.Memory.PendingAlerts(ctx, id)
}

func TestDatastoreFailuresAreTransient(t *testing.T) {
	ctx := context.Background()

	repo := &failingRepo{Memory: datastore.NewMemory(), failCreate: true}
	f := newFixture(repo)
	err := f.machine.Process(ctx, fern, dry(t0))
	require.Error(t, err)
	assert.True(t, data.IsTransient(err))
	assert.ErrorIs(t, err, errDown)
	assert.Zero(t, f.notifier.count())

	repo = &failingRepo{Memory: datastore.NewMemory(), failLoad: true}
	f = newFixture(repo)
	watered := t0
	err = f.machine.Process(ctx, fern, alerting.Reading{SensorAt: t0, WateredAt: &watered})
	assert.True(t, data.IsTransient(err))
}
