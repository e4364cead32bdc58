package datastore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plantpod-gateway/internal/alerting"
	"plantpod-gateway/internal/catalog"
	"plantpod-gateway/internal/data"
)

var (
	_ alerting.Repository = (*Memory)(nil)
	_ alerting.Repository = (*SQLStore)(nil)
	_ catalog.Directory   = (*SQLStore)(nil)
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := Open(context.Background(), DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// repositories runs the same checks against every alert store.
func repositories(t *testing.T) map[string]alerting.Repository {
	return map[string]alerting.Repository{
		"memory": NewMemory(),
		"sqlite": openSQLite(t),
	}
}

func TestAlertLifecycleRoundTrip(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, id := range []string{"one", "two", "three"} {
				require.NoError(t, repo.CreateAlert(ctx, data.AlertRecord{
					ID: id, MemberID: "a", Status: data.AlertPending, TriggeredAt: t0.Add(time.Duration(i) * time.Hour),
				}))
			}
			require.NoError(t, repo.CreateAlert(ctx, data.AlertRecord{ID: "other", MemberID: "b", Status: data.AlertPending, TriggeredAt: t0}))

			pending, err := repo.PendingAlerts(ctx, "a")
			require.NoError(t, err)
			require.Len(t, pending, 3)
			assert.Equal(t, "three", pending[0].ID, "newest first")

			fulfilled := t0.Add(5 * time.Hour)
			require.NoError(t, repo.UpdateAlert(ctx, "one", data.AlertMissed, nil))
			require.NoError(t, repo.UpdateAlert(ctx, "three", data.AlertFulfilled, &fulfilled))

			recent, err := repo.RecentAlerts(ctx, "a", 5)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "two", recent[0].ID)
			assert.Equal(t, data.AlertMissed, recent[1].Status)
			assert.Nil(t, recent[1].FulfilledAt)

			limited, err := repo.RecentAlerts(ctx, "a", 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			err = repo.UpdateAlert(ctx, "missing", data.AlertMissed, nil)
			assert.ErrorIs(t, err, data.ErrNotFound)
		})
	}
}

func TestPendingTiesNewestCreatedFirst(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"first", "second", "third"} {
				require.NoError(t, repo.CreateAlert(ctx, data.AlertRecord{
					ID: id, MemberID: "a", Status: data.AlertPending, TriggeredAt: t0,
				}))
			}

			pending, err := repo.PendingAlerts(ctx, "a")
			require.NoError(t, err)
			require.Len(t, pending, 3)
			assert.Equal(t, []string{"third", "second", "first"}, []string{pending[0].ID, pending[1].ID, pending[2].ID})

			recent, err := repo.RecentAlerts(ctx, "a", 1)
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, "third", recent[0].ID)
		})
	}
}

func TestLastWatering(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			last, err := repo.LastWatering(ctx, "a")
			require.NoError(t, err)
			assert.Nil(t, last)

			require.NoError(t, repo.RecordMoisture(ctx, "a", 0.4, t0))
			require.NoError(t, repo.RecordWatering(ctx, "a", t0.Add(2*time.Hour)))
			require.NoError(t, repo.RecordWatering(ctx, "a", t0.Add(time.Hour)))

			last, err = repo.LastWatering(ctx, "a")
			require.NoError(t, err)
			require.NotNil(t, last)
			assert.True(t, t0.Add(2*time.Hour).Equal(*last))
		})
	}
}

func TestMemoryHistoryIsBounded(t *testing.T) {
	m := NewMemory()
	for i := 0; i < maxHistoryPerPlant+10; i++ {
		require.NoError(t, m.RecordMoisture(context.Background(), "a", float64(i), t0))
	}
	h := m.MoistureHistory("a")
	assert.Len(t, h, maxHistoryPerPlant)
	assert.Equal(t, 10.0, h[0])
}

func TestSQLCatalog(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	for _, m := range []data.Member{
		{ID: "a", GroupKey: "pod-1", OwnerID: "alice", Name: "Fern", IdealMoisture: "40-60%"},
		{ID: "b", GroupKey: "pod-1", OwnerID: "bob", Name: "Ivy"},
		{ID: "c", GroupKey: "pod-2", OwnerID: "alice", Name: "Palm"},
	} {
		require.NoError(t, s.UpsertPlant(ctx, m))
	}

	ids, err := s.AuthorizedMembers(ctx, "alice", "pod-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	m, err := s.Member(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "40-60%", m.IdealMoisture)

	_, err = s.Member(ctx, "zzz")
	assert.ErrorIs(t, err, data.ErrNotFound)

	previous, err := s.Assign(ctx, "alice", "pod-1", []string{"c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pod-2"}, previous)

	members, err := s.GroupMembers(ctx, "pod-1")
	require.NoError(t, err)
	assert.Len(t, members, 3)

	_, err = s.Assign(ctx, "alice", "pod-3", []string{"a", "b"})
	assert.ErrorIs(t, err, data.ErrNotFound)
	m, err = s.Member(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "pod-1", m.GroupKey, "a rejected assignment moves nothing")
}

func TestReseedKeepsAssignedPod(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "plantpod.db")
	seed := data.Member{ID: "fern-1", GroupKey: "pod-1", OwnerID: "alice", Name: "Fern"}

	s, err := Open(ctx, DriverSQLite, dsn)
	require.NoError(t, err)
	require.NoError(t, s.UpsertPlant(ctx, seed))
	_, err = s.Assign(ctx, "alice", "pod-2", []string{"fern-1"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, DriverSQLite, dsn)
	require.NoError(t, err)
	defer s.Close()
	seed.Name = "Boston Fern"
	require.NoError(t, s.UpsertPlant(ctx, seed))

	m, err := s.Member(ctx, "fern-1")
	require.NoError(t, err)
	assert.Equal(t, "pod-2", m.GroupKey)
	assert.Equal(t, "Boston Fern", m.Name)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	assert.Equal(t, "SELECT 1 FROM t WHERE a = $1 AND b IN ($2, $3)", pg.rebind("SELECT 1 FROM t WHERE a = ? AND b IN (?, ?)"))

	lite := &SQLStore{driver: DriverSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "x")
	assert.Error(t, err)
	_, err = Open(context.Background(), DriverSQLite, "")
	assert.Error(t, err)
}
