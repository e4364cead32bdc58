package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"plantpod-gateway/internal/data"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	kindMoisture = "MOISTURE"
	kindWatering = "WATERING"
)

// SQLStore keeps plants, reading history and watering alerts in Postgres or SQLite.
// It serves both the alert repository and the catalog directory.
type SQLStore struct {
	db     *sql.DB
	driver string

	seqMu   sync.Mutex
	lastSeq int64
}

// Open connects with the given driver and creates the schema if needed.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported datastore driver %q", driver)
	}
	if dsn == "" {
		return nil, errors.New("datastore dsn is required")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection keeps an in-memory database alive and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS plants (
			id TEXT PRIMARY KEY,
			pod_id TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			contact TEXT NOT NULL DEFAULT '',
			ideal_moisture TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS plants_pod ON plants (pod_id, owner_id)`,
		`CREATE TABLE IF NOT EXISTS plant_telemetry (
			id TEXT PRIMARY KEY,
			plant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			moisture DOUBLE PRECISION,
			sensor_ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS plant_telemetry_lookup ON plant_telemetry (plant_id, kind, sensor_ts)`,
		`CREATE TABLE IF NOT EXISTS watering_alerts (
			id TEXT PRIMARY KEY,
			plant_id TEXT NOT NULL,
			status TEXT NOT NULL,
			triggered_at BIGINT NOT NULL,
			fulfilled_at BIGINT,
			created_seq BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS watering_alerts_lookup ON watering_alerts (plant_id, status, triggered_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $1, $2... for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) RecordMoisture(ctx context.Context, memberID string, moisture float64, at time.Time) error {
	_, err := s.exec(ctx,
		`INSERT INTO plant_telemetry (id, plant_id, kind, moisture, sensor_ts) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), memberID, kindMoisture, moisture, at.UnixMilli())
	return err
}

func (s *SQLStore) RecordWatering(ctx context.Context, memberID string, at time.Time) error {
	_, err := s.exec(ctx,
		`INSERT INTO plant_telemetry (id, plant_id, kind, moisture, sensor_ts) VALUES (?, ?, ?, NULL, ?)`,
		uuid.NewString(), memberID, kindWatering, at.UnixMilli())
	return err
}

func (s *SQLStore) LastWatering(ctx context.Context, memberID string) (*time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT MAX(sensor_ts) FROM plant_telemetry WHERE plant_id = ? AND kind = ?`),
		memberID, kindWatering).Scan(&ms)
	if err != nil {
		return nil, err
	}
	if !ms.Valid {
		return nil, nil
	}
	at := time.UnixMilli(ms.Int64).UTC()
	return &at, nil
}

func (s *SQLStore) PendingAlerts(ctx context.Context, memberID string) ([]data.AlertRecord, error) {
	return s.alerts(ctx,
		`SELECT id, plant_id, status, triggered_at, fulfilled_at FROM watering_alerts
		 WHERE plant_id = ? AND status = ? ORDER BY triggered_at DESC, created_seq DESC`,
		memberID, string(data.AlertPending))
}

func (s *SQLStore) RecentAlerts(ctx context.Context, memberID string, limit int) ([]data.AlertRecord, error) {
	return s.alerts(ctx,
		`SELECT id, plant_id, status, triggered_at, fulfilled_at FROM watering_alerts
		 WHERE plant_id = ? AND status IN (?, ?) ORDER BY triggered_at DESC, created_seq DESC LIMIT ?`,
		memberID, string(data.AlertPending), string(data.AlertMissed), limit)
}

func (s *SQLStore) CreateAlert(ctx context.Context, rec data.AlertRecord) error {
	_, err := s.exec(ctx,
		`INSERT INTO watering_alerts (id, plant_id, status, triggered_at, fulfilled_at, created_seq) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.MemberID, string(rec.Status), rec.TriggeredAt.UnixMilli(), nullMillis(rec.FulfilledAt), s.nextSeq())
	return err
}

// nextSeq orders alerts by creation when their trigger times tie. It follows the wall
// clock so it keeps increasing across restarts, and never repeats within a process.
func (s *SQLStore) nextSeq() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *SQLStore) UpdateAlert(ctx context.Context, id string, status data.AlertStatus, fulfilledAt *time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE watering_alerts SET status = ?, fulfilled_at = COALESCE(?, fulfilled_at) WHERE id = ?`,
		string(status), nullMillis(fulfilledAt), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return data.NotFound("alert", id)
	}
	return nil
}

func (s *SQLStore) alerts(ctx context.Context, query string, args ...any) ([]data.AlertRecord, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []data.AlertRecord
	for rows.Next() {
		var (
			rec       data.AlertRecord
			status    string
			triggered int64
			fulfilled sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.MemberID, &status, &triggered, &fulfilled); err != nil {
			return nil, err
		}
		rec.Status = data.AlertStatus(status)
		rec.TriggeredAt = time.UnixMilli(triggered).UTC()
		if fulfilled.Valid {
			at := time.UnixMilli(fulfilled.Int64).UTC()
			rec.FulfilledAt = &at
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertPlant writes catalog metadata for a plant. An existing plant keeps its pod: the
// seed only places new plants, and pod moves belong to Assign.
func (s *SQLStore) UpsertPlant(ctx context.Context, m data.Member) error {
	_, err := s.exec(ctx,
		`INSERT INTO plants (id, pod_id, owner_id, name, contact, ideal_moisture) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id,
		 name = excluded.name, contact = excluded.contact, ideal_moisture = excluded.ideal_moisture`,
		m.ID, m.GroupKey, m.OwnerID, m.Name, m.Contact, m.IdealMoisture)
	return err
}

func (s *SQLStore) AuthorizedMembers(ctx context.Context, ownerID, groupKey string) ([]string, error) {
	rows, err := s.query(ctx, `SELECT id FROM plants WHERE owner_id = ? AND pod_id = ? ORDER BY id`, ownerID, groupKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) GroupMembers(ctx context.Context, groupKey string) ([]data.Member, error) {
	return s.members(ctx, `SELECT id, pod_id, owner_id, name, contact, ideal_moisture FROM plants WHERE pod_id = ? ORDER BY id`, groupKey)
}

func (s *SQLStore) Member(ctx context.Context, memberID string) (data.Member, error) {
	ms, err := s.members(ctx, `SELECT id, pod_id, owner_id, name, contact, ideal_moisture FROM plants WHERE id = ?`, memberID)
	if err != nil {
		return data.Member{}, err
	}
	if len(ms) == 0 {
		return data.Member{}, data.NotFound("plant", memberID)
	}
	return ms[0], nil
}

// Assign moves the owner's plants into groupKey in one transaction and returns the pods they left.
func (s *SQLStore) Assign(ctx context.Context, ownerID, groupKey string, memberIDs []string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	left := map[string]struct{}{}
	for _, id := range memberIDs {
		var owner, pod string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT owner_id, pod_id FROM plants WHERE id = ?`), id).Scan(&owner, &pod)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != ownerID) {
			return nil, data.NotFound("plant", id)
		}
		if err != nil {
			return nil, err
		}
		if pod != "" && pod != groupKey {
			left[pod] = struct{}{}
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE plants SET pod_id = ? WHERE id = ?`), groupKey, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	previous := make([]string, 0, len(left))
	for k := range left {
		previous = append(previous, k)
	}
	sort.Strings(previous)
	return previous, nil
}

func (s *SQLStore) members(ctx context.Context, query string, args ...any) ([]data.Member, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []data.Member
	for rows.Next() {
		var m data.Member
		if err := rows.Scan(&m.ID, &m.GroupKey, &m.OwnerID, &m.Name, &m.Contact, &m.IdealMoisture); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
