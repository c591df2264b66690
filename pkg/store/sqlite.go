// Package store persists threshold history that an entity drops from memory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/threshold"
)

var _ threshold.HistoryStore = (*SQLiteStore)(nil)

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS score_windows (
    id          TEXT PRIMARY KEY,
    gateway     TEXT NOT NULL,
    service     TEXT NOT NULL,
    start_at    INTEGER NOT NULL,
    end_at      INTEGER NOT NULL,
    points      INTEGER NOT NULL,
    saved_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_score_windows_entity ON score_windows(gateway, service, start_at);

CREATE TABLE IF NOT EXISTS score_history (
    window_id   TEXT NOT NULL REFERENCES score_windows(id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    at          INTEGER NOT NULL,
    score       REAL NOT NULL,
    PRIMARY KEY (window_id, seq)
);
`,
	},
}

// Window describes one saved block of score history.
type Window struct {
	ID      string
	Entity  detectors.EntityID
	Start   time.Time
	End     time.Time
	Points  int
	SavedAt time.Time
}

// SQLiteStore keeps score history in a SQLite database shared by every
// entity of a process.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLite opens (or creates) the database at path and applies migrations.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// One writer; WAL lets readers proceed.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  INTEGER NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version, applied_at) VALUES(?, ?)`, m.version, time.Now().UnixNano()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// SaveHistory stores points as one window keyed by a fresh ID.
func (s *SQLiteStore) SaveHistory(ctx context.Context, entity detectors.EntityID, start, end time.Time, points []detectors.ScoredPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := saveWindow(ctx, tx, uuid.NewString(), entity, start, end, points); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

func saveWindow(ctx context.Context, tx *sql.Tx, id string, entity detectors.EntityID, start, end time.Time, points []detectors.ScoredPoint) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO score_windows (id, gateway, service, start_at, end_at, points, saved_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, entity.Gateway, entity.Service, start.UnixNano(), end.UnixNano(), len(points), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert window: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO score_history (window_id, seq, at, score) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare history insert: %w", err)
	}
	defer stmt.Close()

	for i, p := range points {
		if _, err := stmt.ExecContext(ctx, id, i, p.Time.UnixNano(), p.Score); err != nil {
			return fmt.Errorf("insert history point %d: %w", i, err)
		}
	}
	return nil
}

// Windows lists the saved windows of entity, oldest first.
func (s *SQLiteStore) Windows(ctx context.Context, entity detectors.EntityID) ([]Window, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, start_at, end_at, points, saved_at FROM score_windows
         WHERE gateway = ? AND service = ? ORDER BY start_at ASC`,
		entity.Gateway, entity.Service,
	)
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		w := Window{Entity: entity}
		var start, end, saved int64
		if err := rows.Scan(&w.ID, &start, &end, &w.Points, &saved); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		w.Start = time.Unix(0, start).UTC()
		w.End = time.Unix(0, end).UTC()
		w.SavedAt = time.Unix(0, saved).UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

// History returns the points of one saved window in their original order.
func (s *SQLiteStore) History(ctx context.Context, windowID string) ([]detectors.ScoredPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, score FROM score_history WHERE window_id = ? ORDER BY seq ASC`, windowID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []detectors.ScoredPoint
	for rows.Next() {
		var at int64
		var p detectors.ScoredPoint
		if err := rows.Scan(&at, &p.Score); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		p.Time = time.Unix(0, at).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
