package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"geoattend/internal/geofence"
)

// LocalCache is the agent's warm-start state: cached site parameters and
// the last known fix, kept in SQLite across restarts.
type LocalCache struct {
	db *sql.DB
}

func OpenLocalCache(path string) (*LocalCache, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}
	if err := migrateCache(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache: %w", err)
	}
	return &LocalCache{db: db}, nil
}

func migrateCache(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sites (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL DEFAULT '',
		latitude      REAL NOT NULL,
		longitude     REAL NOT NULL,
		radius_meters REAL NOT NULL DEFAULT 100,
		updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS last_fix (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		latitude   REAL NOT NULL,
		longitude  REAL NOT NULL,
		accuracy   REAL NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (c *LocalCache) Close() error { return c.db.Close() }

func (c *LocalCache) PutSite(ctx context.Context, s geofence.Site) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sites (id, name, latitude, longitude, radius_meters, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, latitude = excluded.latitude, longitude = excluded.longitude,
			radius_meters = excluded.radius_meters, updated_at = excluded.updated_at`,
		s.ID, s.Name, s.Latitude, s.Longitude, s.Radius(), time.Now().UTC())
	return err
}

func (c *LocalCache) Site(ctx context.Context, id string) (geofence.Site, error) {
	s := geofence.Site{ID: id}
	err := c.db.QueryRowContext(ctx,
		`SELECT name, latitude, longitude, radius_meters FROM sites WHERE id = ?`, id).
		Scan(&s.Name, &s.Latitude, &s.Longitude, &s.RadiusMeters)
	if errors.Is(err, sql.ErrNoRows) {
		return geofence.Site{}, ErrNotFound
	}
	return s, err
}

// PutFix remembers an available fix; unavailable fixes are ignored.
func (c *LocalCache) PutFix(ctx context.Context, f geofence.Fix) error {
	if !f.Available {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO last_fix (id, latitude, longitude, accuracy, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			latitude = excluded.latitude, longitude = excluded.longitude,
			accuracy = excluded.accuracy, updated_at = excluded.updated_at`,
		f.Latitude, f.Longitude, f.Accuracy, time.Now().UTC())
	return err
}

// LastFix returns nil when no fix was ever stored.
func (c *LocalCache) LastFix(ctx context.Context) (*geofence.Fix, error) {
	f := geofence.Fix{Available: true}
	err := c.db.QueryRowContext(ctx,
		`SELECT latitude, longitude, accuracy FROM last_fix WHERE id = 1`).
		Scan(&f.Latitude, &f.Longitude, &f.Accuracy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}
