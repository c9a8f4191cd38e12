// Package store keeps the last episode listing fetched from a source in
// sqlite so pages can still be generated while the source is unavailable.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"podcastr/internal/episode"
	"podcastr/internal/models"
)

// schemaVersion is bumped whenever the episodes table changes shape. The
// table only holds a copy of upstream data, so older versions are dropped.
const schemaVersion = 2

// published_unix holds published_at as UTC unix nanoseconds, or NULL when the
// source value is not a timestamp. Listings sort on it.
const schema = `
CREATE TABLE IF NOT EXISTS episodes (
	id             TEXT PRIMARY KEY,
	published_at   TEXT NOT NULL,
	published_unix INTEGER,
	payload        TEXT NOT NULL,
	saved_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_episodes_published_unix ON episodes(published_unix);
`

// Zone-less timestamps are read as UTC.
var publishedDates episode.DateFormatter

// Store persists raw episode records.
type Store struct {
	db *sql.DB
}

// Open opens (creating when needed) the sqlite database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping snapshot db: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate snapshot db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version < schemaVersion {
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS episodes"); err != nil {
			return err
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

func publishedUnix(value string) sql.NullInt64 {
	t, err := publishedDates.Parse(value)
	if err != nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts episodes in a single transaction.
func (s *Store) Save(ctx context.Context, episodes []models.RawEpisode) (err error) {
	if len(episodes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO episodes (id, published_at, published_unix, payload, saved_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET published_at = excluded.published_at, published_unix = excluded.published_unix,
			payload = excluded.payload, saved_at = excluded.saved_at`)
	if err != nil {
		return fmt.Errorf("prepare snapshot upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, ep := range episodes {
		if ep.ID == "" {
			continue
		}
		payload, err := json.Marshal(ep)
		if err != nil {
			return fmt.Errorf("encode episode %s: %w", ep.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, ep.ID, ep.PublishedAt, publishedUnix(ep.PublishedAt), string(payload), now); err != nil {
			return fmt.Errorf("save episode %s: %w", ep.ID, err)
		}
	}
	return nil
}

// List returns stored episodes ordered by params. Only the published_at and
// title sort fields are supported; anything else falls back to published_at.
// Records whose published_at is not a timestamp sort before the rest in
// ascending order and after them in descending order.
func (s *Store) List(ctx context.Context, params models.ListParams) ([]models.RawEpisode, error) {
	order := "ASC"
	if params.Descending() {
		order = "DESC"
	}
	column := "published_unix"
	if params.Sort == models.SortTitle {
		column = "json_extract(payload, '$.title')"
	}

	query := fmt.Sprintf("SELECT payload FROM episodes ORDER BY %s %s, id %s", column, order, order)
	args := []any{}
	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	var episodes []models.RawEpisode
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var ep models.RawEpisode
		if err := json.Unmarshal([]byte(payload), &ep); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

// Get returns the stored episode with id.
func (s *Store) Get(ctx context.Context, id string) (models.RawEpisode, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM episodes WHERE id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RawEpisode{}, fmt.Errorf("snapshot episode %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.RawEpisode{}, fmt.Errorf("query snapshot episode %s: %w", id, err)
	}

	var ep models.RawEpisode
	if err := json.Unmarshal([]byte(payload), &ep); err != nil {
		return models.RawEpisode{}, fmt.Errorf("decode snapshot episode %s: %w", id, err)
	}
	return ep, nil
}
