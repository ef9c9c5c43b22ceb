// Package cachestats persists long-running activity counters for the
// segment cache and migration engine — reads served, cache hits/misses,
// migrations run, and bytes saved by dedup — in a small SQLite database,
// and mirrors the same counters as Prometheus counters for scraping.
//
// This is an observability addition layered on top of the core tiering
// path: mattn/go-sqlite3 and pressly/goose give activity stats a durable
// home rather than letting them live only in the in-memory index/cache.
package cachestats

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a small counter table backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the counter database at path and
// applies any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("cachestats: open %s: %w", path, err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("cachestats: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("cachestats: migrate %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Incr adds delta to the named counter.
func (s *Store) Incr(ctx context.Context, name string, delta int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE counters SET value = value + ? WHERE name = ?`, delta, name)
	if err != nil {
		return fmt.Errorf("cachestats: incr %s: %w", name, err)
	}
	return nil
}

// Snapshot returns every counter's current value.
func (s *Store) Snapshot(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM counters`)
	if err != nil {
		return nil, fmt.Errorf("cachestats: snapshot: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("cachestats: scan: %w", err)
		}
		out[name] = value
	}
	return out, rows.Err()
}

// Known counter names.
const (
	CounterReads          = "reads"
	CounterCacheHits      = "cache_hits"
	CounterCacheMisses    = "cache_misses"
	CounterMigrations     = "migrations"
	CounterUnlinks        = "unlinks"
	CounterBytesMigrated  = "bytes_migrated"
	CounterBytesDeduped   = "bytes_deduped"
)
