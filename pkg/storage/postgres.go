package storage

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresStore is the relational backend: a single KV table plus a lock
// table, both with an indexed expiry column swept by Tick. CompareAndPut is
// a single conditional UPDATE (or INSERT ... ON CONFLICT DO NOTHING for the
// absent case), so the compare and the write commit atomically.
type PostgresStore struct {
	db *stdsql.DB
}

// NewPostgresStore opens the database, applies embedded migrations and
// verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// runMigrations applies the embedded schema with golang-migrate. The files
// are compiled into the binary so deployments need no external migration dir.
func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migrate driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "masc", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// Close only the source driver; m.Close() would also close the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM masc_kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&value)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, Transient("pg.get", err)
	}
	return value, true, nil
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO masc_kv (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expires,
	)
	if err != nil {
		return Transient("pg.put", err)
	}
	return nil
}

// CompareAndPut implements Store.
func (s *PostgresStore) CompareAndPut(ctx context.Context, key string, expected, value []byte) (bool, error) {
	if expected == nil {
		// An expired-but-present row counts as absent; take it over.
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO masc_kv (key, value, expires_at) VALUES ($1, $2, NULL)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = NULL
			 WHERE masc_kv.expires_at IS NOT NULL AND masc_kv.expires_at <= now()`,
			key, value,
		)
		if err != nil {
			return false, Transient("pg.cas", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, Transient("pg.cas", err)
		}
		return n > 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE masc_kv SET value = $2
		 WHERE key = $1 AND value = $3 AND (expires_at IS NULL OR expires_at > now())`,
		key, value, expected,
	)
	if err != nil {
		return false, Transient("pg.cas", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Transient("pg.cas", err)
	}
	return n > 0, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM masc_kv WHERE key = $1`, key); err != nil {
		return Transient("pg.delete", err)
	}
	return nil
}

// Scan implements Store.
func (s *PostgresStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM masc_kv
		 WHERE starts_with(key, $1) AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY key ASC`,
		prefix,
	)
	if err != nil {
		return nil, Transient("pg.scan", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, Transient("pg.scan", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, Transient("pg.scan", err)
	}
	return entries, nil
}

// Lock implements Store. A single upsert handles acquire, re-entrant refresh
// by the current owner, and reclaim of an expired lock.
func (s *PostgresStore) Lock(ctx context.Context, name, owner string, ttl time.Duration) (LockResult, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO masc_locks (name, owner, acquired_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE
		 SET owner = EXCLUDED.owner, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		 WHERE masc_locks.expires_at <= now() OR masc_locks.owner = EXCLUDED.owner`,
		name, owner, now, now.Add(ttl),
	)
	if err != nil {
		return LockResult{}, Transient("pg.lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return LockResult{}, Transient("pg.lock", err)
	}
	if n > 0 {
		return LockResult{Acquired: true}, nil
	}
	var heldBy string
	err = s.db.QueryRowContext(ctx, `SELECT owner FROM masc_locks WHERE name = $1`, name).Scan(&heldBy)
	if errors.Is(err, stdsql.ErrNoRows) {
		return LockResult{Acquired: false}, nil
	}
	if err != nil {
		return LockResult{}, Transient("pg.lock", err)
	}
	return LockResult{Acquired: false, HeldBy: heldBy}, nil
}

// Unlock implements Store.
func (s *PostgresStore) Unlock(ctx context.Context, name, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM masc_locks WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return Transient("pg.unlock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Transient("pg.unlock", err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Tick sweeps expired rows. Reads already filter on expires_at, so this only
// reclaims space.
func (s *PostgresStore) Tick(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM masc_kv WHERE expires_at IS NOT NULL AND expires_at <= now()`); err != nil {
		return Transient("pg.tick", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM masc_locks WHERE expires_at <= now()`); err != nil {
		return Transient("pg.tick", err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error { return s.db.Close() }
