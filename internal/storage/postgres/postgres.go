// Package postgres implements storage.Store on a single Postgres table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/whatsapp-automation/broadcaster/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS broadcaster_kv (
    bucket     TEXT        NOT NULL,
    key        TEXT        NOT NULL,
    value      BYTEA       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (bucket, key)
)`

// Store implements storage.Store using Postgres.
type Store struct {
	db *sql.DB
}

// Open connects with the given DSN and ensures the table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool. The caller owns migrations.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create kv table: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM broadcaster_kv WHERE bucket=$1 AND key=$2`,
		bucket, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", bucket, key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, bucket, key string, value []byte) error {
	query := `
        INSERT INTO broadcaster_kv (bucket, key, value, updated_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (bucket, key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
    `
	if _, err := s.db.ExecContext(ctx, query, bucket, key, value); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM broadcaster_kv WHERE bucket=$1 AND key=$2`, bucket, key,
	); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, bucket string) ([]storage.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM broadcaster_kv WHERE bucket=$1 ORDER BY key`, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", bucket, err)
	}
	defer rows.Close()

	var items []storage.Item
	for rows.Next() {
		var it storage.Item
		if err := rows.Scan(&it.Key, &it.Value); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
