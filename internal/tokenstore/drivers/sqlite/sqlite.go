// Package sqlite is the durable token backend backed by a single sqlite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Backend struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at dsn and applies migrations.
// Use ":memory:" for a throwaway database.
func Open(dsn string) (*Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	b := &Backend{db: db, now: time.Now}
	if err := b.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) Close() error { return b.db.Close() }

// Ping verifies the database connection is still alive.
func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *Backend) Load(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := `SELECT key, value FROM token_entries WHERE key IN (` +
		strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",") + `)`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (b *Backend) Store(ctx context.Context, entries map[string]string, expiresAt time.Time) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		var exp sql.NullInt64
		if !expiresAt.IsZero() {
			exp = sql.NullInt64{Int64: expiresAt.UnixMilli(), Valid: true}
		}
		updated := b.now().UnixMilli()

		for k, v := range entries {
			if v == "" {
				if _, err := tx.ExecContext(ctx, `DELETE FROM token_entries WHERE key = ?`, k); err != nil {
					return err
				}
				continue
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO token_entries (key, value, expires_at, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET
					value = excluded.value,
					expires_at = excluded.expires_at,
					updated_at = excluded.updated_at`,
				k, v, exp, updated,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) Remove(ctx context.Context, keys ...string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, `DELETE FROM token_entries WHERE key = ?`, k); err != nil {
				return err
			}
		}
		return nil
	})
}

// withTx executes fn within a transaction, automatically handling commit/rollback.
func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	// Safe to call even after commit
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
