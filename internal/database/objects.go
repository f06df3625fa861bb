package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TobiSchelling/PostPilot/internal/storage"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// ObjectStore is the SQLite implementation of storage.Store. Every write
// bumps the object's version, which CompareAndSwap checks.
type ObjectStore struct {
	db *DB
}

// Objects returns the object store view of the database.
func (db *DB) Objects() *ObjectStore {
	return &ObjectStore{db: db}
}

var _ storage.Store = (*ObjectStore)(nil)

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

// Get returns the object stored under key.
func (s *ObjectStore) Get(ctx context.Context, key string) (*storage.Object, error) {
	var obj storage.Object
	var updated string
	err := s.db.conn.QueryRowContext(ctx,
		"SELECT key, body, version, updated_at FROM objects WHERE key = ?", key,
	).Scan(&obj.Key, &obj.Body, &obj.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	obj.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &obj, nil
}

// List returns every key starting with prefix, sorted.
func (s *ObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		"SELECT key FROM objects WHERE substr(key, 1, length(?)) = ? ORDER BY key",
		prefix, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Put writes body under key unconditionally.
func (s *ObjectStore) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO objects (key, body, version, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			body = excluded.body,
			version = objects.version + 1,
			updated_at = excluded.updated_at`,
		key, body, now(),
	)
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent writes body only if key does not exist yet.
func (s *ObjectStore) PutIfAbsent(ctx context.Context, key string, body []byte) error {
	res, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO objects (key, body, version, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, body, now(),
	)
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", key, storage.ErrExists)
	}
	return nil
}

// CompareAndSwap replaces key only if it is still at version.
func (s *ObjectStore) CompareAndSwap(ctx context.Context, key string, version int64, body []byte) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE objects SET body = ?, version = version + 1, updated_at = ?
		WHERE key = ? AND version = ?`,
		body, now(), key, version,
	)
	if err != nil {
		return fmt.Errorf("updating %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.conn.QueryRowContext(ctx, "SELECT 1 FROM objects WHERE key = ?", key).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking %s: %w", key, err)
	}
	return fmt.Errorf("%s at version %d: %w", key, version, storage.ErrVersionMismatch)
}
