package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	apperrors "github.com/odvcencio/threadline/pkg/errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: not found")

// KV is the key-value surface the rest of threadline persists through.
type KV interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	List(ctx context.Context, namespace string) ([]Entry, error)
}

// Entry is one stored value.
type Entry struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

var _ KV = (*Store)(nil)

// Get returns the value stored under namespace/key.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "read key").
			WithContext("namespace", namespace).WithContext("key", key)
	}
	return value, nil
}

// Put upserts value under namespace/key.
func (s *Store) Put(ctx context.Context, namespace, key string, value []byte) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	key = strings.TrimSpace(key)
	if namespace == "" || key == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "namespace and key are required")
	}
	now := time.Now().UTC()
	err := withBusyRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv (namespace, key, value, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, namespace, key, value, now, now)
		return err
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "write key").
			WithContext("namespace", namespace).WithContext("key", key).
			WithRetryable(isBusyError(err))
	}
	s.notify(newEvent(EventKeyPut, namespace, key, len(value)))
	return nil
}

// Delete removes namespace/key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	var affected int64
	err := withBusyRetry(func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "delete key").
			WithContext("namespace", namespace).WithContext("key", key)
	}
	if affected > 0 {
		s.notify(newEvent(EventKeyDeleted, namespace, key, 0))
	}
	return nil
}

// List returns every entry of namespace, most recently updated first.
func (s *Store) List(ctx context.Context, namespace string) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, updated_at FROM kv
		WHERE namespace = ?
		ORDER BY updated_at DESC, key ASC
	`, namespace)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "list keys").
			WithContext("namespace", namespace)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "scan key")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "list keys")
	}
	return entries, nil
}
