package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/deemix-relay/backend/internal/queue"
)

// SQLiteStore is a queue.Persistence keeping one row per item.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns every stored item ordered by position.
func (s *SQLiteStore) Load() ([]*queue.Item, error) {
	rows, err := s.db.Query(`SELECT uuid, url, bitrate, status, progress, error, position, restored, created_at
		FROM queue_items ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("querying queue: %w", err)
	}
	defer rows.Close()

	var items []*queue.Item
	for rows.Next() {
		var (
			it     queue.Item
			status string
		)
		if err := rows.Scan(&it.UUID, &it.URL, &it.Bitrate, &status, &it.Progress, &it.Error, &it.Position, &it.Restored, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning queue row: %w", err)
		}
		st, ok := queue.ParseStatus(status)
		if !ok {
			return nil, fmt.Errorf("item %s: unknown status %q", it.UUID, status)
		}
		it.Status = st
		items = append(items, &it)
	}
	return items, rows.Err()
}

// Save replaces the stored queue with items in a single transaction.
func (s *SQLiteStore) Save(items []*queue.Item) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM queue_items"); err != nil {
		return fmt.Errorf("clearing queue: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO queue_items
		(uuid, url, bitrate, status, progress, error, position, restored, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		created := it.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := stmt.Exec(it.UUID, it.URL, it.Bitrate, it.Status.String(), it.Progress, it.Error, it.Position, it.Restored, created); err != nil {
			return fmt.Errorf("inserting item %s: %w", it.UUID, err)
		}
	}
	return tx.Commit()
}
