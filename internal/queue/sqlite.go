package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cdcw/intake/internal/event"
)

// SQLiteStore keeps the queue in the sync_queue table and mirrors it in
// memory. Every mutation commits to SQLite before the mirror changes.
type SQLiteStore struct {
	db *sql.DB

	mu    sync.Mutex
	items []event.Item
}

// NewSQLiteStore loads the persisted queue from db.
//
// If any stored row cannot be decoded the whole persisted queue is discarded
// and the store starts empty. A partial queue would break ordering
// guarantees, and a queue that fails on every start would block the station.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}

	items, err := s.load(ctx)
	if err != nil {
		slog.Warn("persisted queue unreadable, resetting",
			"component", "queue",
			"error", err,
		)
		if _, execErr := db.ExecContext(ctx, "DELETE FROM sync_queue"); execErr != nil {
			return nil, fmt.Errorf("%w: reset queue: %v", ErrPersistence, execErr)
		}
		items = nil
	}

	s.items = items
	if len(items) > 0 {
		slog.Info("queue loaded",
			"component", "queue",
			"pending", len(items),
		)
	}
	return s, nil
}

func (s *SQLiteStore) load(ctx context.Context) ([]event.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, payload, created_at, retry_count, last_error, last_attempt_at
		FROM sync_queue
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var items []event.Item
	for rows.Next() {
		var (
			item                      event.Item
			action, payload, created  string
			lastError, lastAttemptRaw sql.NullString
		)
		if err := rows.Scan(&item.ID, &action, &payload, &created, &item.RetryCount, &lastError, &lastAttemptRaw); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		item.Action, err = event.ParseAction(action)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", item.ID, err)
		}
		item.Payload, err = event.Decode(item.Action, []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", item.ID, err)
		}
		item.Timestamp, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("row %s: created_at: %w", item.ID, err)
		}
		if lastError.Valid {
			item.LastError = lastError.String
		}
		if lastAttemptRaw.Valid {
			at, err := time.Parse(time.RFC3339Nano, lastAttemptRaw.String)
			if err != nil {
				return nil, fmt.Errorf("row %s: last_attempt_at: %w", item.ID, err)
			}
			item.LastAttemptAt = &at
		}

		items = append(items, item)
	}
	return items, rows.Err()
}

// Enqueue appends item to the tail of the queue.
func (s *SQLiteStore) Enqueue(ctx context.Context, item event.Item) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", event.ErrEncoding, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.items {
		if existing.ID == item.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateID, item.ID)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, action, payload, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?)
	`, item.ID, string(item.Action), string(payload), item.Timestamp.UTC().Format(time.RFC3339Nano), item.RetryCount)
	if err != nil {
		return fmt.Errorf("%w: insert %s: %v", ErrPersistence, item.ID, err)
	}

	s.items = append(s.items, item)
	return nil
}

// PeekHead returns a copy of the head item, or nil if the queue is empty.
func (s *SQLiteStore) PeekHead(ctx context.Context) (*event.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == 0 {
		return nil, nil
	}
	head := s.items[0]
	return &head, nil
}

// RemoveHead deletes the head item after confirmed delivery.
func (s *SQLiteStore) RemoveHead(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkHeadLocked(id); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrPersistence, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return fmt.Errorf("%w: head %s missing from disk", ErrConsistency, id)
	}

	s.items[0] = event.Item{}
	s.items = s.items[1:]
	return nil
}

// UpdateHead stores the outcome of a failed attempt on the head item.
func (s *SQLiteStore) UpdateHead(ctx context.Context, id string, retryCount int, lastError string, attemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkHeadLocked(id); err != nil {
		return err
	}

	attempt := attemptAt.UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET retry_count = ?, last_error = ?, last_attempt_at = ?
		WHERE id = ?
	`, retryCount, lastError, attempt.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("%w: update %s: %v", ErrPersistence, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return fmt.Errorf("%w: head %s missing from disk", ErrConsistency, id)
	}

	s.items[0].RetryCount = retryCount
	s.items[0].LastError = lastError
	s.items[0].LastAttemptAt = &attempt
	return nil
}

func (s *SQLiteStore) checkHeadLocked(id string) error {
	if len(s.items) == 0 {
		return fmt.Errorf("%w: queue is empty, expected head %s", ErrConsistency, id)
	}
	if s.items[0].ID != id {
		return fmt.Errorf("%w: head is %s, not %s", ErrConsistency, s.items[0].ID, id)
	}
	return nil
}

// Len returns the number of pending items.
func (s *SQLiteStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// List returns all pending items in delivery order.
func (s *SQLiteStore) List(ctx context.Context) ([]event.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]event.Item, len(s.items))
	copy(out, s.items)
	return out, nil
}
