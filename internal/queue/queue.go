// Package queue implements the durable, strictly ordered sync queue.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cdcw/intake/internal/event"
)

var (
	// ErrPersistence wraps local storage failures. The in-memory view is only
	// changed after the write commits, so it never runs ahead of disk.
	ErrPersistence = errors.New("queue persistence failed")

	// ErrConsistency signals a broken queue invariant, such as removing an
	// item that is not the head. Under single-flight draining it indicates a
	// programming error.
	ErrConsistency = errors.New("queue consistency violated")

	// ErrDuplicateID is returned when an id is enqueued twice.
	ErrDuplicateID = errors.New("event id already queued")
)

// Store is an ordered, persisted list of pending events.
type Store interface {
	// Enqueue appends item to the tail. It returns only after the item is
	// durable.
	Enqueue(ctx context.Context, item event.Item) error
	// PeekHead returns the oldest item, or nil when the queue is empty.
	PeekHead(ctx context.Context) (*event.Item, error)
	// RemoveHead removes the head, which must have the given id.
	RemoveHead(ctx context.Context, id string) error
	// UpdateHead records a failed attempt on the head, which must have the
	// given id.
	UpdateHead(ctx context.Context, id string, retryCount int, lastError string, attemptAt time.Time) error
	// Len returns the number of pending items.
	Len() int
	// List returns a copy of all pending items in delivery order.
	List(ctx context.Context) ([]event.Item, error)
}
