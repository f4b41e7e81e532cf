// Package intake is the station API used by the kiosk UI and the CLI. It
// records guest-services events locally and keeps them flowing to the
// ledger in order, online or not.
package intake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cdcw/intake/internal/config"
	"github.com/cdcw/intake/internal/delivery"
	"github.com/cdcw/intake/internal/engine"
	"github.com/cdcw/intake/internal/event"
	"github.com/cdcw/intake/internal/guest"
	"github.com/cdcw/intake/internal/queue"
	"github.com/cdcw/intake/internal/store"
)

var (
	// ErrInsufficientBudget is returned when a purchase exceeds the cached
	// Felton Bucks balance.
	ErrInsufficientBudget = errors.New("insufficient clothing budget")

	// ErrInvalidQuantity is returned for a purchase of fewer than one item.
	ErrInvalidQuantity = errors.New("quantity must be at least 1")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("station is closed")
)

// Aliases for the types callers handle.
type (
	Item     = event.Item
	Services = event.Services
	Programs = event.Programs
	Guest    = guest.Guest
	Stats    = guest.Stats
	Status   = engine.Status
)

// Profile is the guest data entered at registration.
type Profile struct {
	ID       string         `json:"id"`
	Name     *string        `json:"name,omitempty"`
	Programs event.Programs `json:"programs"`
}

// Station wires the queue, delivery client, engine and guest cache over one
// database. Open one per process.
type Station struct {
	db     *sql.DB
	queue  *queue.SQLiteStore
	client *delivery.Client
	guests *guest.Cache
	engine *engine.Engine
	mirror bool
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Open builds a Station from cfg. No drain starts until Resume or an
// enqueue.
func Open(ctx context.Context, cfg *config.Config) (*Station, error) {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open station database: %w", err)
	}

	q, err := queue.NewSQLiteStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load queue: %w", err)
	}

	client := delivery.NewClient(cfg.Ledger.URL,
		delivery.WithTimeout(cfg.Ledger.Timeout.Std()),
		delivery.WithToken(cfg.Ledger.Token),
	)
	guests := guest.NewCache(db)

	eng := engine.New(q, client,
		engine.WithReflector(guest.NewReflector(guests, client, q, cfg.Sync.MirrorReplaceCard)),
		engine.WithBackoff(engine.Backoff{
			Base: cfg.Sync.BackoffBase.Std(),
			Cap:  cfg.Sync.BackoffCap.Std(),
		}),
	)

	slog.Info("station opened",
		"component", "intake",
		"db_path", cfg.Database.Path,
		"pending", q.Len(),
	)

	return &Station{
		db:     db,
		queue:  q,
		client: client,
		guests: guests,
		engine: eng,
		mirror: cfg.Sync.MirrorReplaceCard,
		now:    time.Now,
	}, nil
}

func (s *Station) timestamp() string {
	return event.FormatTimestamp(s.now())
}

func (s *Station) enqueue(ctx context.Context, p event.Payload) (event.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return event.Item{}, ErrClosed
	}
	return s.engine.Enqueue(ctx, p)
}

// LogService queues a service visit for a carded guest.
func (s *Station) LogService(ctx context.Context, guestID string, services event.Services) (event.Item, error) {
	at := s.timestamp()
	item, err := s.enqueue(ctx, event.LogService{GuestID: guestID, Services: services, Timestamp: at})
	if err != nil {
		return event.Item{}, err
	}
	s.touch(ctx, guestID, at)
	return item, nil
}

// LogAnonymous queues meals served without a card.
func (s *Station) LogAnonymous(ctx context.Context, meals int) (event.Item, error) {
	return s.enqueue(ctx, event.AnonymousEntry{Meals: meals, Timestamp: s.timestamp()})
}

// RegisterGuest creates or updates a profile and queues it. An existing
// guest keeps its creation time and budget.
func (s *Station) RegisterGuest(ctx context.Context, p Profile) (event.Item, error) {
	at := s.timestamp()
	g := guest.Guest{ID: p.ID, CreatedAt: at}
	existing, err := s.guests.Get(ctx, p.ID)
	switch {
	case err == nil:
		g = existing
	case !errors.Is(err, guest.ErrNotFound):
		return event.Item{}, err
	}
	g.Name = p.Name
	g.Programs = p.Programs
	g.LastVisit = at

	item, err := s.enqueue(ctx, event.UpdateGuest{
		ID:        p.ID,
		Name:      p.Name,
		Programs:  p.Programs,
		CreatedAt: g.CreatedAt,
		LastVisit: at,
	})
	if err != nil {
		return event.Item{}, err
	}

	if err := s.guests.Save(ctx, g); err != nil {
		slog.Warn("cache registered guest",
			"component", "intake",
			"guest_id", p.ID,
			"error", err,
		)
	}
	return item, nil
}

// ReplaceCard queues a card replacement. With mirroring on, the new card
// resolves locally right away; without a cached profile the loss is still
// counted.
func (s *Station) ReplaceCard(ctx context.Context, oldID, newID string) (event.Item, error) {
	item, err := s.enqueue(ctx, event.ReplaceCard{OldID: oldID, NewID: newID})
	if err != nil {
		return event.Item{}, err
	}
	if !s.mirror {
		return item, nil
	}

	err = s.guests.Alias(ctx, oldID, newID)
	if errors.Is(err, guest.ErrNotFound) {
		err = s.guests.IncrementLostCards(ctx)
	}
	if err != nil {
		slog.Warn("mirror card replacement",
			"component", "intake",
			"old_id", oldID,
			"new_id", newID,
			"error", err,
		)
	}
	return item, nil
}

// PurchaseClothing spends quantity Felton Bucks. The cached balance drops
// immediately and is corrected from the ledger once the purchase is
// delivered.
func (s *Station) PurchaseClothing(ctx context.Context, guestID string, quantity int) (event.Item, int, error) {
	if quantity < 1 {
		return event.Item{}, 0, ErrInvalidQuantity
	}

	lock := s.guests.BudgetLock()
	lock.Lock()
	defer lock.Unlock()

	g, err := s.guests.Get(ctx, guestID)
	if err != nil {
		return event.Item{}, 0, err
	}
	if quantity > g.FeltonBucks {
		return event.Item{}, g.FeltonBucks, fmt.Errorf("%w: %d requested, %d available", ErrInsufficientBudget, quantity, g.FeltonBucks)
	}

	// Decrement before enqueueing: the delivery that follows may refresh the
	// balance from the ledger, and that value must win.
	remaining := g.FeltonBucks - quantity
	if err := s.guests.UpdateBudget(ctx, guestID, remaining); err != nil {
		return event.Item{}, g.FeltonBucks, err
	}

	at := s.timestamp()
	item, err := s.enqueue(ctx, event.ClothingPurchase{GuestID: guestID, Quantity: quantity, Timestamp: at})
	if err != nil {
		if restoreErr := s.guests.UpdateBudget(ctx, guestID, g.FeltonBucks); restoreErr != nil {
			slog.Warn("restore budget after failed purchase",
				"component", "intake",
				"guest_id", guestID,
				"error", restoreErr,
			)
		}
		return event.Item{}, g.FeltonBucks, err
	}

	s.touch(ctx, guestID, at)
	return item, remaining, nil
}

// RefreshBudget reads the balance from the ledger and caches what is left
// after purchases still in the queue. It needs the ledger to be reachable.
func (s *Station) RefreshBudget(ctx context.Context, guestID string) (int, error) {
	budget, err := s.client.FetchBudget(ctx, guestID)
	if err != nil {
		return 0, err
	}

	lock := s.guests.BudgetLock()
	lock.Lock()
	defer lock.Unlock()

	held, err := guest.PendingSpend(ctx, s.queue, guestID, "")
	if err != nil {
		return 0, err
	}
	spendable := max(budget-held, 0)
	if err := s.guests.UpdateBudget(ctx, guestID, spendable); err != nil && !errors.Is(err, guest.ErrNotFound) {
		return spendable, err
	}
	return spendable, nil
}

func (s *Station) touch(ctx context.Context, guestID, at string) {
	if err := s.guests.Touch(ctx, guestID, at); err != nil && !errors.Is(err, guest.ErrNotFound) {
		slog.Warn("record visit",
			"component", "intake",
			"guest_id", guestID,
			"error", err,
		)
	}
}

// SyncNow drains the queue in the calling goroutine.
func (s *Station) SyncNow(ctx context.Context) engine.Status {
	return s.engine.SyncNow(ctx)
}

// Trigger requests a background drain.
func (s *Station) Trigger(reason engine.Reason) bool {
	return s.engine.Trigger(reason)
}

// Foreground is called when the kiosk UI becomes active.
func (s *Station) Foreground() bool {
	return s.engine.Trigger(engine.ReasonForeground)
}

// Resume starts draining whatever survived the last run.
func (s *Station) Resume() bool {
	return s.engine.Trigger(engine.ReasonStartup)
}

// Status returns the sync status.
func (s *Station) Status() engine.Status {
	return s.engine.Status()
}

// Subscribe streams status changes until the returned func is called.
func (s *Station) Subscribe() (<-chan engine.Status, func()) {
	return s.engine.Subscribe()
}

// Items lists pending events in delivery order.
func (s *Station) Items(ctx context.Context) ([]event.Item, error) {
	return s.queue.List(ctx)
}

// Lookup returns a cached guest.
func (s *Station) Lookup(ctx context.Context, id string) (guest.Guest, error) {
	return s.guests.Get(ctx, id)
}

// Search filters cached guests.
func (s *Station) Search(ctx context.Context, q string) ([]guest.Guest, error) {
	return s.guests.Search(ctx, q)
}

// Stats returns the station counters.
func (s *Station) Stats(ctx context.Context) (guest.Stats, error) {
	return s.guests.Stats(ctx)
}

// Close stops the engine and closes the database. Pending events stay on
// disk for the next Open.
func (s *Station) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.engine.Close()
	return s.db.Close()
}
