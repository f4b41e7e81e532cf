package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cdcw/intake/internal/delivery"
	"github.com/cdcw/intake/internal/event"
)

// BudgetFetcher reads a guest's authoritative balance from the ledger.
type BudgetFetcher interface {
	FetchBudget(ctx context.Context, guestID string) (int, error)
}

// PendingLister lists events not yet delivered, oldest first.
type PendingLister interface {
	List(ctx context.Context) ([]event.Item, error)
}

// Reflector updates the cache after the ledger accepts an event.
type Reflector struct {
	cache             *Cache
	budgets           BudgetFetcher
	pending           PendingLister
	mirrorReplaceCard bool
}

// NewReflector creates a Reflector. A ledger balance is reduced by the
// purchases still in pending before it is cached; pending may be nil. When
// mirrorReplaceCard is false, delivered card replacements leave the cache
// untouched.
func NewReflector(cache *Cache, budgets BudgetFetcher, pending PendingLister, mirrorReplaceCard bool) *Reflector {
	return &Reflector{cache: cache, budgets: budgets, pending: pending, mirrorReplaceCard: mirrorReplaceCard}
}

// OnDelivered applies item's local effects. Guests missing from the cache
// are skipped.
func (r *Reflector) OnDelivered(ctx context.Context, item event.Item, resp *delivery.Response) error {
	switch p := item.Payload.(type) {
	case event.UpdateGuest:
		return r.reflectProfile(ctx, p)
	case event.ClothingPurchase:
		return r.reflectBudget(ctx, item.ID, p.GuestID, resp)
	case event.ReplaceCard:
		if !r.mirrorReplaceCard {
			return nil
		}
		err := r.cache.Alias(ctx, p.OldID, p.NewID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	default:
		return nil
	}
}

func (r *Reflector) reflectProfile(ctx context.Context, p event.UpdateGuest) error {
	g, err := r.cache.Get(ctx, p.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		g = Guest{ID: p.ID}
	case err != nil:
		return err
	}

	// Budget is owned by the ledger and only moves through clothing events.
	// Visits logged after this registration may already be cached; the
	// timestamp layout sorts lexically.
	g.Name = p.Name
	g.Programs = p.Programs
	if g.CreatedAt == "" {
		g.CreatedAt = p.CreatedAt
	}
	if p.LastVisit > g.LastVisit {
		g.LastVisit = p.LastVisit
	}
	return r.cache.Save(ctx, g)
}

func (r *Reflector) reflectBudget(ctx context.Context, deliveredID, guestID string, resp *delivery.Response) error {
	var (
		budget int
		source = "response"
	)
	if resp != nil && resp.Budget != nil {
		budget = *resp.Budget
	} else {
		if r.budgets == nil {
			return nil
		}
		fetched, err := r.budgets.FetchBudget(ctx, guestID)
		if err != nil {
			// The optimistic balance stays until the next refresh.
			return fmt.Errorf("refresh budget for %s: %w", guestID, err)
		}
		budget, source = fetched, "ledger"
	}

	lock := r.cache.BudgetLock()
	lock.Lock()
	defer lock.Unlock()

	held, err := PendingSpend(ctx, r.pending, guestID, deliveredID)
	if err != nil {
		return err
	}
	spendable := max(budget-held, 0)

	err = r.cache.UpdateBudget(ctx, guestID, spendable)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	slog.Debug("budget refreshed",
		"component", "guest",
		"guest_id", guestID,
		"felton_bucks", spendable,
		"ledger_budget", budget,
		"pending_spend", held,
		"source", source,
	)
	return nil
}

// PendingSpend sums the quantities of undelivered clothing purchases for
// guestID, skipping the item with id skipID. The ledger has not seen them, so
// they still have to come off any balance it reports. Call it with the
// budget lock held.
func PendingSpend(ctx context.Context, pending PendingLister, guestID, skipID string) (int, error) {
	if pending == nil {
		return 0, nil
	}
	items, err := pending.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending purchases: %w", err)
	}

	total := 0
	for _, it := range items {
		p, ok := it.Payload.(event.ClothingPurchase)
		if !ok || it.ID == skipID || !strings.EqualFold(p.GuestID, guestID) {
			continue
		}
		total += p.Quantity
	}
	return total, nil
}
