// Package guest keeps the station's local copy of guest profiles and budgets
// and reflects delivered events back into it.
package guest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cdcw/intake/internal/event"
)

// ErrNotFound is returned when no cached guest has the requested id.
var ErrNotFound = errors.New("guest not found")

const lostCardsKey = "lost_cards"

// Guest is a cached profile. Timestamps keep the ledger's ISO string form.
type Guest struct {
	ID          string         `json:"id"`
	Name        *string        `json:"name,omitempty"`
	Programs    event.Programs `json:"programs"`
	FeltonBucks int            `json:"feltonBucks"`
	CreatedAt   string         `json:"createdAt"`
	LastVisit   string         `json:"lastVisit"`
	// AliasOf is set on a replacement card and names the card it replaced.
	AliasOf string `json:"aliasOf,omitempty"`
}

// DisplayName returns the name, or "Anonymous" for unnamed guests.
func (g Guest) DisplayName() string {
	if g.Name == nil || *g.Name == "" {
		return "Anonymous"
	}
	return *g.Name
}

// Stats are the station counters shown on the home screen.
type Stats struct {
	UniqueGuests int `json:"uniqueGuests"`
	LostCards    int `json:"lostCards"`
}

// Cache stores guests in the station database.
type Cache struct {
	db *sql.DB

	// budgetMu guards read-modify-write of a cached balance together with
	// the queue of pending purchases.
	budgetMu sync.Mutex
}

// NewCache creates a Cache over an opened station database.
func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db}
}

const guestColumns = `id, name, healthcare, seasonal_night, sustainability, felton_bucks, created_at, last_visit, alias_of`

const upsertGuest = `
	INSERT INTO guests (` + guestColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		healthcare = excluded.healthcare,
		seasonal_night = excluded.seasonal_night,
		sustainability = excluded.sustainability,
		felton_bucks = excluded.felton_bucks,
		created_at = excluded.created_at,
		last_visit = excluded.last_visit,
		alias_of = excluded.alias_of
`

type scanner interface {
	Scan(dest ...any) error
}

func scanGuest(row scanner) (Guest, error) {
	var (
		g       Guest
		name    sql.NullString
		aliasOf sql.NullString
	)
	err := row.Scan(&g.ID, &name, &g.Programs.Healthcare, &g.Programs.SeasonalNight,
		&g.Programs.Sustainability, &g.FeltonBucks, &g.CreatedAt, &g.LastVisit, &aliasOf)
	if err != nil {
		return Guest{}, err
	}
	if name.Valid {
		n := name.String
		g.Name = &n
	}
	g.AliasOf = aliasOf.String
	return g, nil
}

// Get returns the cached guest with id.
func (c *Cache) Get(ctx context.Context, id string) (Guest, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+guestColumns+` FROM guests WHERE id = ?`, strings.ToLower(id))
	g, err := scanGuest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Guest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Guest{}, fmt.Errorf("get guest %s: %w", id, err)
	}
	return g, nil
}

// BudgetLock returns the lock held while a balance is checked and changed.
// Holders also see a stable set of pending purchases.
func (c *Cache) BudgetLock() sync.Locker {
	return &c.budgetMu
}

// Save inserts or overwrites g.
func (c *Cache) Save(ctx context.Context, g Guest) error {
	_, err := c.db.ExecContext(ctx, upsertGuest, guestArgs(g)...)
	if err != nil {
		return fmt.Errorf("save guest %s: %w", g.ID, err)
	}
	return nil
}

func guestArgs(g Guest) []any {
	var name, aliasOf any
	if g.Name != nil {
		name = *g.Name
	}
	if g.AliasOf != "" {
		aliasOf = strings.ToLower(g.AliasOf)
	}
	return []any{
		strings.ToLower(g.ID), name,
		g.Programs.Healthcare, g.Programs.SeasonalNight, g.Programs.Sustainability,
		g.FeltonBucks, g.CreatedAt, g.LastVisit, aliasOf,
	}
}

// UpdateBudget sets a guest's Felton Bucks balance.
func (c *Cache) UpdateBudget(ctx context.Context, id string, bucks int) error {
	return c.updateOne(ctx, id, "UPDATE guests SET felton_bucks = ? WHERE id = ?", bucks)
}

// Touch records a visit.
func (c *Cache) Touch(ctx context.Context, id, lastVisit string) error {
	return c.updateOne(ctx, id, "UPDATE guests SET last_visit = ? WHERE id = ?", lastVisit)
}

func (c *Cache) updateOne(ctx context.Context, id, query string, value any) error {
	res, err := c.db.ExecContext(ctx, query, value, strings.ToLower(id))
	if err != nil {
		return fmt.Errorf("update guest %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Alias makes newID resolve to a copy of oldID's profile and counts a lost
// card. The old id keeps working. Repeating an alias that already exists is
// a no-op, so the counter moves once per replacement.
func (c *Cache) Alias(ctx context.Context, oldID, newID string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("alias %s: %w", newID, err)
	}
	defer tx.Rollback()

	old, err := scanGuest(tx.QueryRowContext(ctx, `SELECT `+guestColumns+` FROM guests WHERE id = ?`, strings.ToLower(oldID)))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, oldID)
	}
	if err != nil {
		return fmt.Errorf("alias %s: %w", newID, err)
	}

	var existing sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT alias_of FROM guests WHERE id = ?`, strings.ToLower(newID)).Scan(&existing)
	if err == nil && existing.String == strings.ToLower(oldID) {
		return nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("alias %s: %w", newID, err)
	}

	alias := old
	alias.ID = newID
	alias.AliasOf = oldID
	_, err = tx.ExecContext(ctx, upsertGuest, guestArgs(alias)...)
	if err != nil {
		return fmt.Errorf("alias %s: %w", newID, err)
	}
	if err := incrementLostCards(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// IncrementLostCards counts a lost card with no profile to move.
func (c *Cache) IncrementLostCards(ctx context.Context) error {
	return incrementLostCards(ctx, c.db)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func incrementLostCards(ctx context.Context, db execer) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO station_meta (key, value) VALUES (?, '1')
		ON CONFLICT(key) DO UPDATE SET value = CAST(value AS INTEGER) + 1
	`, lostCardsKey)
	if err != nil {
		return fmt.Errorf("increment lost cards: %w", err)
	}
	return nil
}

// Search returns guests matching q on id, name, last visit, or an enrolled
// program's name. An empty query returns every guest.
func (c *Cache) Search(ctx context.Context, q string) ([]Guest, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+guestColumns+` FROM guests`)
	if err != nil {
		return nil, fmt.Errorf("search guests: %w", err)
	}
	defer rows.Close()

	needle := strings.ToLower(strings.TrimSpace(q))
	var out []Guest
	for rows.Next() {
		g, err := scanGuest(rows)
		if err != nil {
			return nil, fmt.Errorf("search guests: %w", err)
		}
		if matches(g, needle) {
			out = append(out, g)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search guests: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].DisplayName()), strings.ToLower(out[j].DisplayName())
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func matches(g Guest, needle string) bool {
	if needle == "" {
		return true
	}
	if strings.Contains(g.ID, needle) || strings.Contains(g.LastVisit, needle) {
		return true
	}
	if g.Name != nil && strings.Contains(strings.ToLower(*g.Name), needle) {
		return true
	}
	// Program matches run the other way: "health" finds healthcare guests.
	return (g.Programs.Healthcare && strings.Contains("healthcare", needle)) ||
		(g.Programs.SeasonalNight && strings.Contains("seasonal", needle)) ||
		(g.Programs.Sustainability && strings.Contains("sustainability", needle))
}

// Stats returns the station counters.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM guests WHERE alias_of IS NULL`).Scan(&s.UniqueGuests); err != nil {
		return Stats{}, fmt.Errorf("count guests: %w", err)
	}

	var raw string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM station_meta WHERE key = ?`, lostCardsKey).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Stats{}, fmt.Errorf("read lost cards: %w", err)
	default:
		s.LostCards, _ = strconv.Atoi(raw)
	}
	return s, nil
}
