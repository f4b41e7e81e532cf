package guest

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cdcw/intake/internal/event"
	"github.com/cdcw/intake/internal/store"
)

const ts = "2024-03-01T14:05:00.000Z"

func newTestCache(t *testing.T) (*Cache, *sql.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "station.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewCache(db), db
}

func strPtr(s string) *string { return &s }

func sample(id, name string, bucks int) Guest {
	g := Guest{ID: id, FeltonBucks: bucks, CreatedAt: ts, LastVisit: ts}
	if name != "" {
		g.Name = strPtr(name)
	}
	return g
}

func TestCache_SaveAndGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	g := sample("guest_7", "Rosa", 40)
	g.Programs = event.Programs{Healthcare: true, Sustainability: true}
	if err := c.Save(ctx, g); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := c.Get(ctx, "GUEST_7")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.DisplayName() != "Rosa" || got.FeltonBucks != 40 || !got.Programs.Healthcare || got.Programs.SeasonalNight {
		t.Errorf("Get() = %+v", got)
	}

	g.FeltonBucks = 12
	if err := c.Save(ctx, g); err != nil {
		t.Fatal(err)
	}
	got, _ = c.Get(ctx, "guest_7")
	if got.FeltonBucks != 12 {
		t.Errorf("FeltonBucks after overwrite = %d, want 12", got.FeltonBucks)
	}
}

func TestCache_GetMissing(t *testing.T) {
	c, _ := newTestCache(t)
	if _, err := c.Get(context.Background(), "guest_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestCache_UpdateBudgetAndTouch(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	c.Save(ctx, sample("guest_2", "", 50))

	if err := c.UpdateBudget(ctx, "guest_2", 47); err != nil {
		t.Fatal(err)
	}
	if err := c.Touch(ctx, "guest_2", "2024-03-02T09:00:00.000Z"); err != nil {
		t.Fatal(err)
	}
	got, _ := c.Get(ctx, "guest_2")
	if got.FeltonBucks != 47 || got.LastVisit != "2024-03-02T09:00:00.000Z" {
		t.Errorf("Get() = %+v", got)
	}
	if got.DisplayName() != "Anonymous" {
		t.Errorf("DisplayName() = %q, want Anonymous", got.DisplayName())
	}

	if err := c.UpdateBudget(ctx, "guest_404", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateBudget(missing) error = %v, want ErrNotFound", err)
	}
	if err := c.Touch(ctx, "guest_404", ts); !errors.Is(err, ErrNotFound) {
		t.Errorf("Touch(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCache_Alias(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	c.Save(ctx, sample("guest_10", "Lee", 30))

	if err := c.Alias(ctx, "guest_10", "guest_11"); err != nil {
		t.Fatalf("Alias() error = %v", err)
	}

	alias, err := c.Get(ctx, "guest_11")
	if err != nil {
		t.Fatal(err)
	}
	if alias.DisplayName() != "Lee" || alias.FeltonBucks != 30 || alias.AliasOf != "guest_10" {
		t.Errorf("alias = %+v", alias)
	}
	if _, err := c.Get(ctx, "guest_10"); err != nil {
		t.Errorf("old id no longer resolves: %v", err)
	}

	// Applying the same replacement again must not count a second lost card.
	if err := c.Alias(ctx, "guest_10", "guest_11"); err != nil {
		t.Fatal(err)
	}
	stats, _ := c.Stats(ctx)
	if stats.LostCards != 1 || stats.UniqueGuests != 1 {
		t.Errorf("Stats() = %+v, want 1 unique, 1 lost", stats)
	}

	if err := c.Alias(ctx, "guest_99", "guest_98"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Alias(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCache_IncrementLostCards(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.IncrementLostCards(ctx); err != nil {
			t.Fatal(err)
		}
	}
	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.LostCards != 3 {
		t.Errorf("LostCards = %d, want 3", stats.LostCards)
	}
}

func TestCache_Search(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	maria := sample("guest_100", "Maria Lopez", 0)
	maria.Programs.Healthcare = true
	sam := sample("guest_200", "Sam", 0)
	sam.Programs.SeasonalNight = true
	sam.LastVisit = "2024-02-11T08:00:00.000Z"
	anon := sample("guest_300", "", 0)
	anon.Programs.Sustainability = true
	for _, g := range []Guest{maria, sam, anon} {
		c.Save(ctx, g)
	}

	tests := []struct {
		q    string
		want []string
	}{
		{"", []string{"guest_300", "guest_100", "guest_200"}},
		{"maria", []string{"guest_100"}},
		{"LOPEZ", []string{"guest_100"}},
		{"guest_2", []string{"guest_200"}},
		{"health", []string{"guest_100"}},
		{"seasonal", []string{"guest_200"}},
		{"sustain", []string{"guest_300"}},
		{"2024-02-11", []string{"guest_200"}},
		{"nobody", nil},
	}
	for _, tt := range tests {
		t.Run(tt.q, func(t *testing.T) {
			got, err := c.Search(ctx, tt.q)
			if err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, g := range got {
				ids = append(ids, g.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("Search(%q) = %v, want %v", tt.q, ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("Search(%q)[%d] = %s, want %s", tt.q, i, ids[i], tt.want[i])
				}
			}
		})
	}
}
