package event

import (
	"time"

	"github.com/cdcw/intake/internal/validation"
)

// timestampLayout matches what the mobile clients sent: UTC with milliseconds.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// maxNameLength bounds guest display names.
const maxNameLength = 200

// FormatTimestamp renders t the way payload timestamps are written.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Payload is one of the five queueable event bodies. The set is closed:
// LogService, AnonymousEntry, UpdateGuest, ReplaceCard and ClothingPurchase.
type Payload interface {
	Action() Action
	validate(c *validation.Collector)
}

// Services is the per-visit service tally logged for a known guest.
type Services struct {
	Shower      bool `json:"shower"`
	Laundry     bool `json:"laundry"`
	Meals       int  `json:"meals"`
	HygieneKits int  `json:"hygieneKits"`
}

// Programs are the enrollment flags kept on a guest profile.
type Programs struct {
	Healthcare     bool `json:"healthcare"`
	SeasonalNight  bool `json:"seasonalNight"`
	Sustainability bool `json:"sustainability"`
}

// LogService records services used by an identified guest.
type LogService struct {
	GuestID   string   `json:"guestId"`
	Services  Services `json:"services"`
	Timestamp string   `json:"timestamp"`
}

func (LogService) Action() Action { return ActionLogService }

func (p LogService) validate(c *validation.Collector) {
	c.Add(validation.ValidateGuestID("guestId", p.GuestID))
	c.Add(validation.ValidateNonNegative("services.meals", p.Services.Meals))
	c.Add(validation.ValidateNonNegative("services.hygieneKits", p.Services.HygieneKits))
	c.Add(validation.ValidateTimestamp("timestamp", p.Timestamp))
}

// AnonymousEntry records meals served to someone without a card.
type AnonymousEntry struct {
	Meals     int    `json:"meals"`
	Timestamp string `json:"timestamp"`
}

func (AnonymousEntry) Action() Action { return ActionAnonymousEntry }

func (p AnonymousEntry) validate(c *validation.Collector) {
	c.Add(validation.ValidateNonNegative("meals", p.Meals))
	c.Add(validation.ValidateTimestamp("timestamp", p.Timestamp))
}

// UpdateGuest creates or overwrites a guest profile on the ledger.
type UpdateGuest struct {
	ID        string   `json:"id"`
	Name      *string  `json:"name,omitempty"`
	Programs  Programs `json:"programs"`
	CreatedAt string   `json:"createdAt"`
	LastVisit string   `json:"lastVisit"`
}

func (UpdateGuest) Action() Action { return ActionUpdateGuest }

func (p UpdateGuest) validate(c *validation.Collector) {
	c.Add(validation.ValidateGuestID("id", p.ID))
	if p.Name != nil {
		c.Add(validation.ValidateMaxLength("name", *p.Name, maxNameLength))
		c.Add(validation.ValidateNoNullBytes("name", *p.Name))
	}
	c.Add(validation.ValidateTimestamp("createdAt", p.CreatedAt))
	c.Add(validation.ValidateTimestamp("lastVisit", p.LastVisit))
}

// ReplaceCard links a new card id to the profile behind an old one.
type ReplaceCard struct {
	OldID string `json:"oldId"`
	NewID string `json:"newId"`
}

func (ReplaceCard) Action() Action { return ActionReplaceCard }

func (p ReplaceCard) validate(c *validation.Collector) {
	c.Add(validation.ValidateGuestID("oldId", p.OldID))
	c.Add(validation.ValidateGuestID("newId", p.NewID))
	if p.OldID != "" && p.OldID == p.NewID {
		c.Add(&validation.ValidationError{Field: "newId", Message: "must differ from oldId"})
	}
}

// ClothingPurchase spends Felton Bucks from a guest's clothing budget.
type ClothingPurchase struct {
	GuestID   string `json:"guestId"`
	Quantity  int    `json:"quantity"`
	Timestamp string `json:"timestamp"`
}

func (ClothingPurchase) Action() Action { return ActionClothingPurchase }

func (p ClothingPurchase) validate(c *validation.Collector) {
	c.Add(validation.ValidateGuestID("guestId", p.GuestID))
	c.Add(validation.ValidateNonNegative("quantity", p.Quantity))
	c.Add(validation.ValidateTimestamp("timestamp", p.Timestamp))
}
