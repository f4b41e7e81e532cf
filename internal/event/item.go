package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cdcw/intake/internal/validation"
	"github.com/oklog/ulid/v2"
)

// IDPrefix starts every event id.
const IDPrefix = "evt_"

// Item is a queued event. ID doubles as the queue key and as the eventId the
// ledger deduplicates on, so it is assigned once and never regenerated.
type Item struct {
	ID            string     `json:"id"`
	Action        Action     `json:"action"`
	Payload       Payload    `json:"payload"`
	Timestamp     time.Time  `json:"timestamp"`
	RetryCount    int        `json:"retryCount"`
	LastError     string     `json:"lastError,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
}

// NewID returns a fresh event id: a ULID (millisecond time plus 80 random
// bits) behind the "evt_" prefix.
func NewID() string {
	return IDPrefix + ulid.Make().String()
}

// Make validates p and wraps it in a new Item ready to enqueue.
// Any failure wraps ErrEncoding.
func Make(p Payload) (Item, error) {
	return MakeAt(p, time.Now())
}

// MakeAt is Make with an explicit creation time.
func MakeAt(p Payload, now time.Time) (Item, error) {
	if p == nil {
		return Item{}, fmt.Errorf("%w: nil payload", ErrEncoding)
	}

	var c validation.Collector
	p.validate(&c)
	if err := c.Err(); err != nil {
		return Item{}, fmt.Errorf("%w: %s: %w", ErrEncoding, p.Action(), err)
	}

	if _, err := json.Marshal(p); err != nil {
		return Item{}, fmt.Errorf("%w: %s: %v", ErrEncoding, p.Action(), err)
	}

	return Item{
		ID:        NewID(),
		Action:    p.Action(),
		Payload:   p,
		Timestamp: now.UTC(),
	}, nil
}

// Decode rebuilds a typed payload from its stored JSON form.
func Decode(action Action, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch action {
	case ActionLogService:
		var v LogService
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionAnonymousEntry:
		var v AnonymousEntry
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionUpdateGuest:
		var v UpdateGuest
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionReplaceCard:
		var v ReplaceCard
		err = json.Unmarshal(raw, &v)
		p = v
	case ActionClothingPurchase:
		var v ClothingPurchase
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", action, err)
	}
	return p, nil
}

type request struct {
	Action  Action `json:"action"`
	Payload any    `json:"payload"`
}

// WireBody renders the ledger request for item:
//
//	{"action": "...", "payload": {...fields..., "eventId": "<id>"}}
//
// The ledger deduplicates on payload.eventId, so the id goes inside the
// payload object rather than beside it.
func WireBody(item Item) ([]byte, error) {
	if item.Payload == nil {
		return nil, fmt.Errorf("%w: item %s has no payload", ErrEncoding, item.ID)
	}

	raw, err := json.Marshal(item.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: payload is not an object: %v", ErrEncoding, err)
	}

	id, _ := json.Marshal(item.ID)
	fields["eventId"] = id

	return json.Marshal(request{Action: item.Action, Payload: fields})
}

// BudgetRequestBody renders the GET_BUDGET read for guestID. Reads carry no
// eventId.
func BudgetRequestBody(guestID string) ([]byte, error) {
	return json.Marshal(request{
		Action:  ActionGetBudget,
		Payload: map[string]string{"guestId": guestID},
	})
}
