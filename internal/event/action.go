// Package event defines the business events a station sends to the remote
// ledger and their canonical wire encoding.
package event

import (
	"errors"
	"fmt"
)

// Action names a ledger operation. The string value is sent verbatim as the
// request's "action" field.
type Action string

const (
	ActionLogService       Action = "LOG_SERVICE"
	ActionUpdateGuest      Action = "UPDATE_GUEST"
	ActionReplaceCard      Action = "REPLACE_CARD"
	ActionClothingPurchase Action = "CLOTHING_PURCHASE"
	ActionAnonymousEntry   Action = "ANONYMOUS_ENTRY"

	// ActionGetBudget is a direct read and is never queued.
	ActionGetBudget Action = "GET_BUDGET"
)

var (
	// ErrEncoding is returned when a payload cannot become a queued event.
	// Nothing is enqueued when it occurs.
	ErrEncoding = errors.New("event encoding failed")

	// ErrUnknownAction is returned for an action outside the queueable set.
	ErrUnknownAction = errors.New("unknown action")
)

// QueueableActions lists the actions that travel through the sync queue.
var QueueableActions = []Action{
	ActionLogService,
	ActionUpdateGuest,
	ActionReplaceCard,
	ActionClothingPurchase,
	ActionAnonymousEntry,
}

// ParseAction converts a wire string to a queueable Action.
func ParseAction(s string) (Action, error) {
	for _, a := range QueueableActions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// RequiresWriteConfirmation reports whether a success response must also
// confirm that exactly one ledger row was written. The ledger can report
// success while failing to append, so these events are only dropped from the
// queue once the row is confirmed.
func (a Action) RequiresWriteConfirmation() bool {
	return a == ActionLogService || a == ActionClothingPurchase
}
