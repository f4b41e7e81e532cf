package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cdcw/intake/internal/engine"
	"github.com/cdcw/intake/internal/event"
	"github.com/cdcw/intake/internal/guest"
	"github.com/cdcw/intake/pkg/intake"
)

// Station is what the handlers need from the station facade.
type Station interface {
	LogService(ctx context.Context, guestID string, services event.Services) (event.Item, error)
	LogAnonymous(ctx context.Context, meals int) (event.Item, error)
	RegisterGuest(ctx context.Context, p intake.Profile) (event.Item, error)
	ReplaceCard(ctx context.Context, oldID, newID string) (event.Item, error)
	PurchaseClothing(ctx context.Context, guestID string, quantity int) (event.Item, int, error)
	RefreshBudget(ctx context.Context, guestID string) (int, error)

	SyncNow(ctx context.Context) engine.Status
	Foreground() bool
	Status() engine.Status
	Subscribe() (<-chan engine.Status, func())
	Items(ctx context.Context) ([]event.Item, error)

	Lookup(ctx context.Context, id string) (guest.Guest, error)
	Search(ctx context.Context, q string) ([]guest.Guest, error)
	Stats(ctx context.Context) (guest.Stats, error)
}

// Handler implements the API handlers
type Handler struct {
	station Station
	apiKey  string
	version string
}

// NewHandler creates a new Handler.
func NewHandler(s Station, apiKey, version string) *Handler {
	return &Handler{
		station: s,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	QueueLength  int    `json:"queueLength"`
	IsSyncing    bool   `json:"isSyncing"`
	UniqueGuests int    `json:"uniqueGuests"`
	LostCards    int    `json:"lostCards"`
}

// EventResponse acknowledges a queued event.
type EventResponse struct {
	ID          string       `json:"id"`
	Action      event.Action `json:"action"`
	QueueLength int          `json:"queueLength"`
	Remaining   *int         `json:"remainingBudget,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return false
	}
	return true
}

func (h *Handler) accepted(w http.ResponseWriter, item event.Item, remaining *int) {
	writeJSON(w, http.StatusAccepted, EventResponse{
		ID:          item.ID,
		Action:      item.Action,
		QueueLength: h.station.Status().QueueLength,
		Remaining:   remaining,
	})
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.station.Stats(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	st := h.station.Status()

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		QueueLength:  st.QueueLength,
		IsSyncing:    st.IsSyncing,
		UniqueGuests: stats.UniqueGuests,
		LostCards:    stats.LostCards,
	})
}

type serviceRequest struct {
	GuestID  string         `json:"guestId"`
	Services event.Services `json:"services"`
}

// LogService handles POST /api/v1/events/service
func (h *Handler) LogService(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	item, err := h.station.LogService(r.Context(), req.GuestID, req.Services)
	if err != nil {
		MapError(w, r, err)
		return
	}
	h.accepted(w, item, nil)
}

type anonymousRequest struct {
	Meals int `json:"meals"`
}

// LogAnonymous handles POST /api/v1/events/anonymous
func (h *Handler) LogAnonymous(w http.ResponseWriter, r *http.Request) {
	var req anonymousRequest
	if !decodeBody(w, r, &req) {
		return
	}
	item, err := h.station.LogAnonymous(r.Context(), req.Meals)
	if err != nil {
		MapError(w, r, err)
		return
	}
	h.accepted(w, item, nil)
}

// RegisterGuest handles POST /api/v1/events/guest
func (h *Handler) RegisterGuest(w http.ResponseWriter, r *http.Request) {
	var req intake.Profile
	if !decodeBody(w, r, &req) {
		return
	}
	item, err := h.station.RegisterGuest(r.Context(), req)
	if err != nil {
		MapError(w, r, err)
		return
	}
	h.accepted(w, item, nil)
}

type replaceCardRequest struct {
	OldID string `json:"oldId"`
	NewID string `json:"newId"`
}

// ReplaceCard handles POST /api/v1/events/replace-card
func (h *Handler) ReplaceCard(w http.ResponseWriter, r *http.Request) {
	var req replaceCardRequest
	if !decodeBody(w, r, &req) {
		return
	}
	item, err := h.station.ReplaceCard(r.Context(), req.OldID, req.NewID)
	if err != nil {
		MapError(w, r, err)
		return
	}
	h.accepted(w, item, nil)
}

type clothingRequest struct {
	GuestID  string `json:"guestId"`
	Quantity int    `json:"quantity"`
}

// PurchaseClothing handles POST /api/v1/events/clothing
func (h *Handler) PurchaseClothing(w http.ResponseWriter, r *http.Request) {
	var req clothingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	item, remaining, err := h.station.PurchaseClothing(r.Context(), req.GuestID, req.Quantity)
	if err != nil {
		MapError(w, r, err)
		return
	}
	h.accepted(w, item, &remaining)
}
