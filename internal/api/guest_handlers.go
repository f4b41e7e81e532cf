package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cdcw/intake/internal/guest"
)

// GuestView is a cached guest as returned by the API.
type GuestView struct {
	guest.Guest
	DisplayName string `json:"displayName"`
}

func viewOf(g guest.Guest) GuestView {
	return GuestView{Guest: g, DisplayName: g.DisplayName()}
}

// SearchGuests handles GET /api/v1/guests?q=
func (h *Handler) SearchGuests(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	found, err := h.station.Search(r.Context(), q)
	if err != nil {
		MapError(w, r, err)
		return
	}

	views := make([]GuestView, 0, len(found))
	for _, g := range found {
		views = append(views, viewOf(g))
	}
	writeJSON(w, http.StatusOK, struct {
		Guests []GuestView `json:"guests"`
	}{views})
}

// GetGuest handles GET /api/v1/guests/{id}
func (h *Handler) GetGuest(w http.ResponseWriter, r *http.Request) {
	g, err := h.station.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(g))
}

// BudgetResponse is the body of POST /api/v1/guests/{id}/budget/refresh.
type BudgetResponse struct {
	GuestID string `json:"guestId"`
	Budget  int    `json:"budget"`
}

// RefreshBudget handles POST /api/v1/guests/{id}/budget/refresh. The
// ledger is authoritative; a failure leaves the cached value alone.
func (h *Handler) RefreshBudget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	budget, err := h.station.RefreshBudget(r.Context(), id)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BudgetResponse{GuestID: strings.ToLower(id), Budget: budget})
}
