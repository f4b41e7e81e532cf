package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cdcw/intake/internal/engine"
	"github.com/cdcw/intake/internal/event"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The kiosk UI is served from a different origin than the station API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// QueueResponse is the body of GET /api/v1/sync/queue.
type QueueResponse struct {
	Status engine.Status `json:"status"`
	Items  []event.Item  `json:"items"`
}

// Sync handles POST /api/v1/sync. It drains before responding.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.station.SyncNow(r.Context()))
}

// Foreground handles POST /api/v1/sync/foreground. The drain runs in the
// background; the response reports whether one started.
func (h *Handler) Foreground(w http.ResponseWriter, r *http.Request) {
	started := h.station.Foreground()
	writeJSON(w, http.StatusAccepted, struct {
		Started bool          `json:"started"`
		Status  engine.Status `json:"status"`
	}{started, h.station.Status()})
}

// SyncStatus handles GET /api/v1/sync/status
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.station.Status())
}

// Queue handles GET /api/v1/sync/queue
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	items, err := h.station.Items(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}

	if items == nil {
		items = []event.Item{}
	}
	writeJSON(w, http.StatusOK, QueueResponse{Status: h.station.Status(), Items: items})
}

// StatusStream handles GET /api/v1/sync/ws. It sends the current status on
// connect and every change after that.
func (h *Handler) StatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "component", "api", "error", err)
		return
	}

	updates, unsubscribe := h.station.Subscribe()
	done := make(chan struct{})
	go readPump(conn, done)

	writePump(conn, h.station.Status(), updates, done)
	unsubscribe()
}

func writePump(conn *websocket.Conn, initial engine.Status, updates <-chan engine.Status, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(initial); err != nil {
		return
	}

	for {
		select {
		case st, ok := <-updates:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// Station shut down
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "station closing"))
				return
			}
			if err := conn.WriteJSON(st); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readPump discards client messages and closes done when the peer goes
// away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read error", "component", "api", "error", err)
			}
			return
		}
	}
}
