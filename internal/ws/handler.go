package ws

import (
	"database/sql"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/keyforge/backend/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Bearer tokens gate the socket; browser origin is not a trust boundary here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades ticket subscription sockets. Browsers cannot set an
// Authorization header on a websocket handshake, so the token rides in the
// query string.
type Handler struct {
	db  *sql.DB
	hub *Hub
}

func NewHandler(db *sql.DB, hub *Hub) *Handler {
	return &Handler{db: db, hub: hub}
}

// canSubscribe enforces room access: a reseller may only join its own
// tickets, an admin only tickets of its own resellers.
func (h *Handler) canSubscribe(r *http.Request, principal *middleware.Principal, ticketID int) (bool, error) {
	var query string
	switch principal.Role {
	case middleware.RoleReseller:
		query = `SELECT 1 FROM tickets WHERE id = $1 AND reseller_id = $2`
	case middleware.RoleAdmin:
		query = `SELECT 1 FROM tickets t JOIN resellers rs ON rs.id = t.reseller_id WHERE t.id = $1 AND rs.admin_id = $2`
	default:
		return false, nil
	}

	var one int
	err := h.db.QueryRowContext(r.Context(), query, ticketID, principal.ID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ServeTicket handles GET /ws/tickets/{ticketId}?token=...
func (h *Handler) ServeTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, err := strconv.Atoi(chi.URLParam(r, "ticketId"))
	if err != nil {
		http.Error(w, "Invalid ticket id", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token query parameter required", http.StatusUnauthorized)
		return
	}
	principal, err := middleware.ParseToken(r.Context(), token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	ok, err := h.canSubscribe(r, principal, ticketID)
	if err != nil {
		http.Error(w, "An Internal Error Occurred", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed for ticket %d: %v", ticketID, err)
		return
	}

	client := &Client{conn: wsConn, Role: principal.Role, UserID: principal.ID, TicketID: ticketID}
	h.hub.register(client)
	log.Printf("[WS] %s %d subscribed to ticket %d", principal.Role, principal.ID, ticketID)

	client.send(map[string]any{
		"type":      "connected",
		"ticket_id": ticketID,
	})

	go h.readLoop(client)
}

// readLoop consumes client frames until the socket closes. Pings are
// answered directly; call signaling frames are relayed to the other side
// of the ticket.
func (h *Handler) readLoop(c *Client) {
	defer func() {
		h.hub.unregister(c)
		c.conn.Close()
		log.Printf("[WS] %s %d left ticket %d", c.Role, c.UserID, c.TicketID)
	}()

	for {
		var frame map[string]any
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}

		frameType, _ := frame["type"].(string)
		switch frameType {
		case "ping":
			c.send(map[string]any{"type": "pong", "ts": time.Now().Unix()})
		case "video_signal", "voice_call_request", "video_call_request",
			"voice_call_end", "video_call_end", "call_accept", "call_reject":
			frame["sender_role"] = c.Role
			frame["sender_id"] = c.UserID
			h.hub.relay(c, frame)
		default:
			// Unknown frames are ignored rather than closing the socket.
		}
	}
}
