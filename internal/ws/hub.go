package ws

import (
	"log"
	"sync"
)

// conn is the subset of *websocket.Conn the hub uses, kept narrow so tests
// can substitute a fake.
type conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// Client is one websocket subscriber attached to a single ticket room.
type Client struct {
	conn     conn
	Role     string
	UserID   int
	TicketID int

	// gorilla/websocket permits one concurrent writer per connection.
	writeMu sync.Mutex
}

func (c *Client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// participantKey identifies one admin or reseller across all of their
// open sockets.
type participantKey struct {
	role string
	id   int
}

// Hub fans ticket events out to connected subscribers. Delivery is
// best-effort: a failed write drops that subscriber and never blocks or
// fails the operation that produced the event.
//
// Two indices are kept mutually consistent under one mutex: ticket room →
// subscribers, and participant identity → that participant's sockets
// across every room.
type Hub struct {
	mu           sync.Mutex
	tickets      map[int]map[*Client]struct{}
	participants map[participantKey]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		tickets:      map[int]map[*Client]struct{}{},
		participants: map[participantKey]map[*Client]struct{}{},
	}
}

func (c *Client) participantKey() participantKey {
	return participantKey{role: c.Role, id: c.UserID}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.tickets[c.TicketID]
	if !ok {
		room = map[*Client]struct{}{}
		h.tickets[c.TicketID] = room
	}
	room[c] = struct{}{}

	key := c.participantKey()
	conns, ok := h.participants[key]
	if !ok {
		conns = map[*Client]struct{}{}
		h.participants[key] = conns
	}
	conns[c] = struct{}{}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(c)
}

// drop removes the client from both indices, deleting the room and the
// participant entry when they empty. Caller holds h.mu.
func (h *Hub) drop(c *Client) {
	if room, ok := h.tickets[c.TicketID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.tickets, c.TicketID)
		}
	}
	key := c.participantKey()
	if conns, ok := h.participants[key]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.participants, key)
		}
	}
}

// snapshot returns the current subscribers of a ticket room.
func (h *Hub) snapshot(ticketID int) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.tickets[ticketID]
	clients := make([]*Client, 0, len(room))
	for c := range room {
		clients = append(clients, c)
	}
	return clients
}

// BroadcastToTicket sends the event to every subscriber of the ticket.
// Zero subscribers is a no-op; failed writes prune the subscriber.
func (h *Hub) BroadcastToTicket(ticketID int, event map[string]any) {
	for _, c := range h.snapshot(ticketID) {
		if err := c.send(event); err != nil {
			log.Printf("[WS] Dropping subscriber of ticket %d after failed write: %v", ticketID, err)
			h.mu.Lock()
			h.drop(c)
			h.mu.Unlock()
			c.conn.Close()
		}
	}
}

// relay sends the event to every subscriber of the ticket except the
// sender, used for call signaling between the two ends of a ticket.
func (h *Hub) relay(sender *Client, event map[string]any) {
	for _, c := range h.snapshot(sender.TicketID) {
		if c == sender {
			continue
		}
		if err := c.send(event); err != nil {
			h.mu.Lock()
			h.drop(c)
			h.mu.Unlock()
			c.conn.Close()
		}
	}
}

// SendToParticipant delivers the event to every socket a participant has
// open, regardless of which ticket each socket subscribes to. Used for
// events that concern the participant rather than one room, like a topup
// credit landing on their account.
func (h *Hub) SendToParticipant(role string, participantID int, event map[string]any) {
	h.mu.Lock()
	conns := h.participants[participantKey{role: role, id: participantID}]
	clients := make([]*Client, 0, len(conns))
	for c := range conns {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.send(event); err != nil {
			log.Printf("[WS] Dropping %s %d socket after failed write: %v", role, participantID, err)
			h.mu.Lock()
			h.drop(c)
			h.mu.Unlock()
			c.conn.Close()
		}
	}
}

// Subscribers reports how many clients are attached to a ticket.
func (h *Hub) Subscribers(ticketID int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tickets[ticketID])
}

// ParticipantConnections reports how many sockets a participant has open.
func (h *Hub) ParticipantConnections(role string, participantID int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.participants[participantKey{role: role, id: participantID}])
}
