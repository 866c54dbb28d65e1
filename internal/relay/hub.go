package relay

import (
	"context"
	"sync"
)

// Conn is the connection a Client talks over.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
	RemoteAddr() string
}

// Client is an authenticated participant of one room.
type Client struct {
	Conn     Conn
	UserID   int64
	Room     int64
	Outgoing chan []byte
}

// Hub tracks the clients of every room and fans messages out to them.
type Hub struct {
	rooms map[int64]map[*Client]bool
	mu    sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[int64]map[*Client]bool),
	}
}

// Register adds a client to its room.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[client.Room]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[client.Room] = room
	}
	room[client] = true
}

// Unregister removes a client from its room.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[client.Room]
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, client.Room)
	}
}

// Broadcast queues data for every client in room. Clients whose queue
// is full miss the message rather than stalling the room.
func (h *Hub) Broadcast(room int64, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for client := range h.rooms[room] {
		select {
		case client.Outgoing <- data:
			sent++
		default:
		}
	}
	return sent
}

// ClientCount returns the number of clients in room.
func (h *Hub) ClientCount(room int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Clients returns every registered client.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Client
	for _, room := range h.rooms {
		for client := range room {
			out = append(out, client)
		}
	}
	return out
}
