// Package hub fans received packets out to connected TCP clients. Delivery
// is best-effort per client: the radio pump must never block on a slow
// consumer.
package hub

import (
	"sync"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/logging"
	"github.com/espgw/espnow-server/internal/metrics"
)

// BackpressurePolicy decides what happens to a client whose output buffer
// is full during a broadcast.
type BackpressurePolicy int

const (
	// PolicyDrop discards the packet for that client only.
	PolicyDrop BackpressurePolicy = iota
	// PolicyKick disconnects the client.
	PolicyKick
)

// Client is one fan-out endpoint. Out is drained by the connection writer;
// Closed tells the writer to exit.
type Client struct {
	Out       chan espnow.Packet
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.Closed) })
}

// Hub tracks the connected clients and applies the backpressure policy.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers a client.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	first := len(h.clients) == 0
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if first {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters a client and closes it; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	remaining := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(remaining)
	if existed && remaining == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast offers a packet to every client. A client with a full buffer
// either loses this packet (drop) or gets disconnected (kick); Broadcast
// itself never blocks.
func (h *Hub) Broadcast(p espnow.Packet) {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	metrics.SetHubClients(len(clients))
	for _, c := range clients {
		select {
		case c.Out <- p:
			continue
		default:
		}
		switch h.Policy {
		case PolicyKick:
			metrics.IncHubKick()
			c.Close() // writer exits and the server Removes on disconnect
		default:
			metrics.IncHubDrop()
		}
	}
}

// Snapshot returns a copy of the current client set.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
