package http

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const clientBuffer = 32

// Client is one realtime connection's outbound queue.
type Client struct {
	id   string
	send chan Event
	once sync.Once
}

func newClient() *Client {
	return &Client{id: uuid.NewString(), send: make(chan Event, clientBuffer)}
}

// ID identifies the connection in logs.
func (c *Client) ID() string { return c.id }

func (c *Client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub keeps session-scoped broadcast groups. Delivery is best effort: a client
// whose queue is full misses the event.
type Hub struct {
	mu         sync.RWMutex
	groups     map[string]map[*Client]struct{}
	membership map[*Client]map[string]struct{}
	log        logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		groups:     make(map[string]map[*Client]struct{}),
		membership: make(map[*Client]map[string]struct{}),
		log:        log,
	}
}

// Join adds c to the group of sessionID. Joining twice is a no-op.
func (h *Hub) Join(sessionID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.groups[sessionID]
	if !ok {
		group = make(map[*Client]struct{})
		h.groups[sessionID] = group
	}
	group[c] = struct{}{}

	sessions, ok := h.membership[c]
	if !ok {
		sessions = make(map[string]struct{})
		h.membership[c] = sessions
	}
	sessions[sessionID] = struct{}{}
}

// Remove drops c from every group and closes its queue.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	for sessionID := range h.membership[c] {
		group := h.groups[sessionID]
		delete(group, c)
		if len(group) == 0 {
			delete(h.groups, sessionID)
		}
	}
	delete(h.membership, c)
	h.mu.Unlock()

	c.close()
}

// Publish sends evt to every client in the session group.
func (h *Hub) Publish(sessionID string, evt Event) {
	h.PublishExcept(sessionID, evt, nil)
}

// PublishExcept sends evt to the session group, skipping except.
func (h *Hub) PublishExcept(sessionID string, evt Event, except *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.groups[sessionID] {
		if c == except {
			continue
		}
		h.deliver(c, evt)
	}
}

// GroupSize reports how many clients are in the session group.
func (h *Hub) GroupSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[sessionID])
}

// deliver must run with h.mu held so Remove cannot close the queue mid-send.
func (h *Hub) deliver(c *Client, evt Event) {
	select {
	case c.send <- evt:
	default:
		h.log.WithFields(logrus.Fields{"client_id": c.id, "event": evt.Type}).Warn("client queue full, event dropped")
	}
}

// enqueue places evt on the client's own queue without blocking.
func (c *Client) enqueue(evt Event) bool {
	select {
	case c.send <- evt:
		return true
	default:
		return false
	}
}
