package ws

import (
	"context"
	"sort"
	"sync"
)

// Hub tracks the live clients of every conversation.
type Hub struct {
	rooms map[string]map[*Client]struct{}
	mu    sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Client]struct{})}
}

// Add registers a client under its conversation.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	convID := c.info.ConversationID
	if _, ok := h.rooms[convID]; !ok {
		h.rooms[convID] = make(map[*Client]struct{})
	}
	h.rooms[convID][c] = struct{}{}
}

// Remove drops a client, and the room once it is empty.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	convID := c.info.ConversationID
	if clients, ok := h.rooms[convID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, convID)
		}
	}
}

// Count returns how many clients watch a conversation.
func (h *Hub) Count(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Participants lists the distinct participants connected to a conversation.
func (h *Hub) Participants(conversationID string) []string {
	h.mu.RLock()
	seen := map[string]struct{}{}
	for c := range h.rooms[conversationID] {
		seen[c.info.ParticipantID] = struct{}{}
	}
	h.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Evict closes every client of a conversation, for example after it was deleted.
func (h *Hub) Evict(conversationID string, reason string) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[conversationID]))
	for c := range h.rooms[conversationID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.closeWith(reason)
	}
	return len(clients)
}

// Shutdown closes every client and waits for their sessions to flush.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	var clients []*Client
	for _, room := range h.rooms {
		for c := range room {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.closeWith("server shutting down")
	}
	for _, c := range clients {
		select {
		case <-c.finished:
		case <-ctx.Done():
			return
		}
	}
}
