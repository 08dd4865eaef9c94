package ws

import (
	"sync"

	"github.com/golang/glog"

	"github.com/serroba/collabtext/internal/metrics"
)

// Hub tracks connected clients and the document each one follows, and fans
// committed transactions out to a document's followers.
//
// A client follows at most one document. Broadcasting never blocks on a
// slow client: a client whose outbox is full is closed, which ends its read
// loop and, through the connection handler, unregisters it.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*Client            // client ID -> client
	followers map[string]map[string]*Client // document ID -> client ID -> client
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[string]*Client),
		followers: make(map[string]map[string]*Client),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		metrics.ConnectedClients.Inc()
	}

	h.clients[client.ID] = client
}

// Unregister removes a client and whatever document it followed.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unfollowLocked(client, client.DocID())

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		metrics.ConnectedClients.Dec()
	}
}

// Subscribe makes client follow docID, leaving any previous document.
func (h *Hub) Subscribe(client *Client, docID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev := client.DocID(); prev != docID {
		h.unfollowLocked(client, prev)
	}

	followers, ok := h.followers[docID]
	if !ok {
		followers = make(map[string]*Client)
		h.followers[docID] = followers
	}

	followers[client.ID] = client
	client.SetDocID(docID)
}

// Unsubscribe stops client from following docID.
func (h *Hub) Unsubscribe(client *Client, docID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unfollowLocked(client, docID)

	if client.DocID() == docID {
		client.SetDocID("")
	}
}

func (h *Hub) unfollowLocked(client *Client, docID string) {
	followers, ok := h.followers[docID]
	if !ok {
		return
	}

	delete(followers, client.ID)

	if len(followers) == 0 {
		delete(h.followers, docID)
	}
}

// Broadcast queues msg for every follower of docID except excludeClientID.
// It returns the number of clients the message was queued for.
func (h *Hub) Broadcast(docID string, msg Message, excludeClientID string) int {
	h.mu.RLock()
	recipients := make([]*Client, 0, len(h.followers[docID]))

	for id, c := range h.followers[docID] {
		if id != excludeClientID {
			recipients = append(recipients, c)
		}
	}
	h.mu.RUnlock()

	queued := 0

	for _, c := range recipients {
		if c.Deliver(msg) {
			queued++

			continue
		}

		metrics.DroppedDeliveries.Inc()
		glog.Warningf("doc %s: dropping client %s, outbox full", docID, c.ID)

		_ = c.Close()
	}

	return queued
}

// BroadcastDelta pushes a committed transaction to every follower of the
// document except the client that produced it.
func (h *Hub) BroadcastDelta(payload DeltaPayload, excludeClientID string) int {
	return h.Broadcast(payload.DocID, Message{Type: MessageTypeDelta, Payload: payload}, excludeClientID)
}

// ClientCount returns the number of clients following a document.
func (h *Hub) ClientCount(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.followers[docID])
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}
