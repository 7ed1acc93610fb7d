package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/chkmate/server/internal/domain"
)

// Message types
const (
	MessageTypeMatchUpdate = "match_update"
	MessageTypeMatchEnded  = "match_ended"
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeError       = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	MatchID   string      `json:"match_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub maintains the set of active clients and broadcasts match updates
// to the rooms watching them
type Hub struct {
	// Registered clients by match ID
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Inbound messages from clients
	broadcast chan *Message

	// Subscription requests
	subscribe chan *subscriptionRequest

	// Unsubscription requests
	unsubscribe chan *subscriptionRequest

	// Loads match state for new subscribers
	fetch MatchFetcher

	// Mutex for thread-safe operations
	mu sync.RWMutex

	// Logger
	logger *slog.Logger

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client  *Client
	matchID string
}

// MatchFetcher loads the current state of a match, used to seed a
// freshly subscribed client.
type MatchFetcher func(ctx context.Context, matchID string) (*domain.Match, error)

// NewHub creates a new Hub. fetch may be nil, in which case subscribers
// see nothing until the next update lands.
func NewHub(fetch MatchFetcher, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		fetch:       fetch,
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				// Remove from all match rooms
				for matchID, clients := range h.clients {
					if _, ok := clients[client]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.clients, matchID)
						}
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.clients[req.matchID]; !ok {
				h.clients[req.matchID] = make(map[*Client]bool)
			}
			h.clients[req.matchID][req.client] = true
			h.mu.Unlock()
			h.sendSnapshot(req.client, req.matchID)
			h.logger.Debug("client subscribed", "client_id", req.client.id, "match_id", req.matchID)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.matchID]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.matchID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "match_id", req.matchID)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// sendSnapshot pushes the current match state to one client so it does
// not render an empty board while waiting for the next move.
func (h *Hub) sendSnapshot(client *Client, matchID string) {
	if h.fetch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()

	m, err := h.fetch(ctx, matchID)
	if err != nil {
		h.logger.Warn("failed to load match for new subscriber",
			"client_id", client.id, "match_id", matchID, "error", err)
		return
	}

	data, err := json.Marshal(h.matchMessage(m))
	if err != nil {
		h.logger.Error("failed to marshal snapshot", "match_id", matchID, "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("client buffer full, skipping snapshot", "client_id", client.id)
	}
}

// broadcastMessage sends a message to all subscribed clients
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	// If message has a match ID, only send to that room
	if message.MatchID != "" {
		if clients, ok := h.clients[message.MatchID]; ok {
			for client := range clients {
				select {
				case client.send <- data:
				default:
					// Client's buffer is full, skip
					h.logger.Warn("client buffer full, skipping", "client_id", client.id)
				}
			}
		}
	} else {
		// Broadcast to all clients
		for client := range h.allClients {
			select {
			case client.send <- data:
			default:
				h.logger.Warn("client buffer full, skipping", "client_id", client.id)
			}
		}
	}
}

// matchMessage wraps match state in the wire envelope, flagging ended
// matches so clients can stop watching.
func (h *Hub) matchMessage(m *domain.Match) *Message {
	msgType := MessageTypeMatchUpdate
	if m.Ended {
		msgType = MessageTypeMatchEnded
	}
	return &Message{
		Type:      msgType,
		MatchID:   m.ID,
		Data:      m,
		Timestamp: time.Now(),
	}
}

// BroadcastMatchUpdate sends the new match state to its room
func (h *Hub) BroadcastMatchUpdate(m *domain.Match) {
	select {
	case h.broadcast <- h.matchMessage(m):
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a match room
func (h *Hub) Subscribe(client *Client, matchID string) {
	h.subscribe <- &subscriptionRequest{
		client:  client,
		matchID: matchID,
	}
}

// Unsubscribe removes a client from a match room
func (h *Hub) Unsubscribe(client *Client, matchID string) {
	h.unsubscribe <- &subscriptionRequest{
		client:  client,
		matchID: matchID,
	}
}

// GetSubscriberCount returns the number of watchers of a match
func (h *Hub) GetSubscriberCount(matchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.clients[matchID]; ok {
		return len(clients)
	}
	return 0
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}

// Bridge pumps match updates from a store subscription into the hub
// until the subscription closes or ctx is cancelled.
func (h *Hub) Bridge(ctx context.Context, updates <-chan *domain.Match) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-updates:
			if !ok {
				h.logger.Warn("match update stream closed")
				return
			}
			h.BroadcastMatchUpdate(m)
		}
	}
}
