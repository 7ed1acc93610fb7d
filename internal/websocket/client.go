package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		return true
	},
}

// Client is one WebSocket connection. A client that identifies as a
// participant carries its wallet address; spectators connect without
// one.
type Client struct {
	id      string
	address string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	logger  *slog.Logger
}

// command is what the peer sends: a verb plus the match it targets.
type command struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id,omitempty"`
}

func newClient(hub *Hub, conn *websocket.Conn, address string, logger *slog.Logger) *Client {
	return &Client{
		id:      uuid.New().String(),
		address: address,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		logger:  logger,
	}
}

// readPump decodes peer commands until the connection drops, then tears
// the client down.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "client_id", c.id, "error", err)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.logger.Warn("invalid command", "client_id", c.id, "error", err)
			c.queue(Message{Type: MessageTypeError, Data: map[string]string{"error": "invalid command"}})
			continue
		}
		c.handleCommand(&cmd)
	}
}

func (c *Client) handleCommand(cmd *command) {
	switch cmd.Type {
	case MessageTypeSubscribe:
		if cmd.MatchID == "" {
			c.queue(Message{Type: MessageTypeError, Data: map[string]string{"error": "match_id required for subscribe"}})
			return
		}
		// The hub replies with the current match state so the board
		// renders before the first move lands.
		c.hub.Subscribe(c, cmd.MatchID)
		c.queue(Message{Type: "subscribed", MatchID: cmd.MatchID, Data: map[string]string{"status": "ok"}})

	case MessageTypeUnsubscribe:
		if cmd.MatchID != "" {
			c.hub.Unsubscribe(c, cmd.MatchID)
			c.queue(Message{Type: "unsubscribed", MatchID: cmd.MatchID, Data: map[string]string{"status": "ok"}})
		}

	case MessageTypePing:
		c.queue(Message{Type: MessageTypePong})

	default:
		c.logger.Debug("unknown command", "client_id", c.id, "type", cmd.Type)
	}
}

// writePump drains the send buffer to the peer and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// queue stamps and buffers a message for the peer, dropping it if the
// client is not keeping up.
func (c *Client) queue(msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to encode message", "client_id", c.id, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client buffer full, dropping message", "client_id", c.id)
	}
}

// ServeWs upgrades an HTTP request to a match-watch connection. A
// participant identifies itself with an address query parameter.
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(hub, conn, r.URL.Query().Get("address"), logger)
	hub.Register(client)

	go client.writePump()
	go client.readPump()

	logger.Debug("new websocket connection", "client_id", client.id, "address", client.address)
}
