package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jogardn/donut-preorders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	InventoryChangedMessage = "inventory.changed"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var ErrBroadcastFull = errors.New("broadcast channel full")

var upgrader = websocket.Upgrader{
	// The feed sits behind the admin token check, not an origin allow list.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
	Source    string      `json:"source"`
}

type Client struct {
	conn   *websocket.Conn
	send   chan Message
	hub    *Hub
	logger *logrus.Logger
}

// Hub fans inventory changes out to connected admin dashboards.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithField("client_count", count).Info("Client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithField("client_count", count).Info("Client disconnected")

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.logger.Warn("Dropping slow websocket client")
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mutex.Unlock()

		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			h.logger.Info("Websocket hub stopped")
			return
		}
	}
}

func (h *Hub) Broadcast(messageType string, data interface{}, source string) error {
	message := Message{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    source,
	}

	select {
	case h.broadcast <- message:
		return nil
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
		return ErrBroadcastFull
	}
}

// InventoryChanged lets the hub listen to the counter directly when no
// broker sits in between.
func (h *Hub) InventoryChanged(ctx context.Context, change models.InventoryChange) {
	h.Broadcast(InventoryChangedMessage, change, change.Reason)
}

// HandleInventoryChanged is the Kafka consumer entry point. A full channel
// is reported so the consumer backs off and retries.
func (h *Hub) HandleInventoryChanged(ctx context.Context, change models.InventoryChange) error {
	return h.Broadcast(InventoryChangedMessage, change, change.Reason)
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan Message, 256),
		hub:    h,
		logger: h.logger,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// readPump only drains control frames; the feed is one way.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("WebSocket error")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				c.logger.WithError(err).Error("Failed to marshal WebSocket message")
				continue
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
