package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stablepay-ng/quotegate/pkg/logger"
	"github.com/stablepay-ng/quotegate/pkg/models"
)

const (
	// Outbound messages buffered per client before it is considered stuck
	sendBuffer = 16

	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// QuoteUpdate is the wire format shared by the stream and the quote endpoint
type QuoteUpdate struct {
	Token     string      `json:"token"`
	Fiat      string      `json:"fiat"`
	Side      models.Side `json:"side,omitempty"`
	Price     string      `json:"price"`
	Timestamp int64       `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan QuoteUpdate
}

// Hub fans quote updates out to websocket subscribers. Publishers never
// block: a client that cannot drain its buffer is dropped.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
	}
}

// Publish sends a quote update to every connected client
func (h *Hub) Publish(key models.QuoteKey, quote *models.Quote) {
	update := QuoteUpdate{
		Token:     strings.ToUpper(key.Token),
		Fiat:      strings.ToUpper(key.Fiat),
		Side:      key.Side,
		Price:     quote.Price,
		Timestamp: quote.Timestamp,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- update:
		default:
			// Stuck client; drop it rather than stall the refresh path
			delete(h.clients, c)
			close(c.send)
			logger.Warn("⚠️ dropping slow stream client",
				zap.Int("clients", len(h.clients)),
			)
		}
	}
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers the client
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan QuoteUpdate, sendBuffer),
	}
	h.add(c)

	logger.Debug("stream client connected",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.Int("clients", h.Count()),
	)

	go c.writePump(h)
	go c.readPump(h)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// remove unregisters the client; safe to call more than once
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// writePump drains the send channel onto the connection
func (c *client) writePump(h *Hub) {
	defer c.conn.Close()

	for update := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(update); err != nil {
			h.remove(c)
			return
		}
	}
}

// readPump discards inbound frames and tears the client down on disconnect
func (c *client) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
