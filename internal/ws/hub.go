// Package ws fans trade events out to websocket clients subscribed to a
// session. The hub satisfies outbox.Publisher so the relay can use it when
// no broker is configured.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients.
type Msg struct {
	Topic   string          `json:"topic"`
	StockID string          `json:"stock_id"`
	Data    json.RawMessage `json:"data"`
}

// Hub manages per-session websocket subscriptions.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*conn]bool
	allConn map[*conn]bool
	log     *slog.Logger
}

type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	hub     *Hub
	stockID string
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:   make(map[string]map[*conn]bool),
		allConn: make(map[*conn]bool),
		log:     logger,
	}
}

// Publish sends payload to every subscriber of the session named by key.
// Slow clients drop messages instead of blocking the relay.
func (h *Hub) Publish(_ context.Context, topic, key string, payload []byte) error {
	b, err := json.Marshal(Msg{Topic: topic, StockID: key, Data: payload})
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[key] {
		select {
		case c.send <- b:
		default:
			h.log.Warn("ws client too slow, dropping message", "stock_id", key, "topic", topic)
		}
	}
	return nil
}

// Subscribers reports how many clients watch a session.
func (h *Hub) Subscribers(stockID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[stockID])
}

// HandleWS upgrades the request. A stock_id query parameter subscribes the
// connection immediately; clients may also send
// {"action":"subscribe","stock_id":"..."}.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "err", err)
		return
	}
	c := &conn{
		ws:   wsConn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()
	if id := r.URL.Query().Get("stock_id"); id != "" {
		h.subscribe(c, id)
	}

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		var sub struct {
			Action  string `json:"action"`
			StockID string `json:"stock_id"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.StockID)
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.StockID)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

func (h *Hub) subscribe(c *conn, stockID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(c)
	c.stockID = stockID
	room, ok := h.rooms[stockID]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[stockID] = room
	}
	room[c] = true
}

func (h *Hub) unsubscribe(c *conn, stockID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.stockID == stockID {
		h.leave(c)
	}
}

// leave must be called with h.mu held.
func (h *Hub) leave(c *conn) {
	if c.stockID == "" {
		return
	}
	if room, ok := h.rooms[c.stockID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.stockID)
		}
	}
	c.stockID = ""
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.allConn, c)
	h.leave(c)
	close(c.send)
}
