package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients.
type Msg struct {
	Type      string `json:"type"`
	AuctionID string `json:"auction_id"`
	Data      any    `json:"data"`
}

// Hub manages per-auction WebSocket subscriptions.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*conn]bool // auctionID -> set of conns
	allConn map[*conn]bool
	log     zerolog.Logger
}

type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	hub     *Hub
	auction string
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		rooms:   make(map[string]map[*conn]bool),
		allConn: make(map[*conn]bool),
		log:     log,
	}
}

// Publish sends a message to all subscribers of an auction.
func (h *Hub) Publish(auctionID, msgType string, data any) {
	msg := Msg{Type: msgType, AuctionID: auctionID, Data: data}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[auctionID] {
		select {
		case c.send <- b:
		default:
			// slow client, drop
		}
	}
}

// HandleWS is the HTTP handler for WebSocket connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	c := &conn{
		ws:   wsConn,
		send: make(chan []byte, 64),
		hub:  h,
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.HandleWS(w, r) }

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
		// {"action":"subscribe","auction_id":"..."}
		var sub struct {
			Action    string `json:"action"`
			AuctionID string `json:"auction_id"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.AuctionID)
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.AuctionID)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

func (h *Hub) subscribe(c *conn, auctionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// One auction per connection.
	h.leave(c)
	c.auction = auctionID
	room, ok := h.rooms[auctionID]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[auctionID] = room
	}
	room[c] = true
}

func (h *Hub) unsubscribe(c *conn, auctionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.auction == auctionID {
		h.leave(c)
	}
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.allConn, c)
	h.leave(c)
	close(c.send)
}

// leave drops c from its room. h.mu must be held.
func (h *Hub) leave(c *conn) {
	if c.auction == "" {
		return
	}
	if room, ok := h.rooms[c.auction]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.auction)
		}
	}
	c.auction = ""
}

// Subscribers returns the number of connections watching auctionID.
func (h *Hub) Subscribers(auctionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[auctionID])
}
