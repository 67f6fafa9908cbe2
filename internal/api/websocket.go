package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Event is one entry in the activity feed: stores, searches, and maintenance
// passes broadcast these to every connected dashboard.
type Event struct {
	Type   string    `json:"type"`
	Scope  string    `json:"scope,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Count  int       `json:"count,omitempty"`
	Time   time.Time `json:"time"`
}

// Hub manages websocket connections and broadcasts activity events.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an activity-feed hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run processes registration and broadcast traffic until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("websocket client connected (total: %d)", count)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("websocket client disconnected (total: %d)", count)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("ERROR: failed to marshal websocket event: %v", err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Slow client; drop it rather than block the hub.
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "")
		}
	}
	h.clients = make(map[*client]bool)
	h.mu.Unlock()
}

// drop hands a client back to the hub for removal. After Stop the Run loop
// no longer drains unregister, so the send must give up once the hub context
// is cancelled or the pump goroutine would block forever.
func (h *Hub) drop(c *client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Broadcast queues an event for every connected client. Never blocks.
func (h *Hub) Broadcast(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	select {
	case h.broadcast <- event:
	default:
		log.Println("WARNING: websocket broadcast channel full, dropping event")
	}
}

// ServeHTTP upgrades the request to a websocket connection and attaches it to
// the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("ERROR: websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 256)}
	h.register <- c

	go c.writePump(h)
	go c.readPump(h)
}

func (c *client) writePump(h *Hub) {
	defer func() {
		h.drop(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			return
		}
	}
}

// readPump drains incoming frames to detect disconnections; the feed is
// one-way.
func (c *client) readPump(h *Hub) {
	for {
		if _, _, err := c.conn.Read(h.ctx); err != nil {
			return
		}
	}
}
