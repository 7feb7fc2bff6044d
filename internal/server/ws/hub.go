// Package ws bridges market lifecycle events from the signal bus to
// WebSocket clients as binary protobuf frames.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// replayLimit caps how many stream entries a reconnecting client receives.
	replayLimit = 500
)

// Config tunes the hub.
type Config struct {
	// AllowedOrigins restricts browser upgrades. Empty allows any origin.
	AllowedOrigins []string
}

// client is one WebSocket connection. markets is the set of market ids the
// client follows; empty means every market.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	markets map[string]bool
}

// controlMsg is the JSON text frame clients send to change their filter.
type controlMsg struct {
	Action  string   `json:"action"`
	Markets []string `json:"markets"`
}

type frame struct {
	marketID string
	data     []byte
}

// Hub fans bus events out to connected clients.
type Hub struct {
	bus      domain.SignalBus
	upgrader websocket.Upgrader
	logger   *slog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan frame
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub returns a hub reading from bus.
func NewHub(bus domain.SignalBus, cfg Config, logger *slog.Logger) *Hub {
	h := &Hub{
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws")),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan frame, 256),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

// Run subscribes to the event channel and drives client registration and
// delivery until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	msgs, err := h.bus.Subscribe(ctx, events.Channel)
	if err != nil {
		return fmt.Errorf("ws: subscribe %s: %w", events.Channel, err)
	}
	h.logger.InfoContext(ctx, "ws: subscribed", slog.String("channel", events.Channel))

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws: client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws: client disconnected", slog.Int("clients", n))

		case data, ok := <-msgs:
			if !ok {
				h.logger.WarnContext(ctx, "ws: subscription closed")
				msgs = nil
				continue
			}
			h.deliver(toFrame(data))

		case f := <-h.broadcast:
			h.deliver(f)
		}
	}
}

func toFrame(data []byte) frame {
	f := frame{data: data}
	if e, err := events.Decode(data); err == nil {
		f.marketID = e.MarketID
	}
	return f
}

func (h *Hub) deliver(f frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.follows(f.marketID) {
			continue
		}
		select {
		case c.send <- f.data:
		default:
			h.logger.Warn("ws: dropping frame for slow client")
		}
	}
}

// Broadcast injects an encoded event without going through the bus.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- toFrame(data):
	default:
		h.logger.Warn("ws: broadcast buffer full")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request. ?market= may repeat to follow specific
// markets; ?since=<stream id> replays buffered events first.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		markets: make(map[string]bool),
	}
	for _, id := range r.URL.Query()["market"] {
		c.markets[id] = true
	}

	if since := r.URL.Query().Get("since"); since != "" {
		h.replay(r.Context(), c, since)
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) replay(ctx context.Context, c *client, since string) {
	entries, err := h.bus.StreamRead(ctx, events.Stream, since, replayLimit)
	if err != nil {
		h.logger.WarnContext(ctx, "ws: replay failed", slog.String("error", err.Error()))
		return
	}
	for _, m := range entries {
		f := toFrame(m.Payload)
		if !c.follows(f.marketID) {
			continue
		}
		select {
		case c.send <- f.data:
		default:
			return
		}
	}
}

func (c *client) follows(marketID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markets) == 0 || c.markets[marketID]
}

func (c *client) apply(msg controlMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, id := range msg.Markets {
			c.markets[id] = true
		}
	case "unsubscribe":
		for _, id := range msg.Markets {
			delete(c.markets, id)
		}
	case "reset":
		clear(c.markets)
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg controlMsg
		if json.Unmarshal(message, &msg) == nil && msg.Action != "" {
			c.apply(msg)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
