package api

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
)

// Channel names for the three WebSocket surfaces.
const (
	channelWS    = "ws"    // typed request/response + opt-in tick push
	channelTicks = "ticks" // read-only tick firehose
	channelChat  = "chat"  // per-user chat and alert delivery
)

// Hub tracks the connected WebSocket clients across all three surfaces and
// routes outbound frames to them. Register/unregister flow through the run
// loop; fan-out iterates the client set under a read lock, which is safe
// because send channels are only ever closed while the write lock is held.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]bool
	byUser  map[string]map[*Client]bool // chat clients keyed by user

	logger *slog.Logger
}

// Client is one connected WebSocket on one of the hub's channels.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	channel string
	userID  string // chat only

	// subscribed gates tick push on the ws channel.
	subscribed atomic.Bool

	// onMessage handles inbound frames; nil means the surface is
	// write-only and inbound frames are discarded.
	onMessage func(c *Client, data []byte)
}

// NewHub creates the hub; Run must be started before clients attach.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		byUser:     make(map[string]map[*Client]bool),
		logger:     logger.With("component", "ws-hub"),
	}
}

// Run owns the client set until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			if c.channel == channelChat && c.userID != "" {
				if h.byUser[c.userID] == nil {
					h.byUser[c.userID] = make(map[*Client]bool)
				}
				h.byUser[c.userID][c] = true
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "channel", c.channel, "count", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				h.dropUserLocked(c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", "channel", c.channel, "count", n)
		}
	}
}

func (h *Hub) dropUserLocked(c *Client) {
	if c.userID == "" {
		return
	}
	if set := h.byUser[c.userID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.userID)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
	}
	h.clients = make(map[*Client]bool)
	h.byUser = make(map[string]map[*Client]bool)
}

// FanTick pushes a tick frame to the tick-stream clients and to ws clients
// that asked for the stream. Slow clients drop frames rather than stalling
// the fan-out.
func (h *Hub) FanTick(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		switch c.channel {
		case channelTicks:
		case channelWS:
			if !c.subscribed.Load() {
				continue
			}
		default:
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

// SendToUser delivers a frame to every chat client of the user and reports
// how many received it.
func (h *Hub) SendToUser(userID string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.byUser[userID] {
		select {
		case c.send <- data:
			n++
		default:
		}
	}
	return n
}

// ClientCount reports connected clients, optionally filtered by channel.
func (h *Hub) ClientCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if channel == "" {
		return len(h.clients)
	}
	n := 0
	for c := range h.clients {
		if c.channel == channel {
			n++
		}
	}
	return n
}

// NewClient attaches a connection to the hub and starts its pumps. Returns
// nil when the hub has already shut down.
func (h *Hub) NewClient(conn *websocket.Conn, channel, userID string, onMessage func(*Client, []byte)) *Client {
	c := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, 256),
		channel:   channel,
		userID:    userID,
		onMessage: onMessage,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return nil
	}
	go c.writePump()
	go c.readPump()
	return c
}

// Enqueue queues a frame for this client, dropping it when the buffer is
// full.
func (c *Client) Enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

// writePump pumps frames from the send channel to the connection and keeps
// the connection alive with pings.
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
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// readPump consumes inbound frames, refreshing the read deadline on pongs.
func (c *Client) readPump() {
	defer func() {
		c.detach()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", "channel", c.channel, "error", err)
			}
			break
		}
		if c.onMessage != nil {
			c.onMessage(c, data)
		}
	}
}

func (c *Client) detach() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}
