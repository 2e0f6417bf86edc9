package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

var errUnknownChannel = errors.New("unknown channel")

// FeedOpener starts the upstream feed for a channel on its first subscriber.
// The returned cancel runs when the last subscriber leaves. A nil cancel
// with a nil error means the channel needs no feed.
type FeedOpener func(channel string) (cancel func(), err error)

type feed struct {
	refs   int
	cancel func()
}

// Hub maintains active WebSocket connections and fans out channel messages
type Hub struct {
	logger *zap.SugaredLogger
	open   FeedOpener

	// Registered clients
	clients map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	feedMu sync.Mutex
	feeds  map[string]*feed
}

// NewHub creates a new WebSocket hub
func NewHub(logger *zap.SugaredLogger, open FeedOpener) *Hub {
	if open == nil {
		open = func(string) (func(), error) { return nil, nil }
	}
	return &Hub{
		logger:     logger,
		open:       open,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		feeds:      make(map[string]*feed),
	}
}

// Run services registrations until ctx is cancelled, then disconnects every
// client and stops every feed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debugw("ws_client_connected", "client", client.id, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			for _, ch := range client.channels() {
				h.release(ch)
			}
			h.logger.Debugw("ws_client_disconnected", "client", client.id, "total", n)

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.feedMu.Lock()
			for name, f := range h.feeds {
				if f.cancel != nil {
					f.cancel()
				}
				delete(h.feeds, name)
			}
			h.feedMu.Unlock()
			return
		}
	}
}

// BroadcastToChannel sends a message to all clients subscribed to a channel.
// Clients with a full buffer miss the message.
func (h *Hub) BroadcastToChannel(channel string, data any) {
	message, err := json.Marshal(data)
	if err != nil {
		h.logger.Errorw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.IsSubscribed(channel) {
			select {
			case client.send <- message:
			default:
			}
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Feeds returns the number of channels with a running feed
func (h *Hub) Feeds() int {
	h.feedMu.Lock()
	defer h.feedMu.Unlock()
	return len(h.feeds)
}

func (h *Hub) retain(channel string) error {
	h.feedMu.Lock()
	defer h.feedMu.Unlock()
	if f, ok := h.feeds[channel]; ok {
		f.refs++
		return nil
	}
	cancel, err := h.open(channel)
	if err != nil {
		return err
	}
	h.feeds[channel] = &feed{refs: 1, cancel: cancel}
	return nil
}

func (h *Hub) release(channel string) {
	h.feedMu.Lock()
	defer h.feedMu.Unlock()
	f, ok := h.feeds[channel]
	if !ok {
		return
	}
	if f.refs--; f.refs > 0 {
		return
	}
	if f.cancel != nil {
		f.cancel()
	}
	delete(h.feeds, channel)
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	// Subscribed channels
	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

// IsSubscribed checks if client is subscribed to a channel
func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

// Subscribe adds a channel subscription
func (c *Client) Subscribe(channel string) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.subscriptions[channel] {
		return nil
	}
	if err := c.hub.retain(channel); err != nil {
		return err
	}
	c.subscriptions[channel] = true
	c.hub.logger.Debugw("ws_subscribed", "client", c.id, "channel", channel)
	return nil
}

// Unsubscribe removes a channel subscription
func (c *Client) Unsubscribe(channel string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if !c.subscriptions[channel] {
		return
	}
	delete(c.subscriptions, channel)
	c.hub.release(channel)
	c.hub.logger.Debugw("ws_unsubscribed", "client", c.id, "channel", channel)
}

// channels empties the subscription set and returns what it held
func (c *Client) channels() []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	c.subscriptions = make(map[string]bool)
	return out
}

// reply queues a direct message to this client only
func (c *Client) reply(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// readPump pumps subscription requests from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.reply(ErrorResponse{Error: "invalid message", Message: err.Error()})
			continue
		}

		switch strings.ToLower(req.Op) {
		case "subscribe":
			for _, channel := range req.Channels {
				if err := c.Subscribe(channel); err != nil {
					c.reply(ErrorResponse{Error: "subscribe failed", Message: channel + ": " + err.Error()})
				}
			}
		case "unsubscribe":
			for _, channel := range req.Channels {
				c.Unsubscribe(channel)
			}
		default:
			c.reply(ErrorResponse{Error: "unknown op", Message: req.Op})
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
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
				// Hub closed the channel
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

// handleWebSocket handles WebSocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("ws_upgrade_failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
