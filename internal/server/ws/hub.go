// Package ws streams auction events from the signal bus to websocket
// clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4096
	sendBufferSize = 256
)

// busPatterns are the pub/sub patterns the hub listens on; each message is
// routed by its concrete channel.
var busPatterns = []string{"auction:*", "user:*"}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg is the JSON frame a client sends to manage subscriptions:
//
//	{"action":"subscribe","channels":["auction:{id}","user:{id}"]}
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// directMsg is addressed to one client regardless of its subscriptions.
type directMsg struct {
	c       *client
	payload []byte
}

// Config carries hub settings.
type Config struct {
	Mode        string
	StartedAt   time.Time
	ReplayLimit int // events replayed on subscribing to an auction channel; 0 disables
}

// Hub fans bus messages out to the clients subscribed to their channel.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan domain.Message
	direct     chan directMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	mu         sync.RWMutex
	logger     *slog.Logger
	cfg        Config
}

// NewHub creates a Hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	cfg.Mode = strings.TrimSpace(strings.ToLower(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = "unknown"
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan domain.Message, 256),
		direct:     make(chan directMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		cfg:        cfg,
	}
}

// Run subscribes to the bus and serves the hub loop until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for _, p := range busPatterns {
		go h.subscribe(ctx, p)
	}

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
			h.mu.Unlock()
			h.logger.Debug("client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected", slog.Int("total_clients", h.clientCount()))

		case msg := <-h.broadcast:
			h.fanOut(msg)

		case m := <-h.direct:
			h.mu.RLock()
			if h.clients[m.c] {
				select {
				case m.c.send <- m.payload:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) fanOut(msg domain.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(msg.Channel) {
			continue
		}
		select {
		case c.send <- msg.Payload:
		default:
			h.logger.Warn("dropping message for slow client", slog.String("channel", msg.Channel))
		}
	}
}

func (h *Hub) subscribe(ctx context.Context, pattern string) {
	msgCh, err := h.bus.Subscribe(ctx, pattern)
	if err != nil {
		h.logger.Error("subscribe failed",
			slog.String("pattern", pattern),
			slog.String("error", err.Error()),
		)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				h.logger.Warn("bus subscription closed", slog.String("pattern", pattern))
				return
			}
			select {
			case h.broadcast <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client. Clients start
// with no subscriptions.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}

	h.register <- c
	c.sendHello()

	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// replay returns the recent history of an auction channel.
func (h *Hub) replay(ctx context.Context, channel string) [][]byte {
	auctionID, ok := strings.CutPrefix(channel, "auction:")
	if !ok || h.cfg.ReplayLimit <= 0 || auctionID == "" {
		return nil
	}
	msgs, err := h.bus.StreamRead(ctx, domain.EventStream(auctionID), "0", h.cfg.ReplayLimit)
	if err != nil {
		h.logger.Warn("replay failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return nil
	}
	out := make([][]byte, len(msgs))
	for i, m := range msgs {
		out[i] = m.Payload
	}
	return out
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err != nil || sub.Action == "" {
			continue
		}
		for _, ch := range c.handleSubscription(sub) {
			for _, payload := range c.hub.replay(context.Background(), ch) {
				c.trySend(payload)
			}
		}
	}
}

// handleSubscription applies sub and returns the newly added channels.
func (c *client) handleSubscription(msg subscribeMsg) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var added []string
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			if !validChannel(ch) || c.subs[ch] {
				continue
			}
			c.subs[ch] = true
			added = append(added, ch)
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
	return added
}

func validChannel(ch string) bool {
	for _, prefix := range []string{"auction:", "user:"} {
		if rest, ok := strings.CutPrefix(ch, prefix); ok {
			return rest != "" && !strings.ContainsAny(rest, "*?[")
		}
	}
	return false
}

func (c *client) sendHello() {
	uptime := max(int64(time.Since(c.hub.cfg.StartedAt).Seconds()), 0)
	msg, err := json.Marshal(map[string]any{
		"type": "hello",
		"payload": map[string]any{
			"mode":           c.hub.cfg.Mode,
			"uptime_seconds": uptime,
		},
	})
	if err != nil {
		return
	}
	c.trySend(msg)
}

// trySend queues msg for this client through the hub loop, dropping it
// when the hub is backed up.
func (c *client) trySend(msg []byte) {
	select {
	case c.hub.direct <- directMsg{c: c, payload: msg}:
	default:
	}
}

func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
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
