package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-coop/internal/auth"
	"github.com/nerrad567/gray-logic-coop/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-coop/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event channels.
const (
	// EventSnapshotUpdated carries every device with its entity states
	// after each successful refresh.
	EventSnapshotUpdated = "snapshot.updated"

	// EventAuthFailed fires when Omlet rejects the API token.
	EventAuthFailed = "coordinator.auth_failed"

	// EventEntityCommand reports each command run through the REST API
	// together with its acknowledgement.
	EventEntityCommand = "entity.command"
)

var knownChannels = map[string]struct{}{
	EventSnapshotUpdated: {},
	EventAuthFailed:      {},
	EventEntityCommand:   {},
}

const (
	wsSendBuffer = 256

	defaultWSPingInterval = 30 * time.Second
	defaultWSPongTimeout  = 10 * time.Second
	defaultWSMaxMessage   = 8 << 10
)

// WSMessage is the envelope of every frame in both directions.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsInbound defers payload decoding until the type is known.
type wsInbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func encodeWS(msgType, id, event string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		EventType: event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

// wsTimings are the keepalive settings derived from config.
type wsTimings struct {
	pingEvery  time.Duration
	readWait   time.Duration
	writeWait  time.Duration
	maxMessage int64
}

func newWSTimings(cfg config.WebSocketConfig) wsTimings {
	t := wsTimings{
		pingEvery:  time.Duration(cfg.PingInterval) * time.Second,
		writeWait:  time.Duration(cfg.PongTimeout) * time.Second,
		maxMessage: int64(cfg.MaxMessageSize),
	}
	if t.pingEvery <= 0 {
		t.pingEvery = defaultWSPingInterval
	}
	if t.writeWait <= 0 {
		t.writeWait = defaultWSPongTimeout
	}
	if t.maxMessage <= 0 {
		t.maxMessage = defaultWSMaxMessage
	}
	t.readWait = t.pingEvery + t.writeWait
	return t
}

// Hub tracks WebSocket clients and fans events out to their subscriptions.
type Hub struct {
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// NewHub returns an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shutdown()
	}
}

func (h *Hub) add(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "subject", c.subject, "clients", n)
}

// remove is idempotent; the read pump and a slow-consumer eviction may both
// call it.
func (h *Hub) remove(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.shutdown()
	if ok {
		h.logger.Debug("websocket client disconnected", "subject", c.subject, "clients", n)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every client subscribed to channel. A client
// whose send buffer is full is disconnected rather than allowed to stall
// the others.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := encodeWS(WSTypeEvent, "", channel, payload)
	if err != nil {
		h.logger.Error("failed to encode websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		if c.subscribed(channel) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.logger.Warn("dropping slow websocket client", "subject", c.subject, "channel", channel)
			h.remove(c)
		}
	}
}

// WSClient is one authenticated WebSocket connection.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	subject string
	role    auth.Role

	mu       sync.RWMutex
	channels map[string]struct{}
	send     chan []byte
	closed   bool
}

func newWSClient(h *Hub, conn *websocket.Conn, subject string, role auth.Role) *WSClient {
	return &WSClient{
		hub:      h,
		conn:     conn,
		subject:  subject,
		role:     role,
		channels: make(map[string]struct{}),
		send:     make(chan []byte, wsSendBuffer),
	}
}

// enqueue queues data without blocking. It reports false when the client is
// closed or its buffer is full.
func (c *WSClient) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shutdown closes the send queue, which makes the write pump send a close
// frame and drop the connection.
func (c *WSClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *WSClient) reply(msgType, id string, payload any) {
	data, err := encodeWS(msgType, id, "", payload)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *WSClient) replyError(id, message string) {
	c.reply(WSTypeError, id, map[string]string{"message": message})
}

func (c *WSClient) readPump(t wsTimings) {
	defer c.hub.remove(c)

	c.conn.SetReadLimit(t.maxMessage)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(t.readWait)) }
	extend() //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "subject", c.subject, "error", err)
			}
			return
		}
		// Browsers may not answer protocol pings; any frame counts as alive.
		extend() //nolint:errcheck // as above
		c.handle(data)
	}
}

func (c *WSClient) writePump(t wsTimings) {
	ticker := time.NewTicker(t.pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(t.writeWait)) //nolint:errcheck // write reports it
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(t.writeWait)) //nolint:errcheck // write reports it
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handle(data []byte) {
	var msg wsInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.replyError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.handleChannels(msg)
	case WSTypePing:
		c.reply(WSTypePong, msg.ID, nil)
	default:
		c.replyError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleChannels applies a subscribe or unsubscribe frame. A frame naming
// any unknown channel is rejected as a whole.
func (c *WSClient) handleChannels(msg wsInbound) {
	var p WSSubscribePayload
	if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &p) != nil || len(p.Channels) == 0 {
		c.replyError(msg.ID, "payload.channels is required")
		return
	}

	var unknown []string
	for _, ch := range p.Channels {
		if _, ok := knownChannels[ch]; !ok {
			unknown = append(unknown, ch)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		c.replyError(msg.ID, "unknown channels: "+strings.Join(unknown, ", "))
		return
	}

	c.mu.Lock()
	for _, ch := range p.Channels {
		if msg.Type == WSTypeSubscribe {
			c.channels[ch] = struct{}{}
		} else {
			delete(c.channels, ch)
		}
	}
	c.mu.Unlock()

	key := "subscribed"
	if msg.Type == WSTypeUnsubscribe {
		key = "unsubscribed"
	}
	c.reply(WSTypeResponse, msg.ID, map[string]any{key: p.Channels})
}

// checkOrigin applies the CORS origin list to browser WebSocket upgrades.
// Non-browser clients send no Origin and are always accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || newCORSPolicy(s.cfg.CORS).allows(origin)
}

// handleWebSocket upgrades a request carrying a single-use ticket from
// POST /auth/ws-ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.consume(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(s.hub, conn, entry.subject, entry.role)
	s.hub.add(client)

	timings := newWSTimings(s.wsCfg)
	go client.writePump(timings)
	go client.readPump(timings)
}
