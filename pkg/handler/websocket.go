package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// WebSocketMessage is one frame on the live stream
type WebSocketMessage struct {
	Type          string          `json:"type"`
	Subject       string          `json:"subject,omitempty"`
	NodeID        string          `json:"node_id,omitempty"`
	Level         string          `json:"level,omitempty"` // Events only
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Frame types. Clients send subscribe, unsubscribe and pong.
const (
	MessageTypeEvent       = "event.detected"
	MessageTypeResult      = "result.reported"
	MessageTypeHello       = "hello"
	MessageTypeError       = "error"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
)

// liveSubjects maps uplink subjects to the frame type clients see
var liveSubjects = map[string]string{
	"event.>":  MessageTypeEvent,
	"result.>": MessageTypeResult,
}

// SubscribeRequest is the payload of subscribe and unsubscribe frames. Empty lists leave that
// dimension unchanged.
type SubscribeRequest struct {
	Types    []string `json:"types,omitempty"`
	Nodes    []string `json:"nodes,omitempty"`
	MinLevel string   `json:"min_level,omitempty"`
}

// liveFilter selects which frames reach a client. The zero value passes everything.
type liveFilter struct {
	types    map[string]bool
	nodes    map[string]bool
	minLevel messages.Level
}

func (f *liveFilter) apply(req SubscribeRequest, subscribe bool) error {
	var minLevel messages.Level
	if req.MinLevel != "" {
		l, err := messages.ParseLevel(req.MinLevel)
		if err != nil {
			return err
		}
		minLevel = l
	}

	if f.types == nil {
		f.types = make(map[string]bool)
	}
	if f.nodes == nil {
		f.nodes = make(map[string]bool)
	}
	for _, t := range req.Types {
		if subscribe {
			f.types[t] = true
		} else {
			delete(f.types, t)
		}
	}
	for _, n := range req.Nodes {
		if subscribe {
			f.nodes[n] = true
		} else {
			delete(f.nodes, n)
		}
	}
	if req.MinLevel != "" {
		if subscribe {
			f.minLevel = minLevel
		} else {
			f.minLevel = messages.LevelNone
		}
	}
	return nil
}

func (f *liveFilter) matches(msg WebSocketMessage) bool {
	if len(f.types) > 0 && !f.types[msg.Type] {
		return false
	}
	if len(f.nodes) > 0 && !f.nodes[msg.NodeID] {
		return false
	}
	if msg.Type == MessageTypeEvent && f.minLevel > messages.LevelNone {
		level, err := messages.ParseLevel(msg.Level)
		if err != nil || level < f.minLevel {
			return false
		}
	}
	return true
}

// WebSocketClient is one connected dashboard
type WebSocketClient struct {
	id     string
	conn   *websocket.Conn
	send   chan WebSocketMessage
	hub    *WebSocketHub
	mu     sync.RWMutex
	filter liveFilter
}

// WebSocketHub fans uplink traffic out to connected dashboards
type WebSocketHub struct {
	clients    map[string]*WebSocketClient
	broadcast  chan WebSocketMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	mu         sync.RWMutex
	logger     zerolog.Logger
	nc         *nats.Conn
	subs       []*nats.Subscription
}

// NewWebSocketHub creates a hub. nc may be nil; frames then arrive only via Broadcast.
func NewWebSocketHub(nc *nats.Conn, logger zerolog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[string]*WebSocketClient),
		broadcast:  make(chan WebSocketMessage, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "websocket_hub").Logger(),
		nc:         nc,
	}
}

// Run serves the hub until ctx is cancelled
func (h *WebSocketHub) Run(ctx context.Context) {
	if h.nc != nil {
		h.subscribeUplink()
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			client.trySend(hello(client.id))
			h.logger.Info().Str("client_id", client.id).Int("total_clients", total).Msg("Client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Str("client_id", client.id).Int("total_clients", total).Msg("Client disconnected")

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *WebSocketHub) deliver(msg WebSocketMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.wants(msg) {
			continue
		}
		if !client.trySend(msg) {
			h.logger.Warn().Str("client_id", client.id).Str("message_type", msg.Type).Msg("Client send buffer full, dropping frame")
		}
	}
}

func (h *WebSocketHub) subscribeUplink() {
	for subject, msgType := range liveSubjects {
		messageType := msgType
		sub, err := h.nc.Subscribe(subject, func(msg *nats.Msg) {
			h.Broadcast(newLiveMessage(messageType, msg.Subject, msg.Data))
		})
		if err != nil {
			h.logger.Error().Err(err).Str("subject", subject).Msg("Failed to subscribe to uplink subject")
			continue
		}
		h.subs = append(h.subs, sub)
		h.logger.Info().Str("subject", subject).Str("message_type", messageType).Msg("Subscribed to uplink subject")
	}
}

// newLiveMessage wraps an uplink payload, lifting routing fields out of the envelope and body
func newLiveMessage(messageType, subject string, data []byte) WebSocketMessage {
	wsMsg := WebSocketMessage{
		Type:      messageType,
		Subject:   subject,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}
	var head struct {
		Envelope struct {
			Source        string `json:"source"`
			CorrelationID string `json:"correlation_id"`
		} `json:"envelope"`
		Level string `json:"level"`
	}
	if err := json.Unmarshal(data, &head); err == nil {
		wsMsg.NodeID = head.Envelope.Source
		wsMsg.CorrelationID = head.Envelope.CorrelationID
		if messageType == MessageTypeEvent {
			wsMsg.Level = head.Level
		}
	}
	return wsMsg
}

func hello(clientID string) WebSocketMessage {
	payload, _ := json.Marshal(map[string]interface{}{
		"client_id": clientID,
		"types":     []string{MessageTypeEvent, MessageTypeResult},
	})
	return WebSocketMessage{Type: MessageTypeHello, Payload: payload, Timestamp: time.Now().UTC()}
}

func (h *WebSocketHub) shutdown() {
	close(h.done)
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}

	h.mu.Lock()
	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*WebSocketClient)
	h.mu.Unlock()

	h.logger.Info().Msg("WebSocket hub shutdown complete")
}

// Broadcast queues a frame for every client whose filter accepts it
func (h *WebSocketHub) Broadcast(msg WebSocketMessage) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn().Str("message_type", msg.Type).Msg("Broadcast buffer full")
	}
}

func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WebSocketHandler upgrades GET /ws
type WebSocketHandler struct {
	hub     *WebSocketHub
	origins []string
	logger  zerolog.Logger
}

// NewWebSocketHandler accepts connections from the given origin host patterns
func NewWebSocketHandler(hub *WebSocketHub, origins []string, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:     hub,
		origins: origins,
		logger:  logger.With().Str("handler", "websocket").Logger(),
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to accept WebSocket connection")
		return
	}

	client := &WebSocketClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan WebSocketMessage, 64),
		hub:  h.hub,
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go client.writePump(ctx)
	client.readPump(ctx)
}

// trySend queues msg without blocking. Only the hub goroutine calls it, so send is open.
func (c *WebSocketClient) trySend(msg WebSocketMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *WebSocketClient) wants(msg WebSocketMessage) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.matches(msg)
}

func (c *WebSocketClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusNormalClosure, "connection closed")
				return
			}
			if err := c.write(ctx, msg); err != nil {
				c.hub.logger.Error().Err(err).Str("client_id", c.id).Msg("Failed to write frame")
				return
			}

		case <-ticker.C:
			if err := c.write(ctx, WebSocketMessage{Type: MessageTypePing, Timestamp: time.Now().UTC()}); err != nil {
				c.hub.logger.Error().Err(err).Str("client_id", c.id).Msg("Failed to send ping")
				return
			}
		}
	}
}

func (c *WebSocketClient) write(ctx context.Context, msg WebSocketMessage) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, msg)
}

func (c *WebSocketClient) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var msg WebSocketMessage
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				c.hub.logger.Debug().Err(err).Str("client_id", c.id).Msg("Read error")
			}
			return
		}

		switch msg.Type {
		case MessageTypePong:

		case MessageTypeSubscribe, MessageTypeUnsubscribe:
			if err := c.updateFilter(msg); err != nil {
				c.reject(ctx, err)
			}

		default:
			c.hub.logger.Debug().Str("client_id", c.id).Str("type", msg.Type).Msg("Unknown frame type")
		}
	}
}

func (c *WebSocketClient) updateFilter(msg WebSocketMessage) error {
	var req SubscribeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return fmt.Errorf("invalid %s payload: %w", msg.Type, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.apply(req, msg.Type == MessageTypeSubscribe)
}

// reject reports a bad request frame directly, bypassing the hub queue
func (c *WebSocketClient) reject(ctx context.Context, err error) {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	if werr := c.write(ctx, WebSocketMessage{Type: MessageTypeError, Payload: payload, Timestamp: time.Now().UTC()}); werr != nil {
		c.hub.logger.Debug().Err(werr).Str("client_id", c.id).Msg("Failed to report bad frame")
	}
}
