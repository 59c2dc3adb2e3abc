package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/replica-core/internal/infrastructure/config"
	"github.com/nerrad567/replica-core/internal/infrastructure/logging"
	"github.com/nerrad567/replica-core/internal/ingest"
	"github.com/nerrad567/replica-core/internal/twin"
)

// Message types exchanged with WebSocket clients.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

const (
	// wsSendBufferSize is the number of outbound messages queued per client
	// before broadcasts to it are dropped.
	wsSendBufferSize = 256

	// twinLookupTimeout bounds the membership load of a twin subscription.
	twinLookupTimeout = 5 * time.Second
)

// Event channels broadcast by the server and the ingestion recorder.
const (
	EventReplicaCreated      = "replica.created"
	EventReplicaUpdated      = "replica.updated"
	EventReplicaDeleted      = "replica.deleted"
	EventMeasurementAppended = ingest.EventMeasurementAppended
	EventAccessRecorded      = ingest.EventAccessRecorded
	EventBottleRelocated     = ingest.EventBottleRelocated
)

// WSMessage is the envelope of every frame in both directions.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload carries the channels of subscribe and unsubscribe
// messages. See topics.go for the channel grammar.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// TwinSource loads digital twins for twin-scoped subscriptions.
// *twin.Runtime satisfies it.
type TwinSource interface {
	Get(ctx context.Context, id string) (*twin.DigitalTwin, error)
}

// Hub fans replica events out to WebSocket clients.
//
// Each event is matched against the channels a client subscribed to using
// the records it is about, so a client may follow one event type, one
// record type, one record or every member of a digital twin.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger
	twins  TwinSource

	mu      sync.RWMutex
	clients map[*WSClient]struct{}

	// members caches the member records of every twin a client watches.
	membersMu sync.RWMutex
	members   map[string]map[subject]struct{}
}

// NewHub creates a hub. Call Run to tie its lifetime to a context.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
		members: make(map[string]map[subject]struct{}),
	}
}

// SetTwins enables twin:<id> subscriptions. Call before serving clients.
func (h *Hub) SetTwins(src TwinSource) {
	h.twins = src
}

// Run blocks until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// Register starts delivering events to client.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister stops delivery to client and closes its send queue. Only the
// call that removes the client closes the queue.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, present := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if present {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers an event to every client with a matching
// subscription. Slow clients whose queue is full miss the event.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}
	subjects := subjectsOf(payload)

	// Client locks are taken only after the hub lock is released.
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if c.wants(channel, subjects) {
			c.trySend(data)
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("event broadcast", "channel", channel, "recipients", sent)
	}
}

// watchTwin loads the members of twinID so events about them reach
// twin:<id> subscribers.
func (h *Hub) watchTwin(ctx context.Context, twinID string) error {
	if h.twins == nil {
		return errors.New("twin subscriptions are not available")
	}
	ctx, cancel := context.WithTimeout(ctx, twinLookupTimeout)
	defer cancel()
	dt, err := h.twins.Get(ctx, twinID)
	if err != nil {
		return err
	}

	set := make(map[subject]struct{}, len(dt.Members))
	for _, m := range dt.Members {
		set[subject{m.Type, m.ID}] = struct{}{}
	}
	h.membersMu.Lock()
	h.members[twinID] = set
	h.membersMu.Unlock()
	return nil
}

// AddTwinMember keeps the cached membership of a watched twin current.
// Twins nobody watches are ignored.
func (h *Hub) AddTwinMember(twinID, recordType, id string) {
	h.membersMu.Lock()
	defer h.membersMu.Unlock()
	if set, ok := h.members[twinID]; ok {
		set[subject{recordType, id}] = struct{}{}
	}
}

// ForgetTwins drops every cached membership, for example after the
// backing collections were reset.
func (h *Hub) ForgetTwins() {
	h.membersMu.Lock()
	clear(h.members)
	h.membersMu.Unlock()
}

func (h *Hub) inTwin(twinID string, subjects []subject) bool {
	h.membersMu.RLock()
	defer h.membersMu.RUnlock()
	set := h.members[twinID]
	for _, s := range subjects {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

// upgrader leaves origin checks to the CORS middleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the request and registers the client. Clients
// receive nothing until they subscribe to at least one channel.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeUnavailable(w, "websocket hub not running")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(s.hub, conn)
	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// WSClient is one WebSocket connection and its subscriptions.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	topics map[string]topic
}

func newWSClient(hub *Hub, conn *websocket.Conn) *WSClient {
	return &WSClient{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, wsSendBufferSize),
		topics: make(map[string]topic),
	}
}

// subscribe adds channels and returns those accepted plus the reason each
// rejected one was refused.
func (c *WSClient) subscribe(ctx context.Context, channels []string) (accepted []string, rejected map[string]string) {
	for _, ch := range channels {
		t, err := parseTopic(ch)
		if err == nil && t.twinID != "" {
			err = c.hub.watchTwin(ctx, t.twinID)
		}
		if err != nil {
			if rejected == nil {
				rejected = make(map[string]string)
			}
			rejected[ch] = err.Error()
			continue
		}

		c.mu.Lock()
		c.topics[ch] = t
		c.mu.Unlock()
		accepted = append(accepted, ch)
	}
	return accepted, rejected
}

func (c *WSClient) unsubscribe(channels []string) {
	c.mu.Lock()
	for _, ch := range channels {
		delete(c.topics, ch)
	}
	c.mu.Unlock()
}

// wants reports whether any subscription selects the event.
func (c *WSClient) wants(channel string, subjects []subject) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.topics {
		if t.twinID != "" {
			if c.hub.inTwin(t.twinID, subjects) {
				return true
			}
			continue
		}
		if t.matches(channel, subjects) {
			return true
		}
	}
	return false
}

// trySend queues data without blocking. A full queue drops the message
// and a queue closed by a concurrent Unregister is ignored.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // send on a queue closed during shutdown
	}()
	select {
	case c.send <- data:
	default:
	}
}

// readPump handles client frames until the connection fails, then
// unregisters the client.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	deadline := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(deadline)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	extend() //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Browsers may ignore protocol pings, so any frame counts as liveness.
		extend() //nolint:errcheck // a failed deadline surfaces as a read error
		c.handleMessage(frame)
	}
}

// writePump drains the send queue and pings the client every PingInterval.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	writeWait := time.Duration(cfg.PongTimeout) * time.Second

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // a failed deadline surfaces as a write error
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, open := <-c.send:
			if !open {
				write(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(frame []byte) {
	var msg WSMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.replyError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		channels, err := decodeChannels(msg.Payload)
		if err != nil {
			c.replyError(msg.ID, "invalid "+msg.Type+" payload")
			return
		}
		if msg.Type == WSTypeUnsubscribe {
			c.unsubscribe(channels)
			c.reply(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": channels})
			return
		}
		accepted, rejected := c.subscribe(context.Background(), channels)
		c.hub.logger.Info("websocket client subscribed", "channels", accepted, "rejected", len(rejected))
		resp := map[string]any{"subscribed": accepted}
		if len(rejected) > 0 {
			resp["rejected"] = rejected
		}
		c.reply(msg.ID, WSTypeResponse, resp)
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.replyError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// decodeChannels reads the channel list out of a generically decoded
// payload.
func decodeChannels(payload any) ([]string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var sub WSSubscribePayload
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	return sub.Channels, nil
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err == nil {
		c.trySend(data)
	}
}

func (c *WSClient) replyError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
