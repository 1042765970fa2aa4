package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yaroing/feedback-platform/internal/logging"
	syncpkg "github.com/yaroing/feedback-platform/internal/sync"
)

// Event types pushed to websocket clients.
const (
	EventSyncStarted         = string(syncpkg.EventStarted)
	EventSyncCompleted       = string(syncpkg.EventCompleted)
	EventSyncFailed          = string(syncpkg.EventFailed)
	EventConnectivityChanged = "connectivity.changed"
	EventAttachmentRetried   = "attachment.retried"
	EventFeedbackQueued      = "feedback.queued"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts non-browser clients and pages served from the same host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// WSEnvelope wraps all websocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

type wsClient struct {
	id            uint64
	conn          *websocket.Conn
	send          chan []byte
	hub           *Hub
	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client subscribed to eventType. Clients with no
// subscriptions receive everything.
func (c *wsClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// Hub fans sync and connectivity events out to websocket clients. Slow
// clients are dropped rather than blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[uint64]*wsClient
	nextID  atomic.Uint64
	closed  bool
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[uint64]*wsClient)}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every subscribed client.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	msg, err := json.Marshal(WSEnvelope{Type: eventType, Data: data, Timestamp: time.Now().Unix()})
	if err != nil {
		logging.Error("Failed to marshal websocket event", err, map[string]interface{}{"type": eventType})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if !c.wants(eventType) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			delete(h.clients, id)
			close(c.send)
			logging.Warn("Dropping slow websocket client", map[string]interface{}{"client_id": id})
		}
	}
}

// OnSyncEvent implements sync.EventHandler.
func (h *Hub) OnSyncEvent(e syncpkg.Event) {
	data := map[string]interface{}{}
	if e.Result != nil {
		data["total"] = e.Result.Total
		data["succeeded"] = e.Result.SucceededCount
		data["failed"] = e.Result.FailedCount
		data["skipped"] = e.Result.SkippedCount
		data["duration"] = e.Result.Duration.Milliseconds()
	}
	if e.Error != "" {
		data["error"] = e.Error
	}
	h.Broadcast(string(e.Type), data)
}

// BroadcastConnectivity announces an online/offline edge.
func (h *Hub) BroadcastConnectivity(online bool) {
	h.Broadcast(EventConnectivityChanged, map[string]interface{}{"online": online})
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

// ServeHTTP upgrades the connection and starts the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &wsClient{
		id:            h.nextID.Add(1),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}
	if !h.register(c) {
		conn.Close()
		return
	}
	logging.Debug("Websocket client connected", map[string]interface{}{"client_id": c.id})

	go c.writePump()
	go c.readPump()
}

// readPump handles subscribe, unsubscribe and ping actions.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		logging.Debug("Websocket client disconnected", map[string]interface{}{"client_id": c.id})
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("Websocket read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

func (c *wsClient) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().Unix()
	msg, err := json.Marshal(body)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// writePump drains the send channel and keeps the connection alive.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
