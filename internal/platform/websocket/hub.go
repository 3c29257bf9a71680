// Package websocket pushes highlight and chat events to connected viewers.
// Clients subscribe to topics; services publish events to a topic and every
// subscriber receives them.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/chartview/internal/platform/auth"
)

// Topic prefixes a client may subscribe to.
const (
	viewerPrefix       = "viewer/"
	conversationPrefix = "conversation/"
)

// ViewerTopic carries citation highlight events for one viewer.
func ViewerTopic(viewerID string) string { return viewerPrefix + viewerID }

// ConversationTopic carries typing and message events for one conversation.
func ConversationTopic(patientID, channel string) string {
	return conversationPrefix + patientID + "/" + channel
}

// ValidTopic reports whether topic has a known prefix and a non-empty key.
func ValidTopic(topic string) bool {
	for _, p := range []string{viewerPrefix, conversationPrefix} {
		if strings.HasPrefix(topic, p) && len(topic) > len(p) {
			return true
		}
	}
	return false
}

// CanSubscribe reports whether the identity in ctx may receive topic.
// Viewer topics and clinician conversations need the clinician role; a
// portal conversation is also open to the patient it belongs to.
func CanSubscribe(ctx context.Context, topic string) bool {
	if strings.HasPrefix(topic, viewerPrefix) {
		return len(topic) > len(viewerPrefix) && auth.HasAnyRole(ctx, auth.RoleClinician)
	}
	if !strings.HasPrefix(topic, conversationPrefix) {
		return false
	}
	parts := strings.Split(strings.TrimPrefix(topic, conversationPrefix), "/")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	switch parts[1] {
	case "clinician":
		return auth.HasAnyRole(ctx, auth.RoleClinician)
	case "portal":
		return auth.CanAccessPatient(ctx, parts[0])
	}
	return false
}

// Event is a notification sent to subscribed clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with payload marshalled into Data.
func NewEvent(eventType, topic string, payload interface{}) (Event, error) {
	ev := Event{Type: eventType, Topic: topic, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// ClientMessage is an inbound subscribe or unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Publisher is implemented by Hub; services depend on it. Publish must not
// block, since callers may hold their own locks while publishing.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Client is one websocket connection. Allow gates every subscription; a
// client without one cannot subscribe.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	Allow  func(topic string) bool
	hub    *Hub
}

func (c *Client) subscribed(topic string) bool {
	for _, t := range c.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "ws-hub").Logger(),
	}
}

// Register adds a client and subscribes it to the topics already on it.
// Those topics are not checked against Allow; HandleConnect registers with
// none and subscribes through Subscribe.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Unregister drops the client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client. Unknown topics, topics the
// client may not read and topics it already has are skipped.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if !ValidTopic(topic) {
			h.logger.Debug().Str("client", client.ID).Str("topic", topic).Msg("ignoring unknown topic")
			continue
		}
		if client.Allow == nil || !client.Allow(topic) {
			h.logger.Warn().Str("client", client.ID).Str("topic", topic).Msg("subscription denied")
			continue
		}
		if client.subscribed(topic) {
			continue
		}
		h.addLocked(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
		h.removeLocked(t, client)
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends an event to all clients subscribed to topic. Slow clients
// with a full buffer miss the event.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client", client.ID).Str("topic", topic).Msg("client buffer full, event dropped")
		}
	}
}

// Publish broadcasts the event to subscribers of event.Topic.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts connections from allowedOrigins; "*" or an empty list
// allows any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || allowed["*"] || origin == "" || allowed[origin]
			},
		},
	}
}

func (wsh *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the request and starts the client pumps. Initial
// topics may be passed as a comma-separated "topics" query parameter. Every
// topic, initial or later, is checked against the identity the auth
// middleware attached to the request; a request with no role is refused.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	identity := c.Request().Context()
	if !auth.HasAnyRole(identity, auth.RoleClinician, auth.RolePatient) {
		return echo.NewHTTPError(http.StatusForbidden, "no role allows realtime events")
	}
	allow := func(topic string) bool { return CanSubscribe(identity, topic) }

	var initial []string
	if q := c.QueryParam("topics"); q != "" {
		for _, t := range strings.Split(q, ",") {
			t = strings.TrimSpace(t)
			if !ValidTopic(t) {
				continue
			}
			if !allow(t) {
				return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("no access to topic %s", t))
			}
			initial = append(initial, t)
		}
	}

	client := &Client{
		ID:    uuid.New().String(),
		Send:  make(chan []byte, 256),
		Allow: allow,
		hub:   wsh.hub,
	}
	// Subscribed before the handshake completes; events published meanwhile
	// wait in Send.
	wsh.hub.Register(client)
	wsh.hub.Subscribe(client, initial)

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		wsh.hub.Unregister(client)
		return err
	}
	wsh.hub.logger.Debug().Str("client", client.ID).Strs("topics", client.Topics).Msg("websocket connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
