package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"splat-pipeline/internal/logger"
)

// EventType names the message kinds pushed to subscribed clients.
type EventType string

const (
	EventStageProgress EventType = "stage_progress"
	EventLogMessage    EventType = "log_message"
	EventConnected     EventType = "connected"
)

// Message is the wire format delivered to WebSocket subscribers.
type Message struct {
	Type      EventType `json:"type"`
	ProjectID string    `json:"projectId"`
	Stage     string    `json:"stage,omitempty"`
	Progress  int       `json:"progress,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// controlMessage is what clients send to join or leave a project room.
type controlMessage struct {
	Action    string `json:"action"`
	ProjectID string `json:"projectId"`
}

// Client is one connected WebSocket subscriber.
type Client struct {
	ID       uuid.UUID
	Rooms    map[string]bool
	Outbound chan Message
	done     chan struct{}
}

// Hub fans project events out to WebSocket clients grouped by project room.
// It implements Notifier.
type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	upgrader      websocket.Upgrader
	subscriptions map[string]map[*Client]bool
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log: log.With("component", "realtime-hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subscriptions: make(map[string]map[*Client]bool),
	}
}

// NewClient allocates a client with a buffered outbound queue.
func (h *Hub) NewClient() *Client {
	return &Client{
		ID:       uuid.New(),
		Rooms:    make(map[string]bool),
		Outbound: make(chan Message, 64),
		done:     make(chan struct{}),
	}
}

// Join subscribes a client to a project room.
func (h *Hub) Join(client *Client, projectID string) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	client.Rooms[projectID] = true
	clients, ok := h.subscriptions[projectID]
	if !ok {
		clients = make(map[*Client]bool)
		h.subscriptions[projectID] = clients
	}
	clients[client] = true

	h.log.Debug("client joined project room", "clientID", client.ID, "projectID", projectID)
}

// Leave unsubscribes a client from a project room.
func (h *Hub) Leave(client *Client, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.Rooms, projectID)
	if clients, ok := h.subscriptions[projectID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.subscriptions, projectID)
		}
	}
}

// RemoveClient unsubscribes a client from all rooms and closes its queue.
func (h *Hub) RemoveClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range client.Rooms {
		if clients, ok := h.subscriptions[room]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.subscriptions, room)
			}
		}
	}
	client.Rooms = make(map[string]bool)

	select {
	case <-client.done:
	default:
		close(client.done)
		close(client.Outbound)
	}
}

// Broadcast delivers a message to every client in the project's room.
// Sends never block: a client whose buffer is full misses the event.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.subscriptions[msg.ProjectID] {
		select {
		case client.Outbound <- msg:
		default:
			h.log.Debug("dropping event for slow client", "clientID", client.ID, "projectID", msg.ProjectID)
		}
	}
}

// NotifyStageProgress implements Notifier.
func (h *Hub) NotifyStageProgress(projectID, stageKey string, percent int, detail string) {
	h.Broadcast(Message{
		Type:      EventStageProgress,
		ProjectID: projectID,
		Stage:     stageKey,
		Progress:  percent,
		Detail:    detail,
	})
}

// NotifyLogLine implements Notifier.
func (h *Hub) NotifyLogLine(projectID, message string, timestamp time.Time) {
	h.Broadcast(Message{
		Type:      EventLogMessage,
		ProjectID: projectID,
		Message:   message,
		Timestamp: timestamp.UTC().Format(time.RFC3339),
	})
}

// ServeHTTP upgrades the connection and pumps messages until the client
// disconnects. Clients send {"action":"join","projectId":...} to subscribe.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := h.NewClient()
	defer func() {
		h.RemoveClient(client)
		_ = conn.Close()
	}()

	if err := conn.WriteJSON(Message{Type: EventConnected}); err != nil {
		return
	}

	go h.writePump(conn, client)
	h.readPump(conn, client)
}

// readPump handles join/leave control messages from the client.
func (h *Hub) readPump(conn *websocket.Conn, client *Client) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var ctrl controlMessage
		if err := json.Unmarshal(data, &ctrl); err != nil {
			continue
		}

		switch ctrl.Action {
		case "join":
			h.Join(client, ctrl.ProjectID)
		case "leave":
			h.Leave(client, ctrl.ProjectID)
		}
	}
}

// writePump forwards queued events to the connection.
func (h *Hub) writePump(conn *websocket.Conn, client *Client) {
	for {
		select {
		case msg, ok := <-client.Outbound:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}
