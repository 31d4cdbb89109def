package ws

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/peerlink/internal/lifecycle"
	"github.com/christopherjohns/peerlink/internal/user"
)

// Client is one WebSocket connection.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	user    *user.User
	machine *lifecycle.Machine
}

func newClient(conn *websocket.Conn, u *user.User) *Client {
	return &Client{conn: conn, user: u, machine: lifecycle.New()}
}

// ID returns the transport-assigned connection id.
func (c *Client) ID() string {
	return c.user.ID
}

// Envelope is the JSON structure sent over the WebSocket. Type carries the
// event name.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorPayload is sent with an "error" event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// JoinFailedPayload is sent with a "join failed" event.
type JoinFailedPayload struct {
	Reason string `json:"reason"`
}

// Event names.
const (
	EventJoinRoom        = "join room"
	EventAllUsers        = "all users"
	EventRoomFull        = "room full"
	EventJoinFailed      = "join failed"
	EventSendingSignal   = "sending signal"
	EventReturningSignal = "returning signal"
	EventAllRooms        = "all rooms"
	EventConnected       = "connected"
	EventError           = "error"
)

// encode wraps payload in an envelope.
func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: event, Payload: data})
}

// Hub knows every open connection and, among them, the active ones that
// signals may be addressed to.
type Hub struct {
	mu     sync.RWMutex
	active map[string]*Client
	conns  *ConnManager
}

// NewHub creates a Hub whose connection manager is built with opts.
func NewHub(opts ...ConnManagerOption) *Hub {
	return &Hub{
		active: make(map[string]*Client),
		conns:  NewConnManager(opts...),
	}
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// activate makes c addressable by its id. A client that disconnected in the
// meantime is left out.
func (h *Hub) activate(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.machine.State() != lifecycle.Active {
		return false
	}
	h.active[c.ID()] = c
	return true
}

// remove drops c from routing and stops its write pump. The client's
// machine must already be Disconnected.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if h.active[c.ID()] == c {
		delete(h.active, c.ID())
	}
	h.mu.Unlock()
	h.conns.Remove(c)
}

// send delivers one event to c.
func (h *Hub) send(c *Client, event string, payload any) bool {
	data, err := encode(event, payload)
	if err != nil {
		log.Error().Str("component", "ws").Str("event", event).Err(err).Msg("failed to encode envelope")
		return false
	}
	return h.conns.Send(c, data)
}

// SendTo delivers one event to the active connection with the given id. It
// returns false if there is none.
func (h *Hub) SendTo(connID, event string, payload any) bool {
	h.mu.RLock()
	c, ok := h.active[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.send(c, event, payload)
}

// IsActive reports whether connID can currently receive signals.
func (h *Hub) IsActive(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.active[connID]
	return ok
}

// ActiveCount returns the number of addressable connections.
func (h *Hub) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}
