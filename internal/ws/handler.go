package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/peerlink/internal/lifecycle"
	"github.com/christopherjohns/peerlink/internal/ratelimit"
	"github.com/christopherjohns/peerlink/internal/relay"
	"github.com/christopherjohns/peerlink/internal/room"
	"github.com/christopherjohns/peerlink/internal/user"
)

const (
	// maxMessageSize is enough for SDP offers with many candidates.
	maxMessageSize = 64 * 1024

	// directoryTimeout bounds the room listing sent on connect.
	directoryTimeout = 2 * time.Second

	// evictTimeout bounds the presence delete on disconnect.
	evictTimeout = 5 * time.Second
)

// Registry is the room membership the handler drives.
type Registry interface {
	Admit(ctx context.Context, u *user.User, roomID string) room.Decision
	Evict(ctx context.Context, roomID, userID string) error
	ListRooms(ctx context.Context) ([]string, error)
}

// JoinPayload is the object form of a "join room" payload. A bare JSON
// string is accepted as well.
type JoinPayload struct {
	RoomID    string `json:"roomId"`
	RoomIDAlt string `json:"room_id"`
}

// Handler handles WebSocket upgrade requests and client message loops.
type Handler struct {
	hub     *Hub
	rooms   Registry
	relay   *relay.Relay
	limiter *ratelimit.IPLimiter

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLimiter rejects upgrades from addresses over the limit.
func WithLimiter(l *ratelimit.IPLimiter) HandlerOption {
	return func(h *Handler) {
		h.limiter = l
	}
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(hub *Hub, rooms Registry, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub:   hub,
		rooms: rooms,
		relay: relay.New(hub),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the HTTP connection to a WebSocket and runs the
// read loop for the client.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if h.limiter != nil && !h.limiter.Allow(ip) {
		log.Warn().Str("component", "ws").Str("ip", ip).Msg("connection rate limited")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	if !h.enter() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Peers connect from arbitrary app origins.
	})
	if err != nil {
		log.Warn().Str("component", "ws").Err(err).Msg("accept error")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxMessageSize)

	client := newClient(conn, user.New(uuid.NewString(), r.URL.Query()))
	logger := log.With().Str("component", "ws").Str("conn", client.ID()).Logger()
	logger.Debug().Interface("user", client.user).Str("ip", ip).Msg("user connected")

	connCtx, ok := h.hub.conns.Add(client)
	if !ok {
		return
	}
	defer h.disconnect(client, logger)

	h.hub.send(client, EventConnected, client.user)
	h.sendDirectory(r.Context(), client, logger)

	h.readLoop(r.Context(), connCtx, client, logger)
}

// sendDirectory tells a new connection which rooms are occupied.
func (h *Handler) sendDirectory(ctx context.Context, client *Client, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	rooms, err := h.rooms.ListRooms(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("listing rooms failed")
		rooms = []string{}
	}
	h.hub.send(client, EventAllRooms, rooms)
}

// enter reserves a slot for one connection, unless the handler is
// shutting down.
func (h *Handler) enter() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.wg.Add(1)
	return true
}

// readLoop reads messages from the client until the connection closes
// or the connection manager cancels connCtx.
func (h *Handler) readLoop(ctx, connCtx context.Context, client *Client, logger zerolog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(connCtx, cancel)
	defer stop()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}

		h.hub.ConnMgr().TouchActivity(client)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn().Err(err).Msg("dropping undecodable envelope")
			continue
		}

		switch env.Type {
		case EventJoinRoom:
			h.handleJoin(client, env.Payload, logger)
		case EventSendingSignal:
			h.handleSignal(client, env.Type, env.Payload, h.relay.Offer, logger)
		case EventReturningSignal:
			h.handleSignal(client, env.Type, env.Payload, h.relay.Answer, logger)
		default:
			logger.Debug().Str("event", env.Type).Msg("ignoring unknown event")
		}
	}
}

// handleJoin starts an admission. It runs in the background so that a
// disconnect is noticed while the store is slow.
func (h *Handler) handleJoin(client *Client, payload json.RawMessage, logger zerolog.Logger) {
	roomID := parseRoomID(payload)
	if roomID == "" {
		h.hub.send(client, EventError, ErrorPayload{Message: "room id is required"})
		return
	}

	joinCtx, err := client.machine.BeginJoin(context.Background(), roomID)
	if err != nil {
		logger.Debug().Str("room", roomID).Err(err).Msg("join rejected")
		h.hub.send(client, EventError, ErrorPayload{Message: "already in a room"})
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.join(joinCtx, client, roomID, logger.With().Str("room", roomID).Logger())
	}()
}

func (h *Handler) join(ctx context.Context, client *Client, roomID string, logger zerolog.Logger) {
	d := h.rooms.Admit(ctx, client.user, roomID)

	outcome := lifecycle.JoinFailed
	switch d.Status {
	case room.Admitted:
		outcome = lifecycle.Admitted
	case room.Full:
		outcome = lifecycle.RoomFull
	}

	if _, err := client.machine.Complete(outcome); err != nil {
		// Disconnected while joining: nobody else will delete this record.
		if d.Status == room.Admitted {
			logger.Debug().Msg("undoing admission of departed connection")
			h.evict(context.Background(), roomID, client.ID(), logger)
		}
		return
	}

	switch d.Status {
	case room.Admitted:
		if !h.hub.activate(client) {
			// The disconnect path saw Active and evicts.
			return
		}
		members := d.Members
		if members == nil {
			members = []*user.User{}
		}
		logger.Info().Int("members", len(members)).Msg("joined room")
		h.hub.send(client, EventAllUsers, members)
	case room.Full:
		logger.Info().Msg("room full")
		h.hub.send(client, EventRoomFull, nil)
	default:
		reason := "presence store unavailable"
		if errors.Is(d.Err, context.DeadlineExceeded) {
			reason = "timed out"
		}
		h.hub.send(client, EventJoinFailed, JoinFailedPayload{Reason: reason})
	}
}

// handleSignal forwards an offer or answer from an active connection.
func (h *Handler) handleSignal(client *Client, event string, payload json.RawMessage, route func(string, json.RawMessage) error, logger zerolog.Logger) {
	if client.machine.State() != lifecycle.Active {
		h.hub.send(client, EventError, ErrorPayload{Message: "join a room before signaling"})
		return
	}
	if err := route(client.ID(), payload); err != nil {
		logger.Warn().Str("event", event).Err(err).Msg("dropping signal")
	}
}

// disconnect ends the connection's lifecycle and releases its presence
// record if it had one. A join still in flight cleans up after itself.
func (h *Handler) disconnect(client *Client, logger zerolog.Logger) {
	prev, roomID := client.machine.Disconnect()
	h.hub.remove(client)
	logger.Debug().Str("state", prev.String()).Msg("user disconnected")
	if prev == lifecycle.Active {
		h.evict(context.Background(), roomID, client.ID(), logger)
	}
}

func (h *Handler) evict(ctx context.Context, roomID, connID string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, evictTimeout)
	defer cancel()
	if err := h.rooms.Evict(ctx, roomID, connID); err != nil {
		logger.Error().Str("room", roomID).Err(err).Msg("eviction failed")
	}
}

// Shutdown refuses new upgrades, releases the presence record of every
// open connection and then closes the sockets. It returns once every
// connection and pending join has finished, or ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	// Presence is released before any socket closes. The read loop's own
	// disconnect then finds nothing to evict.
	var wg sync.WaitGroup
	for _, c := range h.hub.conns.snapshot() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev, roomID := c.machine.Disconnect()
			if prev == lifecycle.Active {
				logger := log.With().Str("component", "ws").Str("conn", c.ID()).Logger()
				h.evict(ctx, roomID, c.ID(), logger)
			}
		}()
	}
	wg.Wait()

	h.hub.conns.Shutdown(ctx)
	return h.Wait(ctx)
}

// Wait blocks until every connection and pending join has finished, or ctx
// is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseRoomID(payload json.RawMessage) string {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var p JoinPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	if p.RoomID != "" {
		return strings.TrimSpace(p.RoomID)
	}
	return strings.TrimSpace(p.RoomIDAlt)
}

// clientIP prefers proxy headers over the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
