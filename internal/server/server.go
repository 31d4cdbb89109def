package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/peerlink/internal/config"
	"github.com/christopherjohns/peerlink/internal/presence"
	"github.com/christopherjohns/peerlink/internal/ratelimit"
	"github.com/christopherjohns/peerlink/internal/room"
	"github.com/christopherjohns/peerlink/internal/ws"
)

// apiTimeout bounds store reads behind the HTTP API.
const apiTimeout = 3 * time.Second

// Server is the main HTTP server for the relay.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	srv     *http.Server
	rooms   *room.Registry
	hub     *ws.Hub
	sockets *ws.Handler
	limiter *ratelimit.IPLimiter
}

// Option configures optional Server dependencies.
type Option func(*options)

type options struct {
	kv presence.KV
}

// WithRedis keeps presence in Redis so that several relays can share rooms.
func WithRedis(client redis.Cmdable) Option {
	return func(o *options) {
		o.kv = presence.NewRedisKV(client)
	}
}

// WithKV sets the presence backend directly.
func WithKV(kv presence.KV) Option {
	return func(o *options) {
		o.kv = kv
	}
}

// New creates a Server from cfg. Without WithRedis or WithKV, presence is
// kept in process memory.
func New(cfg config.Config, opts ...Option) *Server {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.kv == nil {
		o.kv = presence.NewMemoryKV()
	}

	s := &Server{
		cfg:   cfg,
		mux:   http.NewServeMux(),
		rooms: room.NewRegistry(presence.NewStore(o.kv), room.WithAdmitTimeout(cfg.AdmitTimeout)),
		hub: ws.NewHub(
			ws.WithMaxConns(cfg.MaxConns),
			ws.WithIdleTimeout(cfg.IdleTimeout),
		),
	}

	var handlerOpts []ws.HandlerOption
	if cfg.ConnRate.Limit > 0 {
		s.limiter = ratelimit.NewIPLimiter(cfg.ConnRate.Limit, cfg.ConnRate.Window)
		handlerOpts = append(handlerOpts, ws.WithLimiter(s.limiter))
	}
	s.sockets = ws.NewHandler(s.hub, s.rooms, handlerOpts...)

	s.routes()
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully within the configured timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := log.With().Str("component", "server").Str("addr", ln.Addr().String()).Logger()

	if s.limiter != nil {
		go s.sweepLimiter(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLS.Enabled() {
			logger.Info().Msg("serving TLS")
			err = s.srv.ServeTLS(ln, s.cfg.TLS.Cert, s.cfg.TLS.Key)
		} else {
			logger.Info().Msg("serving")
			err = s.srv.Serve(ln)
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes every websocket and waits
// until their presence records are released.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if werr := s.sockets.Shutdown(ctx); werr != nil {
		log.Warn().Str("component", "server").Err(werr).Msg("connections still open at shutdown deadline")
		err = errors.Join(err, werr)
	}
	return err
}

func (s *Server) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ConnRate.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Sweep()
		}
	}
}

func (s *Server) routes() {
	s.mux.Handle("/ws", s.sockets)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	s.mux.HandleFunc("GET /api/rooms/{id}/members", s.handleRoomMembers)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/connections", s.handleConnections)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()
	rooms, err := s.rooms.Summaries(ctx)
	if err != nil {
		log.Error().Str("component", "server").Err(err).Msg("listing rooms failed")
		writeError(w, http.StatusServiceUnavailable, "presence store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleRoomMembers(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "room id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()
	members, err := s.rooms.List(ctx, id)
	if err != nil {
		log.Error().Str("component", "server").Str("room", id).Err(err).Msg("listing members failed")
		writeError(w, http.StatusServiceUnavailable, "presence store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, members)
}

type statsResponse struct {
	ws.ConnStats
	InRooms  int `json:"in_rooms"`
	Capacity int `json:"room_capacity"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		ConnStats: s.hub.ConnMgr().Stats(),
		InRooms:   s.hub.ActiveCount(),
		Capacity:  s.rooms.Capacity(),
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.ConnMgr().Clients())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
