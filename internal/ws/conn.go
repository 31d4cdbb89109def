package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/peerlink/internal/lifecycle"
)

const (
	sendBufferSize    = 32
	writeTimeout      = 5 * time.Second
	idleCheckInterval = 30 * time.Second

	// closeGrace is how long a peer gets to answer our close frame before
	// its socket is dropped.
	closeGrace = time.Second
)

// tracked is the manager's bookkeeping for one open socket.
type tracked struct {
	stop        context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection counters.
type ConnStats struct {
	Active          int   `json:"active"`
	MaxConns        int   `json:"max_conns"`
	Rejected        int64 `json:"rejected"`
	DroppedMessages int64 `json:"dropped_messages"`
	IdleReaped      int64 `json:"idle_reaped"`
}

// ConnManager owns every open socket regardless of lifecycle state: its
// outbound queue, its write pump and its removal. Writes to a client only
// ever happen from that client's pump.
type ConnManager struct {
	mu       sync.Mutex
	open     map[*Client]*tracked
	draining bool
	maxConns int
	idleTTL  time.Duration
	stopIdle context.CancelFunc

	rejected atomic.Int64
	dropped  atomic.Int64
	reaped   atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns caps concurrent sockets. Zero means no cap.
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout closes sockets that have not sent anything for d. Zero
// turns reaping off.
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{open: make(map[*Client]*tracked)}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.reapLoop(ctx)
	}
	return cm
}

// Add starts managing c. The returned context ends when c is removed,
// reaped or shut down; a read loop should read with it so that a peer that
// never answers the close handshake is dropped. When the manager is draining or full the socket is
// closed right away and ok is false.
func (cm *ConnManager) Add(c *Client) (ctx context.Context, ok bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	switch {
	case cm.draining:
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return nil, false
	case cm.maxConns > 0 && len(cm.open) >= cm.maxConns:
		cm.rejected.Add(1)
		c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		return nil, false
	}

	ctx, stop := context.WithCancel(context.Background())
	now := time.Now()
	c.send = make(chan []byte, sendBufferSize)
	cm.open[c] = &tracked{stop: stop, connectedAt: now, lastActive: now}
	go cm.pump(ctx, c)
	return ctx, true
}

// detachLocked forgets c and ends its queue. cm.mu must be held.
func (cm *ConnManager) detachLocked(c *Client) (*tracked, bool) {
	t, ok := cm.open[c]
	if !ok {
		return nil, false
	}
	delete(cm.open, c)
	close(c.send)
	return t, true
}

// Remove stops managing c. Removing twice is harmless.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	t, ok := cm.detachLocked(c)
	cm.mu.Unlock()
	if ok {
		t.stop()
	}
}

// Send queues data for c without blocking. It reports false when c is gone
// or its queue is full; a full queue drops the message.
func (cm *ConnManager) Send(c *Client, data []byte) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.open[c]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		cm.dropped.Add(1)
		log.Warn().Str("component", "ws").Str("conn", c.ID()).Msg("send queue full, message dropped")
		return false
	}
}

// TouchActivity marks c as active now.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if t, ok := cm.open[c]; ok {
		t.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.open)
}

func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	s := ConnStats{Active: len(cm.open), MaxConns: cm.maxConns}
	cm.mu.Unlock()
	s.Rejected = cm.rejected.Load()
	s.DroppedMessages = cm.dropped.Load()
	s.IdleReaped = cm.reaped.Load()
	return s
}

// ConnInfo describes one open socket and where it is in its lifecycle.
type ConnInfo struct {
	ID          string          `json:"id"`
	RoomID      string          `json:"room_id,omitempty"`
	State       lifecycle.State `json:"-"`
	StateName   string          `json:"state"`
	ConnectedAt time.Time       `json:"connected_at"`
	LastActive  time.Time       `json:"last_active"`
	Idle        time.Duration   `json:"idle"`
}

// Clients lists every open socket.
func (cm *ConnManager) Clients() []ConnInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	out := make([]ConnInfo, 0, len(cm.open))
	for c, t := range cm.open {
		st := c.machine.State()
		out = append(out, ConnInfo{
			ID:          c.ID(),
			RoomID:      c.machine.Room(),
			State:       st,
			StateName:   st.String(),
			ConnectedAt: t.connectedAt,
			LastActive:  t.lastActive,
			Idle:        now.Sub(t.lastActive),
		})
	}
	return out
}

// snapshot returns the clients currently managed.
func (cm *ConnManager) snapshot() []*Client {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]*Client, 0, len(cm.open))
	for c := range cm.open {
		out = append(out, c)
	}
	return out
}

// Shutdown refuses new sockets and closes every open one with
// StatusGoingAway. All sockets close at once; it returns after closeGrace
// or when ctx is done, whichever is first, with stragglers dropped.
func (cm *ConnManager) Shutdown(ctx context.Context) {
	cm.mu.Lock()
	cm.draining = true
	victims := cm.detachAllLocked(func(*Client, *tracked) bool { return true })
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}
	closeAll(ctx, victims, websocket.StatusGoingAway, "server shutting down")
}

// detachAllLocked detaches every client for which match is true. cm.mu must be held.
func (cm *ConnManager) detachAllLocked(match func(*Client, *tracked) bool) map[*Client]*tracked {
	victims := make(map[*Client]*tracked)
	for c, t := range cm.open {
		if match(c, t) {
			cm.detachLocked(c)
			victims[c] = t
		}
	}
	return victims
}

// closeAll starts the close handshake on every victim concurrently. Peers
// that have not answered within closeGrace, or by the time ctx is done,
// lose their read context, which drops the socket.
func closeAll(ctx context.Context, victims map[*Client]*tracked, code websocket.StatusCode, reason string) {
	if len(victims) == 0 {
		return
	}

	var wg sync.WaitGroup
	for c := range victims {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.conn.Close(code, reason)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(closeGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
	case <-ctx.Done():
	}
	for _, t := range victims {
		t.stop()
	}
}

func (cm *ConnManager) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(min(cm.idleTTL, idleCheckInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes sockets idle for longer than idleTTL.
func (cm *ConnManager) reapIdle() {
	cutoff := time.Now().Add(-cm.idleTTL)
	cm.mu.Lock()
	victims := cm.detachAllLocked(func(_ *Client, t *tracked) bool { return t.lastActive.Before(cutoff) })
	cm.mu.Unlock()

	for c := range victims {
		cm.reaped.Add(1)
		log.Info().Str("component", "ws").Str("conn", c.ID()).Msg("closing idle connection")
	}
	closeAll(context.Background(), victims, websocket.StatusPolicyViolation, "idle timeout")
}

// pump writes queued messages to c until its queue closes, ctx ends or a
// write fails.
func (cm *ConnManager) pump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				log.Debug().Str("component", "ws").Str("conn", c.ID()).Err(err).Msg("write failed")
				return
			}
		}
	}
}
