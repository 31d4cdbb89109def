package room

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/peerlink/internal/presence"
	"github.com/christopherjohns/peerlink/internal/user"
)

const (
	// DefaultCapacity is the most members a room may hold. Rooms are sized
	// for small group calls.
	DefaultCapacity = 4

	// DefaultAdmitTimeout bounds a whole admission, lock wait included.
	DefaultAdmitTimeout = 5 * time.Second

	// cleanupTimeout bounds the best-effort delete after a failed write.
	cleanupTimeout = 2 * time.Second
)

// ErrRoomFull is the reason carried by a Full decision.
var ErrRoomFull = errors.New("room full")

// Status is the outcome of an admission.
type Status int

const (
	Admitted Status = iota
	Full
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Admitted:
		return "admitted"
	case Full:
		return "full"
	case Unavailable:
		return "unavailable"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Decision is what Admit returns. Members is only set when admitted and holds
// the room as it was just before the admission, without the admitted user.
type Decision struct {
	Status  Status
	Members []*user.User
	Err     error
}

// Summary describes a room for the directory.
type Summary struct {
	ID          string `json:"id"`
	Capacity    int    `json:"capacity"`
	ActiveUsers int    `json:"active_users"`
}

// IsFull returns true if the room has reached its capacity.
func (s Summary) IsFull() bool {
	return s.ActiveUsers >= s.Capacity
}

// Registry decides room membership. All writes to presence records go
// through it, and admissions to the same room never overlap.
type Registry struct {
	store    *presence.Store
	capacity int
	timeout  time.Duration
	locks    *keyedMutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithCapacity overrides the room capacity.
func WithCapacity(n int) Option {
	return func(r *Registry) {
		r.capacity = n
	}
}

// WithAdmitTimeout sets how long an admission may take before it is given up
// as unavailable. Zero disables the bound.
func WithAdmitTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.timeout = d
	}
}

// NewRegistry creates a Registry on top of store.
func NewRegistry(store *presence.Store, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		capacity: DefaultCapacity,
		timeout:  DefaultAdmitTimeout,
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Capacity returns the per-room member limit.
func (r *Registry) Capacity() int {
	return r.capacity
}

// Admit tries to add u to roomID. The member count is read and the record
// written while holding the room's lock, so two admissions can never both
// see the last free slot. Store failures come back as Unavailable.
func (r *Registry) Admit(ctx context.Context, u *user.User, roomID string) Decision {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	logger := log.With().Str("component", "room").Str("room", roomID).Str("conn", u.ID).Logger()

	unlock, err := r.locks.Lock(ctx, roomID)
	if err != nil {
		logger.Error().Err(err).Msg("admission lock not acquired")
		return Decision{Status: Unavailable, Err: err}
	}
	defer unlock()

	current, err := r.store.Members(ctx, roomID)
	if err != nil {
		logger.Error().Err(err).Msg("reading members failed")
		return Decision{Status: Unavailable, Err: err}
	}

	others := make([]*user.User, 0, len(current))
	for _, m := range current {
		if m.ID != u.ID {
			others = append(others, m)
		}
	}
	if len(others) >= r.capacity {
		logger.Debug().Int("members", len(others)).Msg("room full")
		return Decision{Status: Full, Err: ErrRoomFull}
	}

	if err := r.store.Put(ctx, u.WithRoom(roomID)); err != nil {
		logger.Error().Err(err).Msg("writing presence failed")
		// The write may have landed before the error surfaced.
		r.cleanup(ctx, roomID, u.ID)
		return Decision{Status: Unavailable, Err: err}
	}

	logger.Debug().Int("members", len(others)+1).Msg("admitted")
	return Decision{Status: Admitted, Members: others}
}

func (r *Registry) cleanup(ctx context.Context, roomID, userID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := r.store.Delete(ctx, roomID, userID); err != nil {
		log.Error().Str("component", "room").Str("room", roomID).Str("conn", userID).Err(err).Msg("cleanup after failed write")
	}
}

// Evict removes userID from roomID. Evicting someone who is not there is a
// no-op.
func (r *Registry) Evict(ctx context.Context, roomID, userID string) error {
	if err := r.store.Delete(ctx, roomID, userID); err != nil {
		return fmt.Errorf("evict %s from %s: %w", userID, roomID, err)
	}
	log.Debug().Str("component", "room").Str("room", roomID).Str("conn", userID).Msg("evicted")
	return nil
}

// List returns the current members of roomID.
func (r *Registry) List(ctx context.Context, roomID string) ([]*user.User, error) {
	return r.store.Members(ctx, roomID)
}

// ListRooms returns every room with at least one member.
func (r *Registry) ListRooms(ctx context.Context) ([]string, error) {
	return r.store.Rooms(ctx)
}

// Summaries returns the directory with member counts, fullest rooms first.
func (r *Registry) Summaries(ctx context.Context) ([]Summary, error) {
	ids, err := r.store.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		members, err := r.store.Members(ctx, id)
		if err != nil {
			return nil, err
		}
		// Emptied between the two reads.
		if len(members) == 0 {
			continue
		}
		out = append(out, Summary{ID: id, Capacity: r.capacity, ActiveUsers: len(members)})
	}
	// Stable, so equal rooms stay in id order.
	slices.SortStableFunc(out, func(a, b Summary) int {
		return cmp.Compare(b.ActiveUsers, a.ActiveUsers)
	})
	return out, nil
}
