package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/peerlink/internal/user"
)

const (
	roomPrefix = "room:"
	userInfix  = ":user:"
)

// Key returns the presence key for a member of a room.
func Key(roomID, userID string) string {
	return roomPrefix + roomID + userInfix + userID
}

// memberPrefix returns the prefix shared by all presence keys of a room.
func memberPrefix(roomID string) string {
	return roomPrefix + roomID + userInfix
}

// parseKey splits a presence key back into room and user ids.
func parseKey(key string) (roomID, userID string, ok bool) {
	if !strings.HasPrefix(key, roomPrefix) {
		return "", "", false
	}
	rest := key[len(roomPrefix):]
	i := strings.LastIndex(rest, userInfix)
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+len(userInfix):], true
}

// Store maps room membership onto a KV. It is the only code that knows the
// key layout and record encoding.
type Store struct {
	kv KV
}

// NewStore creates a Store backed by kv.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// Members returns the users currently recorded in a room, sorted by id.
// Records that vanish between the scan and the read are skipped.
func (s *Store) Members(ctx context.Context, roomID string) ([]*user.User, error) {
	keys, err := s.kv.Scan(ctx, memberPrefix(roomID))
	if err != nil {
		return nil, fmt.Errorf("scan room %s: %w", roomID, err)
	}
	// Scan is a prefix match; drop keys of rooms whose id extends this one.
	keys = slices.DeleteFunc(keys, func(k string) bool {
		r, _, ok := parseKey(k)
		return !ok || r != roomID
	})
	if len(keys) == 0 {
		return []*user.User{}, nil
	}

	vals, err := s.kv.MultiGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("read room %s: %w", roomID, err)
	}

	members := make([]*user.User, 0, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		var u user.User
		if err := json.Unmarshal(v, &u); err != nil {
			log.Warn().Str("component", "presence").Str("key", keys[i]).Err(err).Msg("skipping undecodable presence record")
			continue
		}
		members = append(members, &u)
	}
	user.SortByID(members)
	return members, nil
}

// Get reads a single presence record.
func (s *Store) Get(ctx context.Context, roomID, userID string) (*user.User, error) {
	v, err := s.kv.Get(ctx, Key(roomID, userID))
	if err != nil {
		return nil, err
	}
	var u user.User
	if err := json.Unmarshal(v, &u); err != nil {
		return nil, fmt.Errorf("decode %s: %w", Key(roomID, userID), err)
	}
	return &u, nil
}

// Put writes the presence record for u, keyed by its room and id.
func (s *Store) Put(ctx context.Context, u *user.User) error {
	if u.Room == "" {
		return fmt.Errorf("presence: user %s has no room", u.ID)
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user %s: %w", u.ID, err)
	}
	return s.kv.Set(ctx, Key(u.Room, u.ID), data)
}

// Delete removes a presence record. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, roomID, userID string) error {
	return s.kv.Delete(ctx, Key(roomID, userID))
}

// Rooms lists every room with at least one presence record, sorted.
func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Scan(ctx, roomPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan rooms: %w", err)
	}
	seen := make(map[string]struct{})
	rooms := []string{}
	for _, k := range keys {
		r, _, ok := parseKey(k)
		if !ok {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms, nil
}
