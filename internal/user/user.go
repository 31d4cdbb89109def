package user

import (
	"encoding/json"
	"maps"
	"net/url"
	"sort"
)

// User is a connected peer. ID is assigned by the transport and Room is set
// once, on the first successful join. Meta holds whatever the client put in
// its handshake query (name, color, avatar...) and is never interpreted.
type User struct {
	ID   string
	Room string
	Meta map[string]string
}

// reserved keys are owned by the relay and never taken from the handshake.
var reserved = map[string]struct{}{
	"id":   {},
	"room": {},
}

// New builds a user for a freshly accepted connection, copying the handshake
// query verbatim. Only the first value of a repeated key is kept.
func New(id string, query url.Values) *User {
	u := &User{ID: id, Meta: make(map[string]string, len(query))}
	for k, vs := range query {
		if _, ok := reserved[k]; ok || len(vs) == 0 {
			continue
		}
		u.Meta[k] = vs[0]
	}
	return u
}

// WithRoom returns a copy of u bound to room.
func (u *User) WithRoom(room string) *User {
	c := u.Clone()
	c.Room = room
	return c
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	return &User{ID: u.ID, Room: u.Room, Meta: maps.Clone(u.Meta)}
}

// MarshalJSON flattens metadata next to id and room.
func (u User) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(u.Meta)+2)
	for k, v := range u.Meta {
		m[k] = v
	}
	m["id"] = u.ID
	if u.Room != "" {
		m["room"] = u.Room
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts the flat form produced by MarshalJSON. Non-string
// metadata values are kept as their raw JSON text. Meta stays nil when
// there is no metadata.
func (u *User) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*u = User{}
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			s = string(v)
		}
		switch k {
		case "id":
			u.ID = s
		case "room":
			u.Room = s
		default:
			if u.Meta == nil {
				u.Meta = make(map[string]string, len(raw))
			}
			u.Meta[k] = s
		}
	}
	return nil
}

// SortByID orders users by id so snapshots are stable.
func SortByID(users []*User) {
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
}
