package user

import (
	"encoding/json"
	"net/url"
	"reflect"
	"testing"
)

func TestNewCopiesHandshakeQuery(t *testing.T) {
	q := url.Values{}
	q.Set("name", "alice")
	q.Set("color", "#ff0000")
	q.Add("avatar", "a.png")
	q.Add("avatar", "b.png")

	u := New("conn-1", q)
	if u.ID != "conn-1" {
		t.Fatalf("expected id conn-1, got %q", u.ID)
	}
	if u.Room != "" {
		t.Errorf("expected no room before join, got %q", u.Room)
	}
	if u.Meta["name"] != "alice" || u.Meta["color"] != "#ff0000" {
		t.Errorf("unexpected metadata: %+v", u.Meta)
	}
	if u.Meta["avatar"] != "a.png" {
		t.Errorf("expected first avatar value, got %q", u.Meta["avatar"])
	}
}

func TestNewIgnoresReservedKeys(t *testing.T) {
	q := url.Values{}
	q.Set("id", "spoofed")
	q.Set("room", "elsewhere")
	q.Set("name", "bob")

	u := New("conn-2", q)
	if u.ID != "conn-2" {
		t.Errorf("handshake overrode id: %q", u.ID)
	}
	if u.Room != "" {
		t.Errorf("handshake set room: %q", u.Room)
	}
	if _, ok := u.Meta["id"]; ok {
		t.Error("reserved key id kept in metadata")
	}
	if len(u.Meta) != 1 {
		t.Errorf("expected only name in metadata, got %+v", u.Meta)
	}
}

func TestJSONIsFlat(t *testing.T) {
	u := &User{ID: "c1", Room: "r1", Meta: map[string]string{"name": "alice"}}
	data, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal flat: %v", err)
	}
	want := map[string]string{"id": "c1", "room": "r1", "name": "alice"}
	if !reflect.DeepEqual(flat, want) {
		t.Errorf("expected %v, got %v", want, flat)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	u := &User{ID: "c1", Room: "r1", Meta: map[string]string{"name": "alice", "color": "blue"}}
	data, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got User
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(&got, u) {
		t.Errorf("round trip mismatch: want %+v, got %+v", u, got)
	}
}

func TestJSONRoundTripWithoutMetadata(t *testing.T) {
	u := &User{ID: "c1", Room: "r1"}
	data, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got User
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Meta != nil {
		t.Errorf("expected nil metadata, got %#v", got.Meta)
	}
	if !reflect.DeepEqual(&got, u) {
		t.Errorf("round trip mismatch: want %+v, got %+v", u, got)
	}
}

func TestUnmarshalNonStringMetadata(t *testing.T) {
	var u User
	if err := json.Unmarshal([]byte(`{"id":"c1","age":42}`), &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.Meta["age"] != "42" {
		t.Errorf("expected raw 42, got %q", u.Meta["age"])
	}
}

func TestWithRoomDoesNotMutate(t *testing.T) {
	u := &User{ID: "c1", Meta: map[string]string{"name": "alice"}}
	bound := u.WithRoom("r1")

	if u.Room != "" {
		t.Errorf("original mutated: %q", u.Room)
	}
	if bound.Room != "r1" {
		t.Errorf("expected r1, got %q", bound.Room)
	}
	bound.Meta["name"] = "eve"
	if u.Meta["name"] != "alice" {
		t.Error("metadata shared between copies")
	}
}
