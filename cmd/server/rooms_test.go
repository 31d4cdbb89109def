package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/christopherjohns/peerlink/internal/presence"
	"github.com/christopherjohns/peerlink/internal/room"
	"github.com/christopherjohns/peerlink/internal/user"
)

func TestRenderRooms(t *testing.T) {
	var buf bytes.Buffer
	renderRooms(&buf, []room.Summary{
		{ID: "standup", Capacity: 4, ActiveUsers: 4},
		{ID: "pairing", Capacity: 4, ActiveUsers: 2},
	})
	out := strings.ToLower(buf.String())
	for _, want := range []string{"standup", "pairing", "yes", "2 rooms", "6"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderRoomsEmpty(t *testing.T) {
	var buf bytes.Buffer
	renderRooms(&buf, nil)
	if strings.TrimSpace(buf.String()) != "no occupied rooms" {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestRenderMembers(t *testing.T) {
	var buf bytes.Buffer
	renderMembers(&buf, "R", []*user.User{
		{ID: "a", Room: "R", Meta: map[string]string{"name": "alice", "color": "red"}},
		{ID: "b", Room: "R"},
	})
	out := strings.ToLower(buf.String())
	for _, want := range []string{"room r", "color=red name=alice", "b"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	renderMembers(&buf, "R", nil)
	if strings.TrimSpace(buf.String()) != "room R is empty" {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestFormatMeta(t *testing.T) {
	if got := formatMeta(nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
	if got := formatMeta(map[string]string{"z": "1", "a": "2"}); got != "a=2 z=1" {
		t.Errorf("expected sorted pairs, got %q", got)
	}
}

func TestRoomsCommandReadsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := presence.NewStore(presence.NewRedisKV(rdb))
	for _, u := range []*user.User{
		{ID: "u1", Room: "standup"},
		{ID: "u2", Room: "standup"},
		{ID: "u3", Room: "pairing"},
	} {
		if err := store.Put(context.Background(), u); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"rooms", "--redis", mr.Addr()})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("rooms: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "standup") || !strings.Contains(out, "pairing") {
		t.Errorf("expected both rooms listed:\n%s", out)
	}
	if strings.Index(out, "standup") > strings.Index(out, "pairing") {
		t.Errorf("expected fullest room first:\n%s", out)
	}
}
