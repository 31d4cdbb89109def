package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/christopherjohns/peerlink/internal/presence"
	"github.com/christopherjohns/peerlink/internal/room"
	"github.com/christopherjohns/peerlink/internal/user"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms [room-id]",
	Short: "List occupied rooms, or the members of one room",
	Long: `Reads the shared presence store directly, so it works while relays are
running elsewhere.

Examples:
  peerlink rooms --redis localhost:6379
  peerlink rooms standup --redis localhost:6379`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRooms,
}

func init() {
	rootCmd.AddCommand(roomsCmd)
}

func runRooms(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Redis.Addr == "" {
		return errors.New("rooms needs a shared presence store: set REDIS_ADDR or --redis")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	rdb, err := connectRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	reg := room.NewRegistry(presence.NewStore(presence.NewRedisKV(rdb)))
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		members, err := reg.List(ctx, args[0])
		if err != nil {
			return err
		}
		renderMembers(out, args[0], members)
		return nil
	}

	summaries, err := reg.Summaries(ctx)
	if err != nil {
		return err
	}
	renderRooms(out, summaries)
	return nil
}

func renderRooms(w io.Writer, rooms []room.Summary) {
	if len(rooms) == 0 {
		fmt.Fprintln(w, "no occupied rooms")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Room", "Members", "Capacity", "Full"})
	total := 0
	for _, r := range rooms {
		full := ""
		if r.IsFull() {
			full = "yes"
		}
		t.AppendRow(table.Row{r.ID, r.ActiveUsers, r.Capacity, full})
		total += r.ActiveUsers
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d rooms", len(rooms)), total, "", ""})
	t.Render()
}

func renderMembers(w io.Writer, roomID string, members []*user.User) {
	if len(members) == 0 {
		fmt.Fprintf(w, "room %s is empty\n", roomID)
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Room " + roomID)
	t.AppendHeader(table.Row{"ID", "Metadata"})
	for _, m := range members {
		t.AppendRow(table.Row{m.ID, formatMeta(m.Meta)})
	}
	t.Render()
}

func formatMeta(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+meta[k])
	}
	return strings.Join(parts, " ")
}
