package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/park285/pokechess/internal/pokeclient"
	"github.com/park285/pokechess/pkg/wire"
)

// pokechess-check creates (or resolves) a room against a running server,
// opens a socket, joins it and prints every push for a short window.
func main() {
	baseURL := strings.TrimSpace(os.Getenv("POKECHESS_BASE_URL"))
	wsURL := strings.TrimSpace(os.Getenv("POKECHESS_WS_URL"))
	if baseURL == "" {
		log.Fatal("POKECHESS_BASE_URL is required")
	}
	window := 10 * time.Second
	if v := strings.TrimSpace(os.Getenv("CHECK_WINDOW")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			window = d
		}
	}

	client := pokeclient.NewClient(baseURL, pokeclient.WithTimeout(8*time.Second), pokeclient.WithRetry(5))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		log.Fatalf("/healthz error: %v", err)
	}
	log.Printf("/healthz ok: connections=%d pending=%d", health.Connections, health.PendingDisconnects)

	// with a code the checker joins an existing room instead of hosting one
	var ticket *wire.RoomTicket
	who := wire.CreateRoomRequest{PlayerName: "checker"}
	if code := strings.TrimSpace(os.Getenv("POKECHESS_ROOM_CODE")); code != "" {
		ticket, err = client.JoinByCode(ctx, wire.JoinByCodeRequest{CreateRoomRequest: who, RoomCode: code})
	} else {
		ticket, err = client.CreateRoom(ctx, who)
	}
	if err != nil {
		log.Fatalf("room error: %v", err)
	}
	log.Printf("room ok: room=%s code=%s player=%s", ticket.RoomID, ticket.RoomCode, ticket.PlayerID)
	id := wire.Identity{RoomID: ticket.RoomID, PlayerID: ticket.PlayerID, SecretID: ticket.SecretID}
	defer func() {
		lctx, lcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer lcancel()
		if err := client.Leave(lctx, id); err != nil {
			log.Printf("/rooms/leave error: %v", err)
		}
	}()

	if wsURL == "" {
		log.Println("POKECHESS_WS_URL not set; skipping socket check")
		return
	}

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	sock, err := pokeclient.DialSocket(sctx, wsURL, func(event string, data json.RawMessage) {
		fmt.Printf("push %s %s\n", event, data)
	})
	if err != nil {
		log.Printf("socket dial error: %v", err)
		return
	}
	defer func() { _ = sock.Close(context.Background()) }()

	resp, err := sock.Request(sctx, wire.EventJoinRoom, wire.JoinRoomRequest{
		RoomID:   ticket.RoomID,
		PlayerID: ticket.PlayerID,
		SecretID: ticket.SecretID,
		RoomCode: ticket.RoomCode,
	})
	if err != nil {
		log.Printf("joinRoom error: %v", err)
		return
	}
	log.Printf("joinRoom status=%s message=%q", resp.Status, resp.Message)

	t := time.NewTimer(window)
	defer t.Stop()
	select {
	case <-t.C:
	case <-sock.Done():
		log.Println("socket closed by server")
	}
}
