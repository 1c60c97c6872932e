// Package protocol dispatches realtime events to the directory and the
// orchestrator and fans the results back out through the gateway.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pokechess/internal/directory"
	"github.com/park285/pokechess/internal/msgcat"
	"github.com/park285/pokechess/internal/obslog"
	"github.com/park285/pokechess/internal/orchestrator"
	"github.com/park285/pokechess/internal/session"
	"github.com/park285/pokechess/pkg/wire"
)

// ErrAckTimeout is returned by Gateway.SendWithAck when no ack arrived in time.
var ErrAckTimeout = errors.New("protocol: ack timeout")

// Gateway delivers events to player sockets, wherever they are connected.
type Gateway interface {
	Send(ctx context.Context, playerIDs []string, event string, data any) error
	// SendWithAck blocks until the player acknowledges or timeout elapses.
	SendWithAck(ctx context.Context, playerID, event string, data any, timeout time.Duration) error
}

// Conn is the socket a request arrived on.
type Conn interface {
	PlayerID() string
	// Bind associates the socket with an authenticated player.
	Bind(playerID string)
	Close(reason string)
}

type Config struct {
	AckTimeout     time.Duration
	ResyncRetries  int
	TransientGrace time.Duration
	ChatMaxRunes   int
	// TimerSlack is added to deadlines before arbitration fires.
	TimerSlack time.Duration
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.ResyncRetries < 0 {
		c.ResyncRetries = 0
	}
	if c.TransientGrace <= 0 {
		c.TransientGrace = 60 * time.Second
	}
	if c.ChatMaxRunes <= 0 {
		c.ChatMaxRunes = 300
	}
	if c.TimerSlack <= 0 {
		c.TimerSlack = 50 * time.Millisecond
	}
	return c
}

type route func(ctx context.Context, c Conn, data json.RawMessage) wire.Response

type Handler struct {
	dir  *directory.Directory
	orch *orchestrator.Orchestrator
	gw   Gateway
	cat  *msgcat.Catalog
	cfg  Config

	routes map[string]route

	wg       sync.WaitGroup
	outMu    sync.Mutex
	outboxes map[string]*outbox

	timerMu sync.Mutex
	timers  map[string]*time.Timer
	closed  bool
}

func New(dir *directory.Directory, orch *orchestrator.Orchestrator, gw Gateway, cat *msgcat.Catalog, cfg Config) *Handler {
	h := &Handler{
		dir:      dir,
		orch:     orch,
		gw:       gw,
		cat:      cat,
		cfg:      cfg.withDefaults(),
		outboxes: make(map[string]*outbox),
		timers:   make(map[string]*time.Timer),
	}
	h.routes = map[string]route{
		wire.EventMatchSearch:           decode(h.matchSearch),
		wire.EventJoinRoom:              decode(h.joinRoom),
		wire.EventToggleSpectating:      decode(h.toggleSpectating),
		wire.EventChangeGameOptions:     decode(h.changeGameOptions),
		wire.EventStartGame:             decode(h.startGame),
		wire.EventEndGameAsHost:         decode(h.endGameAsHost),
		wire.EventKickPlayer:            decode(h.kickPlayer),
		wire.EventMovePlayerToSpectator: decode(h.movePlayerToSpectator),
		wire.EventRequestSync:           decode(h.requestSync),
		wire.EventChessMove:             decode(h.chessMove),
		wire.EventPokemonMove:           decode(h.pokemonMove),
		wire.EventDraftPokemon:          decode(h.draftPokemon),
		wire.EventSetViewingResults:     decode(h.setViewingResults),
		wire.EventSendChatMessage:       decode(h.sendChatMessage),
		wire.EventValidateTimers:        decode(h.validateTimers),
	}
	return h
}

func decode[T any](fn func(ctx context.Context, c Conn, req *T) wire.Response) route {
	return func(ctx context.Context, c Conn, data json.RawMessage) wire.Response {
		var req T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &req); err != nil {
				return wire.Err("malformed payload")
			}
		}
		return fn(ctx, c, &req)
	}
}

// Handle runs one inbound event to completion.
func (h *Handler) Handle(ctx context.Context, c Conn, event string, data json.RawMessage) wire.Response {
	r, ok := h.routes[event]
	if !ok {
		obslog.L().Info("ws_unknown_event", zap.String("event", event), zap.String("player_id", c.PlayerID()))
		return wire.Err("unknown event")
	}
	start := time.Now()
	resp := r(ctx, c, data)
	obslog.L().Debug("ws_event",
		zap.String("event", event),
		zap.String("player_id", c.PlayerID()),
		zap.String("status", resp.Status),
		zap.Duration("took", time.Since(start)),
	)
	return resp
}

// Close stops room timers and waits for pending deliveries.
func (h *Handler) Close() {
	h.timerMu.Lock()
	h.closed = true
	for id, t := range h.timers {
		t.Stop()
		delete(h.timers, id)
	}
	h.timerMu.Unlock()
	h.Wait()
}

// Wait blocks until every tracked delivery goroutine has finished.
func (h *Handler) Wait() { h.wg.Wait() }

// fail renders err for the client.
func (h *Handler) fail(err error) wire.Response {
	key := msgcat.ErrInternal
	switch {
	case errors.Is(err, directory.ErrInvalidArgs):
		key = msgcat.ErrInvalidArgs
	case errors.Is(err, directory.ErrPlayerNotFound):
		key = msgcat.ErrPlayerNotFound
	case errors.Is(err, directory.ErrRoomNotFound):
		key = msgcat.ErrRoomNotFound
	case errors.Is(err, directory.ErrRoomCode):
		key = msgcat.ErrRoomCode
	case errors.Is(err, directory.ErrRoomFull):
		key = msgcat.ErrRoomFull
	case errors.Is(err, directory.ErrSecretMismatch):
		key = msgcat.ErrAuth
	case errors.Is(err, directory.ErrNotInRoom):
		key = msgcat.ErrNotInRoom
	case errors.Is(err, directory.ErrGameOngoing), errors.Is(err, orchestrator.ErrGameOngoing):
		key = msgcat.ErrGameOngoing
	case errors.Is(err, orchestrator.ErrIncompletePlayers):
		key = msgcat.ErrIncompletePlayers
	default:
		obslog.L().Warn("ws_action_error", zap.Error(err))
	}
	return wire.Err(h.cat.Text(key, nil))
}

func (h *Handler) failKey(key msgcat.Key) wire.Response { return wire.Err(h.cat.Text(key, nil)) }

// authenticate verifies a room-scoped identity. A secret that does not match
// a live player record closes the socket.
func (h *Handler) authenticate(ctx context.Context, c Conn, creds directory.Credentials, opts ...directory.VerifyOption) (*session.Player, *session.Room, bool) {
	if !h.dir.VerifyPlayerConnection(ctx, creds, opts...) {
		if p, err := h.dir.Player(ctx, creds.PlayerID); err == nil && p.Secret != creds.SecretID {
			obslog.L().Warn("ws_auth_hard_fail", zap.String("player_id", creds.PlayerID))
			c.Close("authentication failed")
		}
		return nil, nil, false
	}
	p, err := h.dir.Player(ctx, creds.PlayerID)
	if err != nil {
		return nil, nil, false
	}
	h.attach(ctx, c, p)
	room, err := h.dir.Room(ctx, creds.RoomID)
	if err != nil {
		return nil, nil, false
	}
	return p, room, true
}

// attach binds the socket and clears a pending disconnect.
func (h *Handler) attach(ctx context.Context, c Conn, p *session.Player) {
	c.Bind(p.ID)
	if p.Transient() {
		if _, err := h.dir.Reconnect(ctx, p.ID); err != nil {
			obslog.L().Warn("reconnect_error", zap.String("player_id", p.ID), zap.Error(err))
			return
		}
		p.TransientSince = nil
		obslog.L().Info("player_reconnect", zap.String("player_id", p.ID), zap.String("room_id", p.RoomID))
	}
}

func creds(id wire.Identity) directory.Credentials {
	return directory.Credentials{RoomID: id.RoomID, PlayerID: id.PlayerID, SecretID: id.SecretID}
}
