package protocol

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pokechess/internal/directory"
	"github.com/park285/pokechess/internal/msgcat"
	"github.com/park285/pokechess/internal/obslog"
	"github.com/park285/pokechess/internal/orchestrator"
	"github.com/park285/pokechess/internal/session"
	"github.com/park285/pokechess/pkg/wire"
)

func (h *Handler) chessMove(ctx context.Context, c Conn, req *wire.ChessMoveRequest) wire.Response {
	p, room, ok := h.authenticate(ctx, c, creds(req.Identity), directory.RequireMember())
	if !ok {
		return h.failKey(msgcat.ErrAuth)
	}
	res, err := h.orch.ChessMove(ctx, room.ID, p.ID, req.SANMove)
	return h.finish(ctx, res, err)
}

func (h *Handler) pokemonMove(ctx context.Context, c Conn, req *wire.PokemonMoveRequest) wire.Response {
	p, room, ok := h.authenticate(ctx, c, creds(req.Identity), directory.RequireMember())
	if !ok {
		return h.failKey(msgcat.ErrAuth)
	}
	res, err := h.orch.BattleMove(ctx, room.ID, p.ID, req.PokemonMove)
	return h.finish(ctx, res, err)
}

func (h *Handler) draftPokemon(ctx context.Context, c Conn, req *wire.DraftPokemonRequest) wire.Response {
	p, room, ok := h.authenticate(ctx, c, creds(req.Identity), directory.RequireMember())
	if !ok {
		return h.failKey(msgcat.ErrAuth)
	}
	res, err := h.orch.Draft(ctx, room.ID, orchestrator.DraftAction{
		PlayerID: p.ID,
		Square:   req.Square,
		Index:    req.DraftPokemonIndex,
		IsBan:    req.IsBan,
	})
	return h.finish(ctx, res, err)
}

func (h *Handler) validateTimers(ctx context.Context, c Conn, req *wire.Identity) wire.Response {
	_, room, ok := h.authenticate(ctx, c, creds(*req), directory.RequireMember())
	if !ok {
		return h.failKey(msgcat.ErrAuth)
	}
	res, err := h.orch.ValidateTimers(ctx, room.ID)
	return h.finish(ctx, res, err)
}

func (h *Handler) requestSync(ctx context.Context, c Conn, req *wire.Identity) wire.Response {
	p, room, ok := h.authenticate(ctx, c, creds(*req), directory.RequireMember())
	if !ok {
		return h.failKey(msgcat.ErrAuth)
	}
	roomID := room.ID
	h.enqueue(p.ID, func(ctx context.Context) { h.resync(ctx, p.ID, roomID) })
	return wire.OK()
}

// finish publishes a committed action. Ignored actions answer ok without
// any broadcast.
func (h *Handler) finish(ctx context.Context, res *orchestrator.Result, err error) wire.Response {
	if errors.Is(err, orchestrator.ErrEngine) {
		obslog.L().Error("engine_failure", zap.Error(err))
		return h.failKey(msgcat.ErrInternal)
	}
	if err != nil {
		return h.fail(err)
	}
	h.publish(ctx, res)
	return wire.OK()
}

// publish delivers the outputs of res to every room member in order. Each
// entry is acked; a missed ack falls back to a full resync.
func (h *Handler) publish(ctx context.Context, res *orchestrator.Result) {
	if res == nil || res.Ignored || res.Room == nil {
		return
	}
	room := res.Room
	h.schedule(room)
	members, err := h.dir.RoomMembers(ctx, room.ID)
	if err != nil {
		obslog.L().Warn("room_members_error", zap.String("room_id", room.ID), zap.Error(err))
		return
	}
	var timers *wire.TimerView
	if res.TimersChanged {
		v := room.Clock.View(h.orch.Now())
		timers = &v
	}
	for _, id := range members {
		side := room.SideOf(id)
		var entries []wire.MatchLogEntry
		for _, out := range res.Outputs {
			if !out.To.Valid() || out.To == side {
				entries = append(entries, out.Entry)
			}
		}
		playerID, roomID := id, room.ID
		h.enqueue(playerID, func(ctx context.Context) {
			for _, e := range entries {
				if err := h.gw.SendWithAck(ctx, playerID, wire.PushGameOutput, e, h.cfg.AckTimeout); err != nil {
					obslog.L().Info("game_output_unacked", zap.String("player_id", playerID), zap.Error(err))
					if !h.resync(ctx, playerID, roomID) {
						return
					}
					break
				}
			}
			if timers != nil {
				h.send(ctx, []string{playerID}, wire.PushCurrentTimers, *timers)
			}
		})
	}
}

// resync pushes the player's full history until it is acknowledged, at most
// 1+ResyncRetries times.
func (h *Handler) resync(ctx context.Context, playerID, roomID string) bool {
	attempts := 1 + h.cfg.ResyncRetries
	for i := 1; i <= attempts; i++ {
		room, err := h.dir.Room(ctx, roomID)
		if err != nil {
			return false
		}
		history := room.HistoryFor(playerID)
		if history == nil {
			history = []wire.MatchLogEntry{}
		}
		err = h.gw.SendWithAck(ctx, playerID, wire.PushStartSync, wire.SyncPayload{History: history}, h.cfg.AckTimeout)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		obslog.L().Info("resync_retry", zap.String("player_id", playerID), zap.Int("attempt", i), zap.Error(err))
	}
	obslog.L().Warn("resync_give_up", zap.String("player_id", playerID), zap.String("room_id", roomID), zap.Int("attempts", attempts))
	return false
}

// syncGame brings one player into the running game: history, colour and
// clocks, in that order.
func (h *Handler) syncGame(playerID, roomID string) {
	h.enqueue(playerID, func(ctx context.Context) {
		if !h.resync(ctx, playerID, roomID) {
			return
		}
		room, err := h.dir.Room(ctx, roomID)
		if err != nil || !room.Ongoing {
			return
		}
		h.send(ctx, []string{playerID}, wire.PushStartGame, wire.StartGamePayload{
			Color:   room.SideOf(playerID),
			Seed:    room.Seed,
			Options: room.Options,
		})
		h.send(ctx, []string{playerID}, wire.PushCurrentTimers, room.Clock.View(h.orch.Now()))
	})
}

// outbox serialises deliveries to one player.
type outbox struct {
	jobs    []func(context.Context)
	running bool
}

func (h *Handler) enqueue(playerID string, job func(context.Context)) {
	h.outMu.Lock()
	ob, ok := h.outboxes[playerID]
	if !ok {
		ob = &outbox{}
		h.outboxes[playerID] = ob
	}
	ob.jobs = append(ob.jobs, job)
	if ob.running {
		h.outMu.Unlock()
		return
	}
	ob.running = true
	h.wg.Add(1)
	h.outMu.Unlock()
	go h.drain(playerID, ob)
}

func (h *Handler) drain(playerID string, ob *outbox) {
	defer h.wg.Done()
	ctx := context.Background()
	for {
		h.outMu.Lock()
		if len(ob.jobs) == 0 {
			ob.running = false
			if h.outboxes[playerID] == ob {
				delete(h.outboxes, playerID)
			}
			h.outMu.Unlock()
			return
		}
		job := ob.jobs[0]
		ob.jobs = ob.jobs[1:]
		h.outMu.Unlock()
		job(ctx)
	}
}

// schedule arms the room's arbitration timer for its earliest running
// deadline.
func (h *Handler) schedule(room *session.Room) { h.scheduleAtLeast(room, h.cfg.TimerSlack) }

func (h *Handler) scheduleAtLeast(room *session.Room, floor time.Duration) {
	h.timerMu.Lock()
	defer h.timerMu.Unlock()
	if t, ok := h.timers[room.ID]; ok {
		t.Stop()
		delete(h.timers, room.ID)
	}
	if h.closed || !room.Ongoing || !room.Options.TimersEnabled {
		return
	}
	deadline, ok := room.Clock.NextDeadline()
	if !ok {
		return
	}
	d := deadline.Sub(h.orch.Now()) + h.cfg.TimerSlack
	if d < floor {
		d = floor
	}
	roomID := room.ID
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		h.timerMu.Lock()
		if h.timers[roomID] == t {
			delete(h.timers, roomID)
		}
		h.timerMu.Unlock()
		h.arbitrate(roomID)
	})
	h.timers[roomID] = t
}

func (h *Handler) unschedule(roomID string) {
	h.timerMu.Lock()
	defer h.timerMu.Unlock()
	if t, ok := h.timers[roomID]; ok {
		t.Stop()
		delete(h.timers, roomID)
	}
}

func (h *Handler) arbitrate(roomID string) {
	ctx := context.Background()
	res, err := h.orch.ValidateTimers(ctx, roomID)
	if err != nil {
		if !errors.Is(err, directory.ErrRoomNotFound) {
			obslog.L().Warn("timer_arbitration_error", zap.String("room_id", roomID), zap.Error(err))
		}
		return
	}
	if !res.Ignored {
		h.publish(ctx, res)
		return
	}
	// the clock moved on another process, or another process holds the lock
	if room, err := h.dir.Room(ctx, roomID); err == nil {
		h.scheduleAtLeast(room, time.Second)
	}
}

// PendingTimers reports how many rooms have an armed arbitration timer.
func (h *Handler) PendingTimers() int {
	h.timerMu.Lock()
	defer h.timerMu.Unlock()
	return len(h.timers)
}
