package protocol

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/pokechess/internal/directory"
	"github.com/park285/pokechess/internal/msgcat"
	"github.com/park285/pokechess/internal/obslog"
	"github.com/park285/pokechess/internal/orchestrator"
	"github.com/park285/pokechess/internal/session"
	"github.com/park285/pokechess/pkg/wire"
)

// ReasonKicked ends a game whose seated player was removed by the host.
const ReasonKicked = "kicked"

func (h *Handler) matchSearch(ctx context.Context, c Conn, req *wire.MatchSearchRequest) wire.Response {
	queue := strings.ToLower(strings.TrimSpace(req.MatchQueue))
	if queue != directory.QueueRandom && queue != directory.QueueDraft {
		return wire.Err(h.cat.Text(msgcat.ErrUnknownQueue, map[string]string{"Queue": req.MatchQueue}))
	}
	p, err := h.dir.EnsurePlayer(ctx, req.PlayerID, req.SecretID, req.PlayerName, req.AvatarID)
	if errors.Is(err, directory.ErrSecretMismatch) {
		c.Close("authentication failed")
		return h.failKey(msgcat.ErrAuth)
	}
	if err != nil {
		return h.fail(err)
	}
	h.attach(ctx, c, p)
	if p.RoomID != "" {
		if err := h.LeaveRoom(ctx, p.RoomID, p.ID); err != nil && !errors.Is(err, directory.ErrRoomNotFound) {
			return h.fail(err)
		}
	}

	ident := wire.PlayerIdentity{PlayerID: p.ID, SecretID: p.Secret}
	partner, err := h.dir.Match(ctx, queue, p.ID)
	if err != nil {
		return h.fail(err)
	}
	if partner == "" {
		return wire.Response{Status: wire.StatusOK, Data: ident}
	}

	room, err := h.dir.CreateRoom(ctx, partner, queue)
	if err != nil {
		return h.fail(err)
	}
	if _, err := h.dir.JoinRoom(ctx, room.ID, p.ID); err != nil {
		return h.fail(err)
	}
	res, err := h.orch.InitializeGame(ctx, room.ID)
	if err != nil {
		return h.fail(err)
	}
	h.schedule(res.Room)
	obslog.L().Info("match_room", zap.String("room_id", room.ID), zap.String("queue", queue))
	h.send(ctx, []string{partner, p.ID}, wire.PushFoundMatch, wire.FoundMatchPayload{RoomID: room.ID, RoomCode: room.Code})
	return wire.Response{Status: wire.StatusOK, Data: ident}
}

func (h *Handler) joinRoom(ctx context.Context, c Conn, req *wire.JoinRoomRequest) wire.Response {
	cr := directory.Credentials{RoomID: req.RoomID, PlayerID: req.PlayerID, SecretID: req.SecretID, RoomCode: req.RoomCode}
	p, room, ok := h.authenticate(ctx, c, cr, directory.CheckRoomCode())
	if !ok {
		return h.failKey(msgcat.ErrAuth)
	}
	if p.RoomID != "" && p.RoomID != room.ID {
		if err := h.LeaveRoom(ctx, p.RoomID, p.ID); err != nil && !errors.Is(err, directory.ErrRoomNotFound) {
			return h.fail(err)
		}
	}
	room, err := h.dir.JoinRoom(ctx, room.ID, p.ID)
	defer h.broadcastPlayers(ctx, req.RoomID)
	if err != nil {
		return h.fail(err)
	}
	h.send(ctx, []string{p.ID}, wire.PushChangeGameOptions, room.Options)
	if room.Ongoing && !p.ViewingResults {
		h.syncGame(p.ID, room.ID)
	}
	h.schedule(room)
	return wire.OK()
}

func (h *Handler) toggleSpectating(ctx context.Context, c Conn, req *wire.Identity) wire.Response {
	p, room, ok := h.authenticate(ctx, c, creds(*req), directory.RequireMember())
	if !ok {
		return h.failKey(msgcat.ErrAuth)
	}
	defer h.broadcastPlayers(ctx, room.ID)
	if _, err := h.dir.SetSpectating(ctx, room.ID, p.ID, !p.Spectating); err != nil {
		return h.fail(err)
	}
	return wire.OK()
}

func (h *Handler) changeGameOptions(ctx context.Context, c Conn, req *wire.ChangeGameOptionsRequest) wire.Response {
	p, room, ok := h.authenticate(ctx, c, creds(req.Identity), directory.RequireMember())
	if !ok {
		return h.failKey(msgcat.ErrAuth)
	}
	if room.HostID != p.ID {
		return h.failKey(msgcat.ErrNotHost)
	}
	res, err := h.orch.ChangeOptions(ctx, room.ID, req.Options)
	if err != nil {
		return h.fail(err)
	}
	h.sendRoom(ctx, room.ID, wire.PushChangeGameOptions, res.Room.Options)
	return wire.OK()
}

func (h *Handler) startGame(ctx context.Context, c Conn, req *wire.Identity) wire.Response {
	p, room, ok := h.authenticate(ctx, c, creds(*req), directory.RequireMember())
	if !ok {
		return h.failKey(msgcat.ErrAuth)
	}
	if room.HostID != p.ID {
		return h.failKey(msgcat.ErrNotHost)
	}
	defer h.broadcastPlayers(ctx, room.ID)
	if room.Phase == session.PhaseEnded {
		if _, err := h.orch.Rematch(ctx, room.ID); err != nil {
			return h.fail(err)
		}
	}
	res, err := h.orch.InitializeGame(ctx, room.ID)
	if err != nil {
		return h.fail(err)
	}
	players, err := h.dir.RoomPlayers(ctx, room.ID)
	if err != nil {
		return h.fail(err)
	}
	// players still on the results screen sync when they leave it
	for _, m := range players {
		if !m.ViewingResults {
			h.syncGame(m.ID, room.ID)
		}
	}
	h.schedule(res.Room)
	return wire.OK()
}

func (h *Handler) endGameAsHost(ctx context.Context, c Conn, req *wire.Identity) wire.Response {
	p, room, ok := h.authenticate(ctx, c, creds(*req), directory.RequireMember())
	if !ok {
		return h.failKey(msgcat.ErrAuth)
	}
	if room.HostID != p.ID {
		return h.failKey(msgcat.ErrNotHost)
	}
	res, err := h.orch.EndGame(ctx, room.ID, wire.NoSide, orchestrator.ReasonHost)
	return h.finish(ctx, res, err)
}

func (h *Handler) kickPlayer(ctx context.Context, c Conn, req *wire.KickPlayerRequest) wire.Response {
	p, room, ok := h.authenticate(ctx, c, creds(req.Identity), directory.RequireMember())
	if !ok {
		return h.failKey(msgcat.ErrAuth)
	}
	if room.HostID != p.ID {
		return h.failKey(msgcat.ErrNotHost)
	}
	target := strings.TrimSpace(req.KickedPlayerID)
	if target == "" || target == room.HostID {
		return h.failKey(msgcat.ErrHostKick)
	}
	defer h.broadcastPlayers(ctx, room.ID)
	if tp, err := h.dir.Player(ctx, target); err == nil {
		h.forfeit(ctx, room, tp, ReasonKicked)
	}
	if _, err := h.dir.KickPlayer(ctx, room.ID, target); err != nil {
		return h.fail(err)
	}
	h.send(ctx, []string{target}, wire.PushKickedFromRoom, wire.Response{Status: wire.StatusOK, Message: h.cat.Text(msgcat.NoticeKicked, nil)})
	obslog.L().Info("room_kick", zap.String("room_id", room.ID), zap.String("player_id", target))
	return wire.OK()
}

func (h *Handler) movePlayerToSpectator(ctx context.Context, c Conn, req *wire.MoveToSpectatorRequest) wire.Response {
	p, room, ok := h.authenticate(ctx, c, creds(req.Identity), directory.RequireMember())
	if !ok {
		return h.failKey(msgcat.ErrAuth)
	}
	if room.HostID != p.ID {
		return h.failKey(msgcat.ErrNotHost)
	}
	defer h.broadcastPlayers(ctx, room.ID)
	if _, err := h.dir.SetSpectating(ctx, room.ID, strings.TrimSpace(req.SpectatorPlayerID), true); err != nil {
		return h.fail(err)
	}
	return wire.OK()
}

func (h *Handler) setViewingResults(ctx context.Context, c Conn, req *wire.ViewingResultsRequest) wire.Response {
	p, room, ok := h.authenticate(ctx, c, creds(req.Identity), directory.RequireMember())
	if !ok {
		return h.failKey(msgcat.ErrAuth)
	}
	h.dir.SetViewingResults(ctx, []string{p.ID}, req.ViewingResults)
	h.broadcastPlayers(ctx, room.ID)
	// a rematch started while this player was on the results screen
	if !req.ViewingResults && room.Ongoing {
		h.syncGame(p.ID, room.ID)
	}
	return wire.OK()
}

func (h *Handler) sendChatMessage(ctx context.Context, c Conn, req *wire.ChatMessageRequest) wire.Response {
	p, room, ok := h.authenticate(ctx, c, creds(req.Identity), directory.RequireMember())
	if !ok {
		return h.failKey(msgcat.ErrAuth)
	}
	msg := sanitizeChat(req.Message, h.cfg.ChatMaxRunes)
	if msg == "" {
		return h.failKey(msgcat.ErrChatEmpty)
	}
	h.sendRoom(ctx, room.ID, wire.PushChatMessage, wire.ChatMessagePayload{PlayerName: p.Name, Message: msg})
	return wire.OK()
}

// CreateRoom registers (or confirms) the caller and opens a private room
// they host.
func (h *Handler) CreateRoom(ctx context.Context, req wire.CreateRoomRequest) (*wire.RoomTicket, error) {
	p, err := h.dir.EnsurePlayer(ctx, req.PlayerID, req.SecretID, req.PlayerName, req.AvatarID)
	if err != nil {
		return nil, err
	}
	if p.RoomID != "" {
		if err := h.LeaveRoom(ctx, p.RoomID, p.ID); err != nil && !errors.Is(err, directory.ErrRoomNotFound) {
			return nil, err
		}
	}
	room, err := h.dir.CreateRoom(ctx, p.ID, "")
	if err != nil {
		return nil, err
	}
	return &wire.RoomTicket{RoomID: room.ID, RoomCode: room.Code, PlayerID: p.ID, SecretID: p.Secret}, nil
}

// ResolveRoom registers (or confirms) the caller and resolves a join code.
// The seat is taken when the socket sends joinRoom.
func (h *Handler) ResolveRoom(ctx context.Context, req wire.JoinByCodeRequest) (*wire.RoomTicket, error) {
	room, err := h.dir.RoomByCode(ctx, req.RoomCode)
	if err != nil {
		return nil, err
	}
	p, err := h.dir.EnsurePlayer(ctx, req.PlayerID, req.SecretID, req.PlayerName, req.AvatarID)
	if err != nil {
		return nil, err
	}
	return &wire.RoomTicket{RoomID: room.ID, RoomCode: room.Code, PlayerID: p.ID, SecretID: p.Secret}, nil
}

// Leave verifies the identity and removes the player from the room.
func (h *Handler) Leave(ctx context.Context, id wire.Identity) error {
	if !h.dir.VerifyPlayerConnection(ctx, creds(id), directory.RequireMember()) {
		return directory.ErrSecretMismatch
	}
	return h.LeaveRoom(ctx, id.RoomID, id.PlayerID)
}

// LeaveRoom removes playerID from the room. A seated player of a running
// game forfeits; a departing host closes the room for everyone.
func (h *Handler) LeaveRoom(ctx context.Context, roomID, playerID string) error {
	room, err := h.dir.Room(ctx, roomID)
	if err != nil {
		return err
	}
	p, err := h.dir.Player(ctx, playerID)
	if err != nil {
		return err
	}
	if room.HostID == playerID {
		return h.closeRoom(ctx, room, p, false)
	}
	h.forfeit(ctx, room, p, orchestrator.ReasonDisconnect)
	if _, err := h.dir.LeaveRoom(ctx, roomID, playerID); err != nil {
		return err
	}
	h.broadcastPlayers(ctx, roomID)
	return nil
}

// Disconnected runs when the last socket of a player closes. A host takes
// the room down at once; everyone else gets a grace period.
func (h *Handler) Disconnected(ctx context.Context, playerID string) {
	p, err := h.dir.Player(ctx, playerID)
	if err != nil {
		return
	}
	roomID := p.RoomID
	if roomID != "" {
		room, err := h.dir.Room(ctx, roomID)
		if err == nil && room.HostID == playerID {
			if err := h.closeRoom(ctx, room, p, true); err != nil {
				obslog.L().Warn("room_close_error", zap.String("room_id", roomID), zap.Error(err))
			}
			roomID = ""
		}
	}
	if err := h.dir.MarkTransient(ctx, playerID, h.cfg.TransientGrace, h.expire); err != nil {
		obslog.L().Warn("mark_transient_error", zap.String("player_id", playerID), zap.Error(err))
		return
	}
	if roomID != "" {
		h.broadcastPlayers(ctx, roomID)
	}
}

// expire handles a player whose grace period ran out.
func (h *Handler) expire(ctx context.Context, p *session.Player) {
	if p.RoomID == "" {
		if err := h.dir.PurgePlayer(ctx, p.ID); err != nil {
			obslog.L().Warn("player_purge_error", zap.String("player_id", p.ID), zap.Error(err))
		}
		return
	}
	if err := h.LeaveRoom(ctx, p.RoomID, p.ID); err != nil {
		if errors.Is(err, directory.ErrRoomNotFound) {
			_ = h.dir.PurgePlayer(ctx, p.ID)
			return
		}
		obslog.L().Warn("transient_leave_error", zap.String("player_id", p.ID), zap.String("room_id", p.RoomID), zap.Error(err))
	}
}

// forfeit ends a running game against the player's side.
func (h *Handler) forfeit(ctx context.Context, room *session.Room, p *session.Player, reason string) {
	side := room.SideOf(p.ID)
	if !room.Ongoing || !side.Valid() {
		return
	}
	res, err := h.orch.EndGame(ctx, room.ID, side.Other(), reason)
	if err != nil || res.Ignored {
		return
	}
	h.publish(ctx, res)
	if reason == orchestrator.ReasonDisconnect {
		h.sendRoom(ctx, room.ID, wire.PushEndGameFromDisconnect, wire.EndGameFromDisconnectPayload{
			Name:    p.Name,
			Message: h.cat.Text(msgcat.NoticeOpponentLeft, map[string]string{"Name": p.Name}),
		})
	}
}

// closeRoom tears the room down after its host left.
func (h *Handler) closeRoom(ctx context.Context, room *session.Room, host *session.Player, disconnected bool) error {
	h.unschedule(room.ID)
	members, err := h.dir.RoomMembers(ctx, room.ID)
	if err != nil {
		return err
	}
	others := make([]string, 0, len(members))
	for _, id := range members {
		if id != host.ID {
			others = append(others, id)
		}
	}
	if room.Ongoing {
		// archives the game; nobody is left to receive the log entry
		if _, err := h.orch.EndGame(ctx, room.ID, room.SideOf(host.ID).Other(), orchestrator.ReasonHost); err != nil {
			obslog.L().Warn("host_end_game_error", zap.String("room_id", room.ID), zap.Error(err))
		}
		if disconnected {
			h.send(ctx, others, wire.PushEndGameFromDisconnect, wire.EndGameFromDisconnectPayload{
				Name:    host.Name,
				IsHost:  true,
				Message: h.cat.Text(msgcat.NoticeRoomClosed, nil),
			})
		}
	}
	h.send(ctx, others, wire.PushRoomClosed, wire.Response{Status: wire.StatusOK, Message: h.cat.Text(msgcat.NoticeRoomClosed, nil)})
	if _, err := h.dir.DeleteRoom(ctx, room.ID); err != nil {
		return err
	}
	obslog.L().Info("room_closed", zap.String("room_id", room.ID), zap.Bool("disconnect", disconnected))
	return nil
}

func (h *Handler) broadcastPlayers(ctx context.Context, roomID string) {
	room, err := h.dir.Room(ctx, roomID)
	if err != nil {
		return
	}
	players, err := h.dir.RoomPlayers(ctx, roomID)
	if err != nil {
		obslog.L().Warn("room_players_error", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	list := make([]wire.ConnectedPlayer, 0, len(players))
	ids := make([]string, 0, len(players))
	for _, p := range players {
		ids = append(ids, p.ID)
		list = append(list, wire.ConnectedPlayer{
			PlayerID:       p.ID,
			PlayerName:     p.Name,
			AvatarID:       p.AvatarID,
			IsHost:         p.ID == room.HostID,
			IsPlayer1:      p.ID == room.Player1ID,
			IsPlayer2:      p.ID == room.Player2ID,
			Spectating:     p.Spectating,
			Transient:      p.Transient(),
			ViewingResults: p.ViewingResults,
		})
	}
	h.send(ctx, ids, wire.PushConnectedPlayers, list)
}

func (h *Handler) send(ctx context.Context, ids []string, event string, data any) {
	if len(ids) == 0 {
		return
	}
	if err := h.gw.Send(ctx, ids, event, data); err != nil {
		obslog.L().Warn("gateway_send_error", zap.String("event", event), zap.Error(err))
	}
}

func (h *Handler) sendRoom(ctx context.Context, roomID, event string, data any) {
	members, err := h.dir.RoomMembers(ctx, roomID)
	if err != nil {
		obslog.L().Warn("room_members_error", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	h.send(ctx, members, event, data)
}
