package directory

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/pokechess/internal/obslog"
	"github.com/park285/pokechess/internal/session"
	"github.com/park285/pokechess/internal/store"
	"github.com/park285/pokechess/pkg/wire"
)

// LeaveResult describes what a departure did to the room.
type LeaveResult struct {
	Room *session.Room
	// Closed is set when the host left and the room was torn down.
	Closed  bool
	Members []string
}

// CreateRoom allocates a room with a unique join code and seats the host.
// queue is empty for rooms created by hand.
func (d *Directory) CreateRoom(ctx context.Context, hostID, queue string) (*session.Room, error) {
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return nil, ErrInvalidArgs
	}
	if queue != "" && !validQueue(queue) {
		return nil, ErrUnknownQueue
	}
	if _, err := d.Player(ctx, hostID); err != nil {
		return nil, err
	}

	roomID := uuid.NewString()
	var code string
	for i := 0; i < 5; i++ {
		c, err := codeGen()
		if err != nil {
			return nil, err
		}
		ok, err := d.st.CreateJSON(ctx, d.keyCode(c), roomID, d.roomTTL)
		if err != nil {
			return nil, err
		}
		if ok {
			code = c
			break
		}
	}
	if code == "" {
		return nil, fmt.Errorf("failed to allocate room code")
	}

	opts := d.defaults
	if queue != "" {
		opts.Format = queue
	}
	room := &session.Room{
		ID:        roomID,
		Code:      code,
		HostID:    hostID,
		Player1ID: hostID,
		Queue:     queue,
		Phase:     session.PhaseLobby,
		Options:   opts,
		Seed:      rand.Int64(),
		ToAct:     wire.NoSide,
		CreatedAt: d.now(),
	}
	if err := d.st.SetJSON(ctx, d.keyRoom(roomID), room, d.roomTTL); err != nil {
		return nil, err
	}
	if err := d.st.SetAdd(ctx, d.keyMembers(roomID), hostID, d.roomTTL); err != nil {
		return nil, err
	}
	if _, err := d.UpdatePlayer(ctx, hostID, func(p *session.Player) error {
		p.RoomID = roomID
		p.Spectating = false
		p.ViewingResults = false
		return nil
	}); err != nil {
		return nil, err
	}
	obslog.L().Info("room_create",
		zap.String("room_id", roomID),
		zap.String("code", code),
		zap.String("host_id", hostID),
		zap.String("queue", queue),
	)
	return room, nil
}

func (d *Directory) Room(ctx context.Context, id string) (*session.Room, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrInvalidArgs
	}
	var r session.Room
	ok, err := d.st.GetJSON(ctx, d.keyRoom(id), &r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRoomNotFound
	}
	return &r, nil
}

// RoomByCode resolves a join code.
func (d *Directory) RoomByCode(ctx context.Context, code string) (*session.Room, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, ErrInvalidArgs
	}
	var roomID string
	ok, err := d.st.GetJSON(ctx, d.keyCode(code), &roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRoomNotFound
	}
	return d.Room(ctx, roomID)
}

// UpdateRoom applies fn to the stored room inside an optimistic transaction.
// fn may run several times and must only mutate the room it is given.
func (d *Directory) UpdateRoom(ctx context.Context, id string, fn func(*session.Room) error) (*session.Room, error) {
	r, err := store.Update(ctx, d.st, d.keyRoom(id), d.roomTTL, fn)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err == nil {
		d.touchRoom(ctx, id)
	}
	return r, err
}

// JoinRoom seats playerID in the first free slot or adds them as spectator.
// Callers verify the room code.
func (d *Directory) JoinRoom(ctx context.Context, roomID, playerID string) (*session.Room, error) {
	if strings.TrimSpace(playerID) == "" {
		return nil, ErrInvalidArgs
	}
	if _, err := d.Player(ctx, playerID); err != nil {
		return nil, err
	}
	var seated bool
	room, err := d.UpdateRoom(ctx, roomID, func(r *session.Room) error {
		seated = true
		switch {
		case r.Seated(playerID):
		case r.Player1ID == "" && !r.Ongoing:
			r.Player1ID = playerID
		case r.Player2ID == "" && !r.Ongoing:
			r.Player2ID = playerID
		default:
			seated = false
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := d.st.SetAdd(ctx, d.keyMembers(roomID), playerID, d.roomTTL); err != nil {
		return nil, err
	}
	if _, err := d.UpdatePlayer(ctx, playerID, func(p *session.Player) error {
		p.RoomID = roomID
		p.Spectating = !seated
		return nil
	}); err != nil {
		return nil, err
	}
	obslog.L().Info("room_join",
		zap.String("room_id", roomID),
		zap.String("player_id", playerID),
		zap.Bool("spectating", !seated),
	)
	return room, nil
}

// LeaveRoom removes playerID. A departing host tears the whole room down.
func (d *Directory) LeaveRoom(ctx context.Context, roomID, playerID string) (*LeaveResult, error) {
	room, err := d.Room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.HostID == playerID {
		members, err := d.DeleteRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		return &LeaveResult{Room: room, Closed: true, Members: members}, nil
	}
	room, err = d.UpdateRoom(ctx, roomID, func(r *session.Room) error {
		if r.Player1ID == playerID {
			r.Player1ID = ""
		}
		if r.Player2ID == playerID {
			r.Player2ID = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := d.st.SetRemove(ctx, d.keyMembers(roomID), playerID); err != nil {
		return nil, err
	}
	d.detach(ctx, playerID, roomID)
	members, _ := d.st.SetMembers(ctx, d.keyMembers(roomID))
	obslog.L().Info("room_leave", zap.String("room_id", roomID), zap.String("player_id", playerID))
	return &LeaveResult{Room: room, Members: members}, nil
}

// KickPlayer removes a non-host member.
func (d *Directory) KickPlayer(ctx context.Context, roomID, targetID string) (*LeaveResult, error) {
	room, err := d.Room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if targetID == room.HostID {
		return nil, ErrInvalidArgs
	}
	return d.LeaveRoom(ctx, roomID, targetID)
}

// DeleteRoom tears a room down and returns who was in it.
func (d *Directory) DeleteRoom(ctx context.Context, roomID string) ([]string, error) {
	room, err := d.Room(ctx, roomID)
	if err != nil && !errors.Is(err, ErrRoomNotFound) {
		return nil, err
	}
	members, err := d.st.SetMembers(ctx, d.keyMembers(roomID))
	if err != nil {
		return nil, err
	}
	keys := []string{d.keyRoom(roomID), d.keyMembers(roomID)}
	if room != nil && room.Code != "" {
		keys = append(keys, d.keyCode(room.Code))
	}
	if err := d.st.Delete(ctx, keys...); err != nil {
		return nil, err
	}
	for _, id := range members {
		d.detach(ctx, id, roomID)
	}
	obslog.L().Info("room_delete", zap.String("room_id", roomID), zap.Int("members", len(members)))
	return members, nil
}

// RoomPlayers loads every member of the room. Expired players are dropped
// from the member set.
func (d *Directory) RoomPlayers(ctx context.Context, roomID string) ([]*session.Player, error) {
	ids, err := d.st.SetMembers(ctx, d.keyMembers(roomID))
	if err != nil {
		return nil, err
	}
	out := make([]*session.Player, 0, len(ids))
	for _, id := range ids {
		p, err := d.Player(ctx, id)
		if errors.Is(err, ErrPlayerNotFound) {
			_ = d.st.SetRemove(ctx, d.keyMembers(roomID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (d *Directory) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	return d.st.SetMembers(ctx, d.keyMembers(roomID))
}

// SetSpectating moves playerID between a seat and the spectator list.
// Seated players of a running game cannot step out.
func (d *Directory) SetSpectating(ctx context.Context, roomID, playerID string, spectating bool) (*session.Room, error) {
	room, err := d.UpdateRoom(ctx, roomID, func(r *session.Room) error {
		if spectating {
			if !r.Seated(playerID) {
				return nil
			}
			if r.Ongoing {
				return ErrGameOngoing
			}
			if r.Player1ID == playerID {
				r.Player1ID = ""
			}
			if r.Player2ID == playerID {
				r.Player2ID = ""
			}
			return nil
		}
		switch {
		case r.Seated(playerID):
		case r.Ongoing:
			return ErrGameOngoing
		case r.Player1ID == "":
			r.Player1ID = playerID
		case r.Player2ID == "":
			r.Player2ID = playerID
		default:
			return ErrRoomFull
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := d.UpdatePlayer(ctx, playerID, func(p *session.Player) error {
		p.Spectating = spectating
		return nil
	}); err != nil {
		return nil, err
	}
	return room, nil
}

// SetViewingResults records whether the player is still on the results screen.
func (d *Directory) SetViewingResults(ctx context.Context, playerIDs []string, viewing bool) {
	for _, id := range playerIDs {
		_, err := d.UpdatePlayer(ctx, id, func(p *session.Player) error {
			p.ViewingResults = viewing
			return nil
		})
		if err != nil && !errors.Is(err, ErrPlayerNotFound) {
			obslog.L().Warn("viewing_results_update_error", zap.String("player_id", id), zap.Error(err))
		}
	}
}

// detach clears the player's room pointer if it still names roomID.
func (d *Directory) detach(ctx context.Context, playerID, roomID string) {
	_, err := d.UpdatePlayer(ctx, playerID, func(p *session.Player) error {
		if p.RoomID == roomID {
			p.RoomID = ""
			p.Spectating = false
			p.ViewingResults = false
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrPlayerNotFound) {
		obslog.L().Warn("player_detach_error", zap.String("player_id", playerID), zap.Error(err))
	}
}
