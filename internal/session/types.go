// Package session holds the records the directory persists and the
// orchestrator mutates. Rooms reference players by id only.
package session

import (
	"time"

	"github.com/park285/pokechess/internal/battle"
	"github.com/park285/pokechess/internal/clock"
	"github.com/park285/pokechess/internal/rules"
	"github.com/park285/pokechess/pkg/wire"
)

// Phase is the explicit room state.
type Phase string

const (
	PhaseLobby     Phase = "LOBBY"
	PhaseDraftBan  Phase = "DRAFT_BAN"
	PhaseDraftPick Phase = "DRAFT_PICK"
	PhaseChessTurn Phase = "CHESS_TURN"
	PhaseBattle    Phase = "BATTLE_RESOLUTION"
	PhaseEnded     Phase = "GAME_ENDED"
)

// Drafting reports whether p is one of the draft phases.
func (p Phase) Drafting() bool { return p == PhaseDraftBan || p == PhaseDraftPick }

const (
	FormatRandom = "random"
	FormatDraft  = "draft"
)

// Player is stored as JSON under player:<id>.
type Player struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	AvatarID string `json:"avatarId"`
	Secret   string `json:"secret"`

	// TransientSince is unix ms of the disconnect, nil while connected.
	TransientSince *int64 `json:"transientSince"`
	ViewingResults bool   `json:"viewingResults"`
	Spectating     bool   `json:"spectating"`
	RoomID         string `json:"roomId,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

func (p *Player) Transient() bool { return p != nil && p.TransientSince != nil }

// Creature is the occupant bound to a chess piece.
type Creature struct {
	Species string    `json:"species"`
	Side    wire.Side `json:"side"`
}

// PoolEntry is one draftable creature. Indices into the pool never shift.
type PoolEntry struct {
	Species string `json:"species"`
	Banned  bool   `json:"banned,omitempty"`
	Picked  bool   `json:"picked,omitempty"`
}

func (e PoolEntry) Available() bool { return !e.Banned && !e.Picked }

// Battle is the single in-flight creature fight of a room. The chess move
// that opened it is held uncommitted until the fight ends.
type Battle struct {
	Attacker wire.Side    `json:"attacker"`
	Move     rules.Move   `json:"move"`
	State    battle.State `json:"state"`
	// Pending holds each side's chosen action until both are in.
	Pending [2]string `json:"pending"`
}

// Room is stored as JSON under room:<id>.
type Room struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	HostID    string `json:"hostId"`
	Player1ID string `json:"player1Id,omitempty"`
	Player2ID string `json:"player2Id,omitempty"`
	WhiteID   string `json:"whiteId,omitempty"`
	BlackID   string `json:"blackId,omitempty"`
	// Queue is set for rooms created by matchmaking.
	Queue string `json:"queue,omitempty"`

	Ongoing bool             `json:"ongoing"`
	Phase   Phase            `json:"phase"`
	Options wire.GameOptions `json:"options"`
	Seed    int64            `json:"seed"`

	History [2][]wire.MatchLogEntry `json:"history"`

	FEN       string              `json:"fen,omitempty"`
	Creatures map[string]Creature `json:"creatures,omitempty"`
	Pool      []PoolEntry         `json:"pool,omitempty"`
	BansLeft  [2]int              `json:"bansLeft"`
	ToAct     wire.Side           `json:"toAct"`
	Battle    *Battle             `json:"battle,omitempty"`
	Clock     clock.Clock         `json:"clock"`

	CreatedAt time.Time `json:"createdAt"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

// SideOf returns the colour playerID holds, or NoSide.
func (r *Room) SideOf(playerID string) wire.Side {
	switch {
	case playerID == "":
		return wire.NoSide
	case playerID == r.WhiteID:
		return wire.White
	case playerID == r.BlackID:
		return wire.Black
	default:
		return wire.NoSide
	}
}

// PlayerFor returns the id seated at side s.
func (r *Room) PlayerFor(s wire.Side) string {
	switch s {
	case wire.White:
		return r.WhiteID
	case wire.Black:
		return r.BlackID
	default:
		return ""
	}
}

// Seated reports whether playerID holds seat 1 or 2.
func (r *Room) Seated(playerID string) bool {
	return playerID != "" && (playerID == r.Player1ID || playerID == r.Player2ID)
}

func (r *Room) Full() bool { return r.Player1ID != "" && r.Player2ID != "" }

// Append writes entries to the histories. Private entries go to the owning
// side only; everything else goes to both.
func (r *Room) Append(owner wire.Side, entries ...wire.MatchLogEntry) {
	for _, e := range entries {
		if e.Private {
			if owner.Valid() {
				r.History[owner] = append(r.History[owner], e)
			}
			continue
		}
		for _, s := range wire.Sides {
			r.History[s] = append(r.History[s], e)
		}
	}
}

// HistoryFor is the log a given player is allowed to see. Spectators get
// white's log without private entries.
func (r *Room) HistoryFor(playerID string) []wire.MatchLogEntry {
	if s := r.SideOf(playerID); s.Valid() {
		return append([]wire.MatchLogEntry(nil), r.History[s]...)
	}
	out := make([]wire.MatchLogEntry, 0, len(r.History[wire.White]))
	for _, e := range r.History[wire.White] {
		if !e.Private {
			out = append(out, e)
		}
	}
	return out
}

// GameEnded reports whether a gameEnd entry has been logged.
func (r *Room) GameEnded() bool {
	for _, e := range r.History[wire.White] {
		if e.IsGameEnd() {
			return true
		}
	}
	return false
}

// ResetBoard clears board-dependent state and keeps identity fields.
func (r *Room) ResetBoard() {
	r.Ongoing = false
	r.Phase = PhaseLobby
	r.WhiteID, r.BlackID = "", ""
	r.History = [2][]wire.MatchLogEntry{}
	r.FEN = ""
	r.Creatures = nil
	r.Pool = nil
	r.BansLeft = [2]int{}
	r.ToAct = wire.NoSide
	r.Battle = nil
	r.Clock = clock.Clock{}
	r.StartedAt = time.Time{}
	r.EndedAt = time.Time{}
}
