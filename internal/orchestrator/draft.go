package orchestrator

import (
	"context"
	mrand "math/rand/v2"
	"strings"
	"time"

	"github.com/park285/pokechess/internal/rules"
	"github.com/park285/pokechess/internal/session"
	"github.com/park285/pokechess/pkg/wire"
)

// DraftAction is one ban or pick.
type DraftAction struct {
	PlayerID string
	// Square is required for picks.
	Square string
	Index  int
	IsBan  bool
}

// Draft applies a ban or pick for the side to act. Invalid actions are
// ignored.
func (o *Orchestrator) Draft(ctx context.Context, roomID string, a DraftAction) (*Result, error) {
	return o.mutate(ctx, roomID, "draft", func(r *session.Room, res *Result, now time.Time) error {
		if !r.Ongoing || !r.Phase.Drafting() {
			return errIgnored
		}
		side := r.SideOf(a.PlayerID)
		if !side.Valid() || side != r.ToAct {
			return errIgnored
		}
		if r.Options.TimersEnabled && r.Clock.Expired(now)[side] {
			return errIgnored
		}
		if !o.applyDraft(r, res, side, a.Index, strings.ToLower(strings.TrimSpace(a.Square)), a.IsBan, now) {
			return errIgnored
		}
		return nil
	})
}

func (o *Orchestrator) applyDraft(r *session.Room, res *Result, side wire.Side, index int, square string, isBan bool, now time.Time) bool {
	if index < 0 || index >= len(r.Pool) || !r.Pool[index].Available() {
		return false
	}
	if isBan {
		if !canBan(r, side) {
			return false
		}
		r.Pool[index].Banned = true
		r.BansLeft[side]--
		res.emit(r, wire.NoSide, wire.DraftLog(side, index, "", true, r.Pool[index].Species))
	} else {
		if _, piece := rules.PieceAt(r.FEN, square); piece != side {
			return false
		}
		if _, taken := r.Creatures[square]; taken {
			return false
		}
		r.Pool[index].Picked = true
		r.Creatures[square] = session.Creature{Species: r.Pool[index].Species, Side: side}
		res.emit(r, wire.NoSide, wire.DraftLog(side, index, square, false, r.Pool[index].Species))
	}
	o.advanceDraft(r, side, now)
	res.TimersChanged = true
	return true
}

// advanceDraft hands the turn over, or starts the chess game once every
// piece has a creature.
func (o *Orchestrator) advanceDraft(r *session.Room, acted wire.Side, now time.Time) {
	if len(r.Creatures) >= boardSquares {
		r.Phase = session.PhaseChessTurn
		r.ToAct = wire.NoSide
		r.Clock.Reset(ms(r.Options.ChessTimerMs), now)
		r.Clock.Start(wire.White, now)
		return
	}
	next := acted.Other()
	if !canAct(r, next) {
		next = acted
	}
	r.ToAct = next
	r.Phase = draftPhase(r, next)
	r.Clock.Stop(acted, now)
	r.Clock.SetDeadline(next, ms(r.Options.DraftActionMs), now)
}

// autoDraft acts for a side whose draft clock ran out: a random pick onto
// its first empty square, or a random ban when it has nothing to pick.
func (o *Orchestrator) autoDraft(r *session.Room, res *Result, side wire.Side, now time.Time) error {
	var avail []int
	for i, e := range r.Pool {
		if e.Available() {
			avail = append(avail, i)
		}
	}
	if len(avail) == 0 {
		return errIgnored
	}
	rng := mrand.New(mrand.NewPCG(uint64(r.Seed), uint64(len(r.History[wire.White]))))
	index := avail[rng.IntN(len(avail))]
	if sq := emptySquares(r, side); len(sq) > 0 {
		if o.applyDraft(r, res, side, index, sq[0], false, now) {
			return nil
		}
	}
	if o.applyDraft(r, res, side, index, "", true, now) {
		return nil
	}
	return errIgnored
}

func emptySquares(r *session.Room, side wire.Side) []string {
	var out []string
	for _, sq := range rules.Squares(r.FEN, side) {
		if _, ok := r.Creatures[sq]; !ok {
			out = append(out, sq)
		}
	}
	return out
}

// canBan holds while the side has bans left and the pool would still fill
// every empty square after one more ban.
func canBan(r *session.Room, side wire.Side) bool {
	if r.BansLeft[side] <= 0 {
		return false
	}
	avail := 0
	for _, e := range r.Pool {
		if e.Available() {
			avail++
		}
	}
	return avail-1 >= boardSquares-len(r.Creatures)
}

func canAct(r *session.Room, side wire.Side) bool {
	return len(emptySquares(r, side)) > 0 || canBan(r, side)
}

func draftPhase(r *session.Room, side wire.Side) session.Phase {
	if canBan(r, side) {
		return session.PhaseDraftBan
	}
	return session.PhaseDraftPick
}
