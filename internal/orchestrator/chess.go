package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pokechess/internal/battle"
	"github.com/park285/pokechess/internal/obslog"
	"github.com/park285/pokechess/internal/rules"
	"github.com/park285/pokechess/internal/session"
	"github.com/park285/pokechess/pkg/wire"
)

// UndoAction withdraws a pending battle choice.
const UndoAction = "undo"

// ChessMove validates san for playerID. Out of turn, illegal or mistimed
// moves are ignored. A capture opens a battle and leaves the move pending.
func (o *Orchestrator) ChessMove(ctx context.Context, roomID, playerID, san string) (*Result, error) {
	return o.mutate(ctx, roomID, "chess_move", func(r *session.Room, res *Result, now time.Time) error {
		if !r.Ongoing || r.Phase != session.PhaseChessTurn || r.Battle != nil {
			return errIgnored
		}
		side := r.SideOf(playerID)
		if !side.Valid() || side != rules.Turn(r.FEN) {
			return errIgnored
		}
		// an expired clock waits for arbitration
		if r.Options.TimersEnabled && r.Clock.Expired(now)[side] {
			return errIgnored
		}
		mv, err := o.rules.Validate(r.FEN, san)
		if errors.Is(err, rules.ErrIllegalMove) {
			return errIgnored
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEngine, err)
		}

		attacker, okA := r.Creatures[mv.From]
		defender, okD := r.Creatures[mv.CapturedSquare]
		if !mv.Capture || !okA || !okD {
			o.commitMove(r, res, mv, now)
			return nil
		}

		st, events, err := o.battle.Start(battle.Setup{
			Attacker:  side,
			Creatures: bySide(side, attacker.Species, defender.Species),
			Seed:      r.Seed + int64(len(r.History[wire.White])),
			Options:   r.Options,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEngine, err)
		}
		r.Battle = &session.Battle{Attacker: side, Move: *mv, State: st}
		r.Phase = session.PhaseBattle
		res.emit(r, wire.NoSide, wire.MatchLogEntry{Type: wire.EntryBattle, Battle: &wire.BattleEntry{
			Event:    wire.BattleStart,
			Color:    side,
			Attacker: attacker.Species,
			Defender: defender.Species,
			Square:   mv.CapturedSquare,
		}})
		emitBattle(r, res, events)
		// both sides choose simultaneously
		r.Clock.Start(side.Other(), now)
		res.TimersChanged = true
		return nil
	})
}

// BattleMove records one side's action in the running battle, or withdraws
// it with UndoAction. The turn resolves once both sides have chosen.
func (o *Orchestrator) BattleMove(ctx context.Context, roomID, playerID, action string) (*Result, error) {
	return o.mutate(ctx, roomID, "battle_move", func(r *session.Room, res *Result, now time.Time) error {
		if !r.Ongoing || r.Phase != session.PhaseBattle || r.Battle == nil {
			return errIgnored
		}
		side := r.SideOf(playerID)
		if !side.Valid() {
			return errIgnored
		}
		b := r.Battle
		if strings.EqualFold(strings.TrimSpace(action), UndoAction) {
			if b.Pending[side] == "" {
				return errIgnored
			}
			b.Pending[side] = ""
			r.Clock.Start(side, now)
			res.TimersChanged = true
			return nil
		}
		if b.Pending[side] != "" {
			return errIgnored
		}
		if r.Options.TimersEnabled && r.Clock.Expired(now)[side] {
			return errIgnored
		}
		name, ok := o.battle.Normalize(b.State, side, action)
		if !ok {
			return errIgnored
		}
		b.Pending[side] = name
		r.Clock.Stop(side, now)
		res.TimersChanged = true
		if b.Pending[wire.White] == "" || b.Pending[wire.Black] == "" {
			return nil
		}

		st, events, err := o.battle.Resolve(b.State, b.Pending)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEngine, err)
		}
		b.State = st
		b.Pending = [2]string{}
		emitBattle(r, res, events)
		if st.Over {
			o.finishBattle(r, res, now)
			return nil
		}
		inc := ms(r.Options.BattleIncrementMs)
		for _, s := range wire.Sides {
			r.Clock.ApplyIncrement(s, inc)
			r.Clock.Start(s, now)
		}
		return nil
	})
}

// commitMove applies mv to the board and the creature map and hands the
// clock to the opponent. Taking the king ends the game before any other
// outcome is considered.
func (o *Orchestrator) commitMove(r *session.Room, res *Result, mv *rules.Move, now time.Time) {
	moveCreatures(r, mv)
	r.FEN = mv.FENAfter
	res.emit(r, wire.NoSide, wire.ChessLog(mv.Side, mv.SAN, false))
	o.passTurn(r, mv.Side, now)
	res.TimersChanged = true

	if !rules.HasKing(r.FEN, mv.Side.Other()) {
		o.endGame(r, res, mv.Side, ReasonKing, now)
		return
	}
	switch mv.Outcome {
	case rules.OutcomeCheckmate:
		o.endGame(r, res, mv.Winner, ReasonCheckmate, now)
	case rules.OutcomeDraw:
		o.endGame(r, res, wire.NoSide, ReasonDraw, now)
	}
}

func (o *Orchestrator) passTurn(r *session.Room, mover wire.Side, now time.Time) {
	r.Clock.Stop(mover, now)
	r.Clock.ApplyIncrement(mover, ms(r.Options.ChessIncrementMs))
	r.Clock.Start(mover.Other(), now)
}

// finishBattle commits or rolls back the pending capture. The victory entry
// is logged before the chess entry.
func (o *Orchestrator) finishBattle(r *session.Room, res *Result, now time.Time) {
	b := r.Battle
	mv := b.Move
	winner := b.State.Winner
	res.emit(r, wire.NoSide, wire.MatchLogEntry{Type: wire.EntryBattle, Battle: &wire.BattleEntry{
		Event: wire.BattleVictory,
		Color: winner,
	}})
	r.Battle = nil
	r.Phase = session.PhaseChessTurn
	r.Clock.StopAll(now)

	if winner == b.Attacker {
		o.commitMove(r, res, &mv, now)
		return
	}

	fen, err := rules.Rollback(mv.FENBefore, mv.From)
	if err != nil {
		fen = mv.FENBefore
	}
	delete(r.Creatures, mv.From)
	r.FEN = fen
	res.emit(r, wire.NoSide, wire.ChessLog(b.Attacker, mv.SAN, true))
	o.passTurn(r, b.Attacker, now)
	res.TimersChanged = true
	if !rules.HasKing(fen, b.Attacker) {
		o.endGame(r, res, b.Attacker.Other(), ReasonKing, now)
		return
	}
	outcome, victor, err := rules.Status(fen)
	if err != nil {
		obslog.Room(r.ID).Warn("rollback_status_error", zap.Error(err))
		return
	}
	switch outcome {
	case rules.OutcomeCheckmate:
		o.endGame(r, res, victor, ReasonCheckmate, now)
	case rules.OutcomeDraw:
		o.endGame(r, res, wire.NoSide, ReasonDraw, now)
	}
}

func moveCreatures(r *session.Room, mv *rules.Move) {
	if r.Creatures == nil {
		return
	}
	if mv.Capture {
		delete(r.Creatures, mv.CapturedSquare)
	}
	if c, ok := r.Creatures[mv.From]; ok {
		delete(r.Creatures, mv.From)
		r.Creatures[mv.To] = c
	}
	if mv.RookFrom != "" {
		if c, ok := r.Creatures[mv.RookFrom]; ok {
			delete(r.Creatures, mv.RookFrom)
			r.Creatures[mv.RookTo] = c
		}
	}
}

func emitBattle(r *session.Room, res *Result, events []battle.Event) {
	for _, ev := range events {
		entry := wire.MatchLogEntry{Type: wire.EntryBattle, Battle: &wire.BattleEntry{
			Event:  wire.BattleStreamOutput,
			Color:  ev.To,
			Output: ev.Line,
		}}
		if ev.To.Valid() {
			entry.Private = true
		}
		res.emit(r, ev.To, entry)
	}
}

func bySide(attacker wire.Side, attackerSpecies, defenderSpecies string) [2]string {
	var out [2]string
	out[attacker] = attackerSpecies
	out[attacker.Other()] = defenderSpecies
	return out
}
