package orchestrator

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	mrand "math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pokechess/internal/clock"
	"github.com/park285/pokechess/internal/obslog"
	"github.com/park285/pokechess/internal/rules"
	"github.com/park285/pokechess/internal/session"
	"github.com/park285/pokechess/internal/store"
	"github.com/park285/pokechess/pkg/wire"
)

const (
	ReasonTimeout    = "timeout"
	ReasonCheckmate  = rules.OutcomeCheckmate
	ReasonDraw       = rules.OutcomeDraw
	ReasonKing       = "kingCaptured"
	ReasonDisconnect = "disconnect"
	ReasonHost       = "host"

	boardSquares = 32
)

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// InitializeGame assigns colours and sets up a new game from the lobby or
// from a finished game.
func (o *Orchestrator) InitializeGame(ctx context.Context, roomID string) (*Result, error) {
	return o.mutate(ctx, roomID, "initialize_game", func(r *session.Room, res *Result, now time.Time) error {
		if r.Ongoing {
			return ErrGameOngoing
		}
		if !r.Full() {
			return ErrIncompletePlayers
		}
		r.ResetBoard()
		r.Options = NormalizeOptions(r.Options)

		r.WhiteID, r.BlackID = r.Player1ID, r.Player2ID
		if n, _ := rand.Int(rand.Reader, big.NewInt(2)); n != nil && n.Int64() == 0 {
			r.WhiteID, r.BlackID = r.Player2ID, r.Player1ID
		}
		r.Seed = mrand.Int64()
		r.FEN = rules.StartFEN
		r.Ongoing = true
		r.StartedAt = now
		r.Creatures = make(map[string]session.Creature, boardSquares)

		if r.Options.Format == session.FormatDraft {
			r.Pool = buildPool(o.species, r.Seed, boardSquares+2*r.Options.MaxBans)
			r.BansLeft = [2]int{r.Options.MaxBans, r.Options.MaxBans}
			r.ToAct = wire.White
			r.Phase = draftPhase(r, wire.White)
			r.Clock = clock.New(ms(r.Options.DraftActionMs), now)
			r.Clock.SetDeadline(wire.White, ms(r.Options.DraftActionMs), now)
		} else {
			assignRandom(r, o.species)
			r.Phase = session.PhaseChessTurn
			r.Clock = clock.New(ms(r.Options.ChessTimerMs), now)
			r.Clock.Start(wire.White, now)
		}
		res.TimersChanged = true
		obslog.L().Info("game_start",
			zap.String("room_id", r.ID),
			zap.String("white_id", r.WhiteID),
			zap.String("black_id", r.BlackID),
			zap.String("format", r.Options.Format),
		)
		return nil
	})
}

// Rematch moves a finished room back to the lobby keeping its identity.
func (o *Orchestrator) Rematch(ctx context.Context, roomID string) (*Result, error) {
	return o.mutate(ctx, roomID, "rematch", func(r *session.Room, res *Result, now time.Time) error {
		if r.Ongoing || r.Phase != session.PhaseEnded {
			return errIgnored
		}
		r.ResetBoard()
		return nil
	})
}

// ChangeOptions replaces the room options while no game is running.
func (o *Orchestrator) ChangeOptions(ctx context.Context, roomID string, opts wire.GameOptions) (*Result, error) {
	return o.mutate(ctx, roomID, "change_options", func(r *session.Room, res *Result, now time.Time) error {
		if r.Ongoing {
			return ErrGameOngoing
		}
		r.Options = NormalizeOptions(opts)
		return nil
	})
}

// EndGame finishes the game. It is a no-op when the game already ended.
func (o *Orchestrator) EndGame(ctx context.Context, roomID string, winner wire.Side, reason string) (*Result, error) {
	return o.mutate(ctx, roomID, "end_game", func(r *session.Room, res *Result, now time.Time) error {
		if !r.Ongoing || r.Phase == session.PhaseEnded || r.GameEnded() {
			return errIgnored
		}
		o.endGame(r, res, winner, reason, now)
		return nil
	})
}

func (o *Orchestrator) endGame(r *session.Room, res *Result, winner wire.Side, reason string, now time.Time) {
	if !winner.Valid() {
		winner = wire.NoSide
	}
	res.emit(r, wire.NoSide, wire.GameEndLog(winner, reason))
	r.Clock.StopAll(now)
	r.Ongoing = false
	r.Phase = session.PhaseEnded
	r.Battle = nil
	r.ToAct = wire.NoSide
	r.EndedAt = now
	res.TimersChanged = true
	res.Ended = true
	res.Winner = winner
	res.Reason = reason
}

// ValidateTimers arbitrates clock expiry across processes: it takes the
// room lock, re-checks the stored clock and acts at most once.
func (o *Orchestrator) ValidateTimers(ctx context.Context, roomID string) (*Result, error) {
	lock, err := o.dir.Store().TryLock(ctx, "room:"+roomID, o.lockTTL)
	if errors.Is(err, store.ErrLockHeld) {
		return &Result{Ignored: true, Winner: wire.NoSide}, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			obslog.L().Warn("room_lock_release_error", zap.String("room_id", roomID), zap.Error(err))
		}
	}()

	return o.mutate(ctx, roomID, "validate_timers", func(r *session.Room, res *Result, now time.Time) error {
		if !r.Ongoing || !r.Options.TimersEnabled {
			return errIgnored
		}
		expired := r.Clock.Expired(now)
		if !expired[wire.White] && !expired[wire.Black] {
			return errIgnored
		}
		if r.Phase.Drafting() {
			side := r.ToAct
			if !side.Valid() || !expired[side] {
				return errIgnored
			}
			return o.autoDraft(r, res, side, now)
		}
		loser := wire.White
		switch {
		case expired[wire.White] && expired[wire.Black]:
			if r.Clock.Timers[wire.Black].Expiration < r.Clock.Timers[wire.White].Expiration {
				loser = wire.Black
			}
		case expired[wire.Black]:
			loser = wire.Black
		}
		o.endGame(r, res, loser.Other(), ReasonTimeout, now)
		return nil
	})
}

// NormalizeOptions clamps client supplied options into playable ranges.
func NormalizeOptions(o wire.GameOptions) wire.GameOptions {
	if o.Format != session.FormatDraft {
		o.Format = session.FormatRandom
	}
	if o.ChessTimerMs <= 0 {
		o.ChessTimerMs = (15 * time.Minute).Milliseconds()
	}
	if o.ChessIncrementMs < 0 {
		o.ChessIncrementMs = 0
	}
	if o.BattleIncrementMs < 0 {
		o.BattleIncrementMs = 0
	}
	if o.DraftActionMs <= 0 {
		o.DraftActionMs = (30 * time.Second).Milliseconds()
	}
	o.MaxBans = clampInt(o.MaxBans, 0, 8)
	o.OffenseAdvantage.Atk = clampInt(o.OffenseAdvantage.Atk, -6, 6)
	o.OffenseAdvantage.Def = clampInt(o.OffenseAdvantage.Def, -6, 6)
	o.OffenseAdvantage.Spe = clampInt(o.OffenseAdvantage.Spe, -6, 6)
	return o
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func buildPool(species []string, seed int64, n int) []session.PoolEntry {
	rng := mrand.New(mrand.NewPCG(uint64(seed), 0))
	perm := rng.Perm(len(species))
	if n > len(perm) {
		n = len(perm)
	}
	pool := make([]session.PoolEntry, n)
	for i := 0; i < n; i++ {
		pool[i] = session.PoolEntry{Species: species[perm[i]]}
	}
	return pool
}

func assignRandom(r *session.Room, species []string) {
	if len(species) == 0 {
		return
	}
	rng := mrand.New(mrand.NewPCG(uint64(r.Seed), 1))
	perm := rng.Perm(len(species))
	i := 0
	for _, side := range wire.Sides {
		for _, sq := range rules.Squares(r.FEN, side) {
			r.Creatures[sq] = session.Creature{Species: species[perm[i%len(perm)]], Side: side}
			i++
		}
	}
}
