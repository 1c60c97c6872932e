// Package orchestrator is the per-room game state machine. Every action
// loads the room inside an optimistic transaction, mutates the loaded copy
// and writes it back only if the action went through.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pokechess/internal/battle"
	"github.com/park285/pokechess/internal/directory"
	"github.com/park285/pokechess/internal/obslog"
	"github.com/park285/pokechess/internal/rules"
	"github.com/park285/pokechess/internal/session"
	"github.com/park285/pokechess/pkg/wire"
)

var (
	ErrIncompletePlayers = errors.New("orchestrator: both seats must be filled")
	ErrGameOngoing       = errors.New("orchestrator: game in progress")
	ErrEngine            = errors.New("orchestrator: engine failure")

	// errIgnored aborts a transaction without writing.
	errIgnored = errors.New("ignored")
)

// Output is one log entry produced by an action. To is NoSide for entries
// every member sees.
type Output struct {
	Entry wire.MatchLogEntry
	To    wire.Side
}

// Result describes a committed (or ignored) action.
type Result struct {
	Room          *session.Room
	Outputs       []Output
	TimersChanged bool
	// Ignored actions changed nothing.
	Ignored bool
	Ended   bool
	Winner  wire.Side
	Reason  string
}

// Archive stores finished games.
type Archive interface {
	Record(ctx context.Context, room *session.Room, winner wire.Side, reason string) error
}

type Orchestrator struct {
	dir     *directory.Directory
	rules   rules.Engine
	battle  battle.Engine
	species []string
	archive Archive
	lockTTL time.Duration
	now     func() time.Time

	locks keyedMutex
}

type Option func(*Orchestrator)

func WithArchive(a Archive) Option { return func(o *Orchestrator) { o.archive = a } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func WithLockTTL(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.lockTTL = d
		}
	}
}

// New wires the state machine. species is the creature pool used for
// random assignment and draft pools.
func New(dir *directory.Directory, re rules.Engine, be battle.Engine, species []string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dir:     dir,
		rules:   re,
		battle:  be,
		species: species,
		lockTTL: 5 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Now() time.Time { return o.now() }

func (res *Result) emit(r *session.Room, owner wire.Side, entries ...wire.MatchLogEntry) {
	r.Append(owner, entries...)
	for _, e := range entries {
		to := wire.NoSide
		if e.Private {
			to = owner
		}
		res.Outputs = append(res.Outputs, Output{Entry: e, To: to})
	}
}

// mutate serialises actions per room in this process and runs fn inside a
// store transaction. fn sees a fresh Result on every retry.
func (o *Orchestrator) mutate(ctx context.Context, roomID, action string, fn func(r *session.Room, res *Result, now time.Time) error) (*Result, error) {
	unlock := o.locks.Lock(roomID)
	defer unlock()

	log := obslog.Room(roomID)
	var res *Result
	room, err := o.dir.UpdateRoom(ctx, roomID, func(r *session.Room) error {
		res = &Result{Winner: wire.NoSide}
		return fn(r, res, o.now())
	})
	if errors.Is(err, errIgnored) {
		log.Debug("action_ignored", zap.String("action", action))
		return &Result{Ignored: true, Winner: wire.NoSide}, nil
	}
	if err != nil {
		if !errors.Is(err, directory.ErrRoomNotFound) {
			log.Warn("action_error", zap.String("action", action), zap.Error(err))
		}
		return nil, err
	}
	res.Room = room
	log.Info("room_action",
		zap.String("action", action),
		zap.String("phase", string(room.Phase)),
		zap.Int("outputs", len(res.Outputs)),
	)
	if res.Ended {
		o.afterEnd(ctx, room, res)
	}
	return res, nil
}

// afterEnd runs the side effects of a finished game outside the transaction.
func (o *Orchestrator) afterEnd(ctx context.Context, room *session.Room, res *Result) {
	if members, err := o.dir.RoomMembers(ctx, room.ID); err == nil {
		o.dir.SetViewingResults(ctx, members, true)
	}
	log := obslog.Room(room.ID)
	log.Info("game_end",
		zap.String("winner", res.Winner.String()),
		zap.String("reason", res.Reason),
	)
	if o.archive == nil {
		return
	}
	if err := o.archive.Record(context.WithoutCancel(ctx), room, res.Winner, res.Reason); err != nil {
		log.Warn("game_archive_error", zap.Error(err))
	}
}

// keyedMutex hands out one mutex per room id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
