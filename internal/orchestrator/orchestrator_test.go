package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/pokechess/internal/battle"
	"github.com/park285/pokechess/internal/directory"
	"github.com/park285/pokechess/internal/rules"
	"github.com/park285/pokechess/internal/session"
	"github.com/park285/pokechess/internal/store"
	"github.com/park285/pokechess/pkg/wire"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeBattle ends every fight after one exchange with a fixed winner.
type fakeBattle struct {
	attackerWins bool
}

func (f *fakeBattle) Start(s battle.Setup) (battle.State, []battle.Event, error) {
	st := battle.State{Attacker: s.Attacker, Winner: wire.NoSide, Turn: 1}
	return st, []battle.Event{
		{To: wire.NoSide, Line: "|start"},
		{To: wire.White, Line: "|request|white"},
		{To: wire.Black, Line: "|request|black"},
	}, nil
}

func (f *fakeBattle) Resolve(st battle.State, _ [2]string) (battle.State, []battle.Event, error) {
	st.Over = true
	st.Winner = st.Attacker.Other()
	if f.attackerWins {
		st.Winner = st.Attacker
	}
	return st, []battle.Event{{To: wire.NoSide, Line: "|faint"}}, nil
}

func (f *fakeBattle) Normalize(_ battle.State, _ wire.Side, action string) (string, bool) {
	return action, action != ""
}

type recordingArchive struct {
	mu      sync.Mutex
	reasons []string
}

func (a *recordingArchive) Record(_ context.Context, _ *session.Room, _ wire.Side, reason string) error {
	a.mu.Lock()
	a.reasons = append(a.reasons, reason)
	a.mu.Unlock()
	return nil
}

type fixture struct {
	dir     *directory.Directory
	orch    *Orchestrator
	clk     *fakeClock
	battle  *fakeBattle
	archive *recordingArchive
	species []string
	room    *session.Room
	host    *session.Player
	guest   *session.Player
}

func testSpecies() []string {
	out := make([]string, 48)
	for i := range out {
		out[i] = fmt.Sprintf("Species%02d", i)
	}
	return out
}

func newFixture(t *testing.T, opts wire.GameOptions) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	dir := directory.New(store.New(rdb), directory.WithDefaults(opts), directory.WithClock(clk.Now))
	t.Cleanup(dir.Close)

	f := &fixture{dir: dir, clk: clk, battle: &fakeBattle{}, archive: &recordingArchive{}, species: testSpecies()}
	f.orch = f.newOrchestrator()

	ctx := context.Background()
	f.host, _ = dir.RegisterPlayer(ctx, "host", "1")
	f.guest, _ = dir.RegisterPlayer(ctx, "guest", "2")
	f.room, err = dir.CreateRoom(ctx, f.host.ID, "")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return f
}

func (f *fixture) newOrchestrator() *Orchestrator {
	return New(f.dir, rules.NewChess(), f.battle, f.species, WithClock(f.clk.Now), WithArchive(f.archive))
}

func (f *fixture) start(t *testing.T) *session.Room {
	t.Helper()
	ctx := context.Background()
	if _, err := f.dir.JoinRoom(ctx, f.room.ID, f.guest.ID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	res, err := f.orch.InitializeGame(ctx, f.room.ID)
	if err != nil {
		t.Fatalf("InitializeGame: %v", err)
	}
	return res.Room
}

func (f *fixture) load(t *testing.T) *session.Room {
	t.Helper()
	r, err := f.dir.Room(context.Background(), f.room.ID)
	if err != nil {
		t.Fatalf("Room: %v", err)
	}
	return r
}

func (f *fixture) move(t *testing.T, side wire.Side, san string) *Result {
	t.Helper()
	r := f.load(t)
	res, err := f.orch.ChessMove(context.Background(), r.ID, r.PlayerFor(side), san)
	if err != nil {
		t.Fatalf("ChessMove %s: %v", san, err)
	}
	return res
}

func randomOptions() wire.GameOptions {
	return wire.GameOptions{
		Format:            session.FormatRandom,
		ChessTimerMs:      600_000,
		ChessIncrementMs:  5_000,
		BattleIncrementMs: 3_000,
		DraftActionMs:     30_000,
		MaxBans:           2,
		TimersEnabled:     true,
	}
}

func countGameEnds(r *session.Room) int {
	n := 0
	for _, e := range r.History[wire.White] {
		if e.IsGameEnd() {
			n++
		}
	}
	return n
}

func TestInitializeGameRequiresBothSeats(t *testing.T) {
	f := newFixture(t, randomOptions())
	if _, err := f.orch.InitializeGame(context.Background(), f.room.ID); !errors.Is(err, ErrIncompletePlayers) {
		t.Fatalf("want ErrIncompletePlayers, got %v", err)
	}
}

func TestInitializeRandomFormat(t *testing.T) {
	f := newFixture(t, randomOptions())
	r := f.start(t)
	if r.Phase != session.PhaseChessTurn || !r.Ongoing {
		t.Fatalf("phase=%s ongoing=%v", r.Phase, r.Ongoing)
	}
	if r.WhiteID == r.BlackID || !r.Seated(r.WhiteID) || !r.Seated(r.BlackID) {
		t.Fatalf("colours: white=%q black=%q", r.WhiteID, r.BlackID)
	}
	if len(r.Creatures) != boardSquares {
		t.Fatalf("creatures = %d", len(r.Creatures))
	}
	if r.Clock.Timers[wire.White].Paused || !r.Clock.Timers[wire.Black].Paused {
		t.Fatalf("only white's clock should run: %+v", r.Clock)
	}
}

func TestE4E5TogglesTurnAndIncrements(t *testing.T) {
	f := newFixture(t, randomOptions())
	before := f.start(t)

	f.clk.Advance(3 * time.Second)
	res := f.move(t, wire.White, "e4")
	if res.Ignored || len(res.Outputs) != 1 || res.Outputs[0].Entry.Chess == nil {
		t.Fatalf("e4 result: %+v", res)
	}
	afterE4 := res.Room
	if got := afterE4.Clock.Timers[wire.White].Expiration - before.Clock.Timers[wire.White].Expiration; got != 5_000 {
		t.Fatalf("white expiration moved by %dms, want 5000", got)
	}
	if rules.Turn(afterE4.FEN) != wire.Black {
		t.Fatalf("black should be to move")
	}

	f.clk.Advance(3 * time.Second)
	res = f.move(t, wire.Black, "e5")
	if res.Ignored || res.Room.Battle != nil {
		t.Fatalf("e5 result: %+v", res)
	}
	afterE5 := res.Room
	if got := afterE5.Clock.Timers[wire.Black].Expiration - afterE4.Clock.Timers[wire.Black].Expiration; got != 5_000 {
		t.Fatalf("black expiration moved by %dms, want 5000", got)
	}
	if rules.Turn(afterE5.FEN) != wire.White {
		t.Fatalf("white should be to move again")
	}
	for _, s := range wire.Sides {
		if n := len(afterE5.History[s]); n != 2 {
			t.Fatalf("%s history has %d entries", s, n)
		}
	}
	if afterE5.Creatures["e4"].Side != wire.White || afterE5.Creatures["e5"].Side != wire.Black {
		t.Fatalf("creatures did not follow pawns")
	}
	if _, ok := afterE5.Creatures["e2"]; ok {
		t.Fatalf("e2 should be empty")
	}
}

func TestOutOfTurnMoveChangesNothing(t *testing.T) {
	f := newFixture(t, randomOptions())
	f.start(t)
	before, _ := json.Marshal(f.load(t))

	res := f.move(t, wire.Black, "e5")
	if !res.Ignored {
		t.Fatalf("out of turn move should be ignored")
	}
	res = f.move(t, wire.White, "Ke2")
	if !res.Ignored {
		t.Fatalf("illegal move should be ignored")
	}
	after, _ := json.Marshal(f.load(t))
	if string(before) != string(after) {
		t.Fatalf("room mutated by ignored moves")
	}
}

func TestEndGameIsIdempotent(t *testing.T) {
	f := newFixture(t, randomOptions())
	f.start(t)
	ctx := context.Background()

	first, err := f.orch.EndGame(ctx, f.room.ID, wire.White, "resign")
	if err != nil || first.Ignored || !first.Ended {
		t.Fatalf("first EndGame: %+v %v", first, err)
	}
	second, err := f.orch.EndGame(ctx, f.room.ID, wire.Black, "resign")
	if err != nil || !second.Ignored {
		t.Fatalf("second EndGame should be ignored: %+v %v", second, err)
	}
	r := f.load(t)
	if countGameEnds(r) != 1 || r.Ongoing || r.Phase != session.PhaseEnded {
		t.Fatalf("room after end: ends=%d ongoing=%v phase=%s", countGameEnds(r), r.Ongoing, r.Phase)
	}
	if !r.Clock.Timers[wire.White].Paused || !r.Clock.Timers[wire.Black].Paused {
		t.Fatalf("clocks must freeze")
	}
	for _, id := range []string{f.host.ID, f.guest.ID} {
		p, _ := f.dir.Player(ctx, id)
		if !p.ViewingResults {
			t.Fatalf("player %s not viewing results", id)
		}
	}
	if len(f.archive.reasons) != 1 {
		t.Fatalf("archive calls = %d", len(f.archive.reasons))
	}
}

func TestConcurrentValidateTimersEndsOnce(t *testing.T) {
	f := newFixture(t, randomOptions())
	f.start(t)
	f.clk.Advance(11 * time.Minute)

	others := []*Orchestrator{f.orch, f.newOrchestrator(), f.newOrchestrator()}
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		o := others[i%len(others)]
		go func() {
			defer wg.Done()
			if _, err := o.ValidateTimers(context.Background(), f.room.ID); err != nil {
				t.Errorf("ValidateTimers: %v", err)
			}
		}()
	}
	wg.Wait()

	r := f.load(t)
	if n := countGameEnds(r); n != 1 {
		t.Fatalf("gameEnd entries = %d", n)
	}
	end := r.History[wire.White][len(r.History[wire.White])-1]
	if end.Generic.Color != wire.Black || end.Generic.Reason != ReasonTimeout {
		t.Fatalf("white ran out first, got %+v", end.Generic)
	}
}

func TestValidateTimersNoopBeforeExpiry(t *testing.T) {
	f := newFixture(t, randomOptions())
	f.start(t)
	f.clk.Advance(time.Minute)
	res, err := f.orch.ValidateTimers(context.Background(), f.room.ID)
	if err != nil || !res.Ignored {
		t.Fatalf("expected ignored: %+v %v", res, err)
	}
}

func TestValidateTimersSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t, randomOptions())
	f.start(t)
	f.clk.Advance(11 * time.Minute)
	ctx := context.Background()

	lock, err := f.dir.Store().TryLock(ctx, "room:"+f.room.ID, time.Minute)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	res, err := f.orch.ValidateTimers(ctx, f.room.ID)
	if err != nil || !res.Ignored {
		t.Fatalf("held lock should skip: %+v %v", res, err)
	}
	_ = lock.Release(ctx)
	res, err = f.orch.ValidateTimers(ctx, f.room.ID)
	if err != nil || !res.Ended {
		t.Fatalf("released lock should arbitrate: %+v %v", res, err)
	}
}

func TestExpiredMoverCannotMove(t *testing.T) {
	f := newFixture(t, randomOptions())
	f.start(t)
	f.clk.Advance(11 * time.Minute)
	if res := f.move(t, wire.White, "e4"); !res.Ignored {
		t.Fatalf("move on an expired clock should wait for arbitration")
	}
}

func TestFailedCaptureRollsBack(t *testing.T) {
	f := newFixture(t, randomOptions())
	f.start(t)
	f.move(t, wire.White, "e4")
	f.move(t, wire.Black, "d5")
	defender := f.load(t).Creatures["d5"]

	res := f.move(t, wire.White, "exd5")
	r := res.Room
	if r.Phase != session.PhaseBattle || r.Battle == nil {
		t.Fatalf("capture should open a battle, phase=%s", r.Phase)
	}
	if rules.Turn(r.FEN) != wire.White {
		t.Fatalf("move must stay uncommitted during the battle")
	}
	if r.Clock.Timers[wire.White].Paused || r.Clock.Timers[wire.Black].Paused {
		t.Fatalf("both clocks should run during the battle")
	}
	private := 0
	for _, out := range res.Outputs {
		if out.To.Valid() {
			private++
		}
	}
	if private != 2 || len(r.History[wire.White]) != len(r.History[wire.Black]) {
		t.Fatalf("private outputs=%d", private)
	}

	// a chess move during the battle is ignored
	if res := f.move(t, wire.White, "Nf3"); !res.Ignored {
		t.Fatalf("chess move during battle should be ignored")
	}

	ctx := context.Background()
	if res, _ := f.orch.BattleMove(ctx, r.ID, r.WhiteID, "Tackle"); res.Ignored {
		t.Fatalf("white action ignored")
	}
	res, err := f.orch.BattleMove(ctx, r.ID, r.BlackID, "Tackle")
	if err != nil || res.Ignored {
		t.Fatalf("black action: %+v %v", res, err)
	}
	r = res.Room

	var victoryAt, failedAt = -1, -1
	for i, e := range r.History[wire.White] {
		if e.Battle != nil && e.Battle.Event == wire.BattleVictory {
			victoryAt = i
			if e.Battle.Color != wire.Black {
				t.Fatalf("victory should be black's")
			}
		}
		if e.Chess != nil && e.Chess.Failed {
			failedAt = i
		}
	}
	if victoryAt < 0 || failedAt < 0 || victoryAt > failedAt {
		t.Fatalf("victory at %d, failed chess entry at %d", victoryAt, failedAt)
	}
	if c, s := rules.PieceAt(r.FEN, "d5"); c != 'p' || s != wire.Black {
		t.Fatalf("black pawn should be back on d5, got %q", c)
	}
	if c, _ := rules.PieceAt(r.FEN, "e4"); c != 0 {
		t.Fatalf("white attacker should be removed")
	}
	if _, ok := r.Creatures["e4"]; ok {
		t.Fatalf("attacking creature should be removed")
	}
	if r.Creatures["d5"] != defender {
		t.Fatalf("defender creature should stay on d5")
	}
	if r.Phase != session.PhaseChessTurn || rules.Turn(r.FEN) != wire.Black {
		t.Fatalf("black should move next, phase=%s", r.Phase)
	}
}

func TestWonCaptureCommits(t *testing.T) {
	f := newFixture(t, randomOptions())
	f.battle.attackerWins = true
	f.start(t)
	f.move(t, wire.White, "e4")
	f.move(t, wire.Black, "d5")
	attacker := f.load(t).Creatures["e4"]
	r := f.move(t, wire.White, "exd5").Room

	ctx := context.Background()
	_, _ = f.orch.BattleMove(ctx, r.ID, r.BlackID, "Tackle")
	res, _ := f.orch.BattleMove(ctx, r.ID, r.WhiteID, "Tackle")
	r = res.Room
	if c, s := rules.PieceAt(r.FEN, "d5"); c != 'P' || s != wire.White {
		t.Fatalf("white pawn should be on d5, got %q", c)
	}
	if r.Creatures["d5"] != attacker {
		t.Fatalf("attacker creature should move to d5")
	}
	last := r.History[wire.White][len(r.History[wire.White])-1]
	if last.Chess == nil || last.Chess.Failed || last.Chess.SAN != "exd5" {
		t.Fatalf("last entry: %+v", last)
	}
}

func TestBattleUndo(t *testing.T) {
	f := newFixture(t, randomOptions())
	f.start(t)
	f.move(t, wire.White, "e4")
	f.move(t, wire.Black, "d5")
	r := f.move(t, wire.White, "exd5").Room
	ctx := context.Background()

	res, _ := f.orch.BattleMove(ctx, r.ID, r.WhiteID, "Tackle")
	if !res.Room.Clock.Timers[wire.White].Paused || res.Room.Battle.Pending[wire.White] != "Tackle" {
		t.Fatalf("choice should pause the clock")
	}
	res, _ = f.orch.BattleMove(ctx, r.ID, r.WhiteID, "undo")
	if res.Ignored || res.Room.Battle.Pending[wire.White] != "" || res.Room.Clock.Timers[wire.White].Paused {
		t.Fatalf("undo should clear and resume: %+v", res.Room.Battle)
	}
	if res, _ = f.orch.BattleMove(ctx, r.ID, r.WhiteID, "undo"); !res.Ignored {
		t.Fatalf("second undo should be ignored")
	}
}

func TestCheckmateEndsGame(t *testing.T) {
	f := newFixture(t, randomOptions())
	f.start(t)
	f.move(t, wire.White, "f3")
	f.move(t, wire.Black, "e5")
	f.move(t, wire.White, "g4")
	res := f.move(t, wire.Black, "Qh4#")
	if !res.Ended || res.Winner != wire.Black || res.Reason != ReasonCheckmate {
		t.Fatalf("result: ended=%v winner=%v reason=%q", res.Ended, res.Winner, res.Reason)
	}
}

// setPosition replaces the board of a started game and gives every piece a
// creature.
func (f *fixture) setPosition(t *testing.T, fen string) {
	t.Helper()
	_, err := f.dir.UpdateRoom(context.Background(), f.room.ID, func(r *session.Room) error {
		r.FEN = fen
		r.Creatures = make(map[string]session.Creature)
		for _, side := range wire.Sides {
			for i, sq := range rules.Squares(fen, side) {
				r.Creatures[sq] = session.Creature{Species: f.species[i], Side: side}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateRoom: %v", err)
	}
}

// fight has both sides choose an action so the open battle resolves.
func (f *fixture) fight(t *testing.T) *Result {
	t.Helper()
	ctx := context.Background()
	r := f.load(t)
	if r.Battle == nil {
		t.Fatalf("no battle running")
	}
	if _, err := f.orch.BattleMove(ctx, r.ID, r.WhiteID, "Tackle"); err != nil {
		t.Fatalf("white BattleMove: %v", err)
	}
	res, err := f.orch.BattleMove(ctx, r.ID, r.BlackID, "Tackle")
	if err != nil {
		t.Fatalf("black BattleMove: %v", err)
	}
	return res
}

func lastGameEnd(t *testing.T, r *session.Room) wire.MatchLogEntry {
	t.Helper()
	if n := countGameEnds(r); n != 1 {
		t.Fatalf("gameEnd entries = %d", n)
	}
	return r.History[wire.White][len(r.History[wire.White])-1]
}

func TestKingLosingItsCaptureEndsGame(t *testing.T) {
	f := newFixture(t, randomOptions())
	f.start(t)
	f.setPosition(t, "4k3/8/8/8/8/8/7P/3rK3 w - - 0 1")

	if r := f.move(t, wire.White, "Kxd1").Room; r.Phase != session.PhaseBattle {
		t.Fatalf("capture should open a battle, phase=%s", r.Phase)
	}
	res := f.fight(t)
	if !res.Ended || res.Winner != wire.Black || res.Reason != ReasonKing {
		t.Fatalf("result: ended=%v winner=%v reason=%q", res.Ended, res.Winner, res.Reason)
	}
	end := lastGameEnd(t, res.Room)
	if end.Generic.Color != wire.Black || end.Generic.Reason != ReasonKing {
		t.Fatalf("gameEnd entry: %+v", end.Generic)
	}
	if rules.HasKing(res.Room.FEN, wire.White) {
		t.Fatalf("white king should be gone: %s", res.Room.FEN)
	}
}

func TestCapturingExposedKingEndsGame(t *testing.T) {
	// the e2 rook is pinned; losing Rxe8 leaves the e-file open
	for _, fen := range []string{
		"4r2k/8/8/8/8/8/P3R3/4K3 w - - 0 1",
		"4r2k/8/8/8/8/8/4R3/4K3 w - - 0 1",
	} {
		f := newFixture(t, randomOptions())
		f.start(t)
		f.setPosition(t, fen)

		f.move(t, wire.White, "Rxe8")
		res := f.fight(t)
		if res.Ended || rules.Turn(res.Room.FEN) != wire.Black {
			t.Fatalf("%s: rollback should hand the move to black, ended=%v", fen, res.Ended)
		}

		f.battle.attackerWins = true
		f.move(t, wire.Black, "Rxe1")
		res = f.fight(t)
		if !res.Ended || res.Winner != wire.Black || res.Reason != ReasonKing {
			t.Fatalf("%s: result: ended=%v winner=%v reason=%q", fen, res.Ended, res.Winner, res.Reason)
		}
		r := res.Room
		if r.Ongoing || r.Phase != session.PhaseEnded {
			t.Fatalf("%s: ongoing=%v phase=%s", fen, r.Ongoing, r.Phase)
		}
		if end := lastGameEnd(t, r); end.Generic.Color != wire.Black || end.Generic.Reason != ReasonKing {
			t.Fatalf("%s: gameEnd entry: %+v", fen, end.Generic)
		}
	}
}

func TestRolledBackCaptureCanStillMate(t *testing.T) {
	f := newFixture(t, randomOptions())
	f.start(t)
	// removing the d8 bishop opens the a8 rook onto a boxed king
	f.setPosition(t, "R2B3k/4p1pp/8/8/8/8/8/4K3 w - - 0 1")

	f.move(t, wire.White, "Bxe7")
	res := f.fight(t)
	if !res.Ended || res.Winner != wire.White || res.Reason != ReasonCheckmate {
		t.Fatalf("result: ended=%v winner=%v reason=%q", res.Ended, res.Winner, res.Reason)
	}
	if c, _ := rules.PieceAt(res.Room.FEN, "e7"); c != 'p' {
		t.Fatalf("defending pawn should stay on e7, got %q", c)
	}
}

func draftOptions(bans int) wire.GameOptions {
	o := randomOptions()
	o.Format = session.FormatDraft
	o.MaxBans = bans
	return o
}

// playDraft drives the draft to completion; banFirst decides whether a side
// spends its bans before picking.
func playDraft(t *testing.T, f *fixture, banFirst bool) {
	t.Helper()
	ctx := context.Background()
	for step := 0; step < 200; step++ {
		r := f.load(t)
		if !r.Phase.Drafting() {
			return
		}
		if len(r.Creatures) >= boardSquares {
			t.Fatalf("draft still running with every square filled")
		}
		side := r.ToAct
		index := -1
		for i, e := range r.Pool {
			if e.Available() {
				index = i
				break
			}
		}
		act := DraftAction{PlayerID: r.PlayerFor(side), Index: index}
		if banFirst && r.Phase == session.PhaseDraftBan {
			act.IsBan = true
		} else {
			act.Square = emptySquares(r, side)[0]
		}

		// the other side cannot act out of turn
		wrong := act
		wrong.PlayerID = r.PlayerFor(side.Other())
		if res, _ := f.orch.Draft(ctx, r.ID, wrong); !res.Ignored {
			t.Fatalf("out of turn draft accepted")
		}

		res, err := f.orch.Draft(ctx, r.ID, act)
		if err != nil || res.Ignored {
			t.Fatalf("draft step %d (%+v) phase=%s: %+v %v", step, act, r.Phase, res, err)
		}
		if got := res.Room; got.Phase == session.PhaseChessTurn && len(got.Creatures) != boardSquares {
			t.Fatalf("chess started with %d creatures", len(got.Creatures))
		}
	}
	t.Fatalf("draft did not finish")
}

func TestDraftReachesChessAtThirtyTwo(t *testing.T) {
	for _, banFirst := range []bool{true, false} {
		f := newFixture(t, draftOptions(2))
		r := f.start(t)
		if r.Phase != session.PhaseDraftBan || r.ToAct != wire.White || len(r.Pool) != boardSquares+4 {
			t.Fatalf("draft setup: phase=%s toAct=%v pool=%d", r.Phase, r.ToAct, len(r.Pool))
		}
		playDraft(t, f, banFirst)
		r = f.load(t)
		if r.Phase != session.PhaseChessTurn || len(r.Creatures) != boardSquares {
			t.Fatalf("banFirst=%v: phase=%s creatures=%d", banFirst, r.Phase, len(r.Creatures))
		}
		if r.Clock.Timers[wire.White].Paused {
			t.Fatalf("white's chess clock should be running")
		}
	}
}

func TestDraftBanLimit(t *testing.T) {
	f := newFixture(t, draftOptions(1))
	r := f.start(t)
	ctx := context.Background()
	if res, _ := f.orch.Draft(ctx, r.ID, DraftAction{PlayerID: r.WhiteID, Index: 0, IsBan: true}); res.Ignored {
		t.Fatalf("first ban ignored")
	}
	r = f.load(t)
	if r.ToAct != wire.Black || !r.Pool[0].Banned {
		t.Fatalf("after ban: toAct=%v", r.ToAct)
	}
	if res, _ := f.orch.Draft(ctx, r.ID, DraftAction{PlayerID: r.BlackID, Index: 0, IsBan: true}); !res.Ignored {
		t.Fatalf("banning a banned creature should be ignored")
	}
	_, _ = f.orch.Draft(ctx, r.ID, DraftAction{PlayerID: r.BlackID, Index: 1, Square: "e7"})
	r = f.load(t)
	if r.Phase != session.PhaseDraftPick {
		t.Fatalf("white has no bans left, phase=%s", r.Phase)
	}
	if res, _ := f.orch.Draft(ctx, r.ID, DraftAction{PlayerID: r.WhiteID, Index: 2, IsBan: true}); !res.Ignored {
		t.Fatalf("ban beyond the limit should be ignored")
	}
	if res, _ := f.orch.Draft(ctx, r.ID, DraftAction{PlayerID: r.WhiteID, Index: 2, Square: "e7"}); !res.Ignored {
		t.Fatalf("picking onto an opponent square should be ignored")
	}
}

func TestDraftTimeoutAutoPicks(t *testing.T) {
	f := newFixture(t, draftOptions(0))
	r := f.start(t)
	f.clk.Advance(31 * time.Second)
	res, err := f.orch.ValidateTimers(context.Background(), r.ID)
	if err != nil || res.Ignored || res.Ended {
		t.Fatalf("ValidateTimers: %+v %v", res, err)
	}
	if len(res.Outputs) != 1 || res.Outputs[0].Entry.Draft == nil || res.Outputs[0].Entry.Draft.Color != wire.White {
		t.Fatalf("expected one white auto pick: %+v", res.Outputs)
	}
	if res.Room.ToAct != wire.Black || len(res.Room.Creatures) != 1 {
		t.Fatalf("after auto pick: toAct=%v creatures=%d", res.Room.ToAct, len(res.Room.Creatures))
	}
}

func TestRematchKeepsIdentity(t *testing.T) {
	f := newFixture(t, randomOptions())
	f.start(t)
	ctx := context.Background()
	_, _ = f.orch.EndGame(ctx, f.room.ID, wire.NoSide, ReasonDraw)

	res, err := f.orch.Rematch(ctx, f.room.ID)
	if err != nil || res.Ignored {
		t.Fatalf("Rematch: %+v %v", res, err)
	}
	r := res.Room
	if r.Phase != session.PhaseLobby || len(r.History[wire.White]) != 0 || r.Code != f.room.Code || r.HostID != f.host.ID {
		t.Fatalf("rematch reset: %+v", r)
	}
	if _, err := f.orch.InitializeGame(ctx, f.room.ID); err != nil {
		t.Fatalf("InitializeGame after rematch: %v", err)
	}
}

func TestChangeOptionsRejectedMidGame(t *testing.T) {
	f := newFixture(t, randomOptions())
	ctx := context.Background()
	res, err := f.orch.ChangeOptions(ctx, f.room.ID, wire.GameOptions{Format: "draft", MaxBans: 99, OffenseAdvantage: wire.OffenseAdvantage{Atk: -10}})
	if err != nil {
		t.Fatalf("ChangeOptions: %v", err)
	}
	if o := res.Room.Options; o.MaxBans != 8 || o.OffenseAdvantage.Atk != -6 || o.ChessTimerMs <= 0 {
		t.Fatalf("options not clamped: %+v", o)
	}
	f.start(t)
	if _, err := f.orch.ChangeOptions(ctx, f.room.ID, randomOptions()); !errors.Is(err, ErrGameOngoing) {
		t.Fatalf("want ErrGameOngoing, got %v", err)
	}
}
