// Package clock implements the two-sided game clock shared by the chess and
// battle sub-games. Instants are unix milliseconds so the state survives a
// JSON round trip through the session store unchanged.
package clock

import (
	"time"

	"github.com/park285/pokechess/pkg/wire"
)

// MinElapsed is the smallest pause that Start folds into an expiration.
const MinElapsed int64 = 100

// Timer is one side's clock.
type Timer struct {
	Expiration int64 `json:"expiration"`
	LastMove   int64 `json:"lastMove"`
	Paused     bool  `json:"paused"`
	HasStarted bool  `json:"hasStarted"`
}

// Clock holds both timers indexed by wire.Side.
type Clock struct {
	Timers [2]Timer `json:"timers"`
}

// Snapshot is a read-only projection of remaining time.
type Snapshot struct {
	Remaining [2]time.Duration
	Paused    [2]bool
}

func ms(t time.Time) int64 { return t.UnixMilli() }

// New returns a clock with both sides frozen at d remaining.
func New(d time.Duration, now time.Time) Clock {
	var c Clock
	c.Reset(d, now)
	return c
}

// Reset freezes both sides with d remaining and clears HasStarted.
func (c *Clock) Reset(d time.Duration, now time.Time) {
	for _, s := range wire.Sides {
		c.Timers[s] = Timer{
			Expiration: ms(now) + d.Milliseconds(),
			LastMove:   ms(now),
			Paused:     true,
		}
	}
}

// Start resumes a frozen side by shifting its expiration forward by the time
// spent paused. Running sides are left alone.
func (c *Clock) Start(s wire.Side, now time.Time) {
	t := &c.Timers[s]
	t.HasStarted = true
	if !t.Paused {
		return
	}
	elapsed := ms(now) - t.LastMove
	if elapsed < MinElapsed {
		elapsed = MinElapsed
	}
	t.Expiration += elapsed
	t.Paused = false
}

// Stop freezes a running side.
func (c *Clock) Stop(s wire.Side, now time.Time) {
	t := &c.Timers[s]
	if t.Paused {
		return
	}
	t.LastMove = ms(now)
	t.Paused = true
}

// StopAll freezes both sides.
func (c *Clock) StopAll(now time.Time) {
	for _, s := range wire.Sides {
		c.Stop(s, now)
	}
}

// ApplyIncrement adds d to the side's expiration.
func (c *Clock) ApplyIncrement(s wire.Side, d time.Duration) {
	c.Timers[s].Expiration += d.Milliseconds()
}

// SetDeadline gives a side exactly d from now and leaves it running.
func (c *Clock) SetDeadline(s wire.Side, d time.Duration, now time.Time) {
	c.Timers[s] = Timer{
		Expiration: ms(now) + d.Milliseconds(),
		LastMove:   ms(now),
		Paused:     false,
		HasStarted: true,
	}
}

// Expired reports, per side, expiration < now and not paused.
func (c Clock) Expired(now time.Time) [2]bool {
	var out [2]bool
	for _, s := range wire.Sides {
		t := c.Timers[s]
		out[s] = t.Expiration < ms(now) && !t.Paused
	}
	return out
}

// Remaining returns the time left for a side as of now.
func (c Clock) Remaining(s wire.Side, now time.Time) time.Duration {
	t := c.Timers[s]
	ref := ms(now)
	if t.Paused {
		ref = t.LastMove
	}
	return time.Duration(t.Expiration-ref) * time.Millisecond
}

// Snapshot computes remaining time for both sides without mutating c.
func (c Clock) Snapshot(now time.Time) Snapshot {
	var snap Snapshot
	for _, s := range wire.Sides {
		snap.Remaining[s] = c.Remaining(s, now)
		snap.Paused[s] = c.Timers[s].Paused
	}
	return snap
}

// NextDeadline returns the earliest expiration among running sides.
func (c Clock) NextDeadline() (time.Time, bool) {
	var (
		best  int64
		found bool
	)
	for _, s := range wire.Sides {
		t := c.Timers[s]
		if t.Paused {
			continue
		}
		if !found || t.Expiration < best {
			best, found = t.Expiration, true
		}
	}
	if !found {
		return time.Time{}, false
	}
	return time.UnixMilli(best), true
}

// View is the client projection. A frozen side reports the expiration it
// would have if resumed now, so clients can render remaining time directly.
func (c Clock) View(now time.Time) wire.TimerView {
	side := func(s wire.Side) wire.TimerSide {
		t := c.Timers[s]
		exp := t.Expiration
		if t.Paused {
			exp = ms(now) + (t.Expiration - t.LastMove)
		}
		return wire.TimerSide{TimerExpiration: exp, Pause: t.Paused, HasStarted: t.HasStarted}
	}
	return wire.TimerView{White: side(wire.White), Black: side(wire.Black)}
}
