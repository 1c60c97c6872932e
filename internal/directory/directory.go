// Package directory owns player and room records, the matchmaking queues and
// transient disconnect bookkeeping.
package directory

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/park285/pokechess/internal/session"
	"github.com/park285/pokechess/internal/store"
	"github.com/park285/pokechess/pkg/wire"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

var (
	ErrInvalidArgs    = errf("invalid arguments")
	ErrPlayerNotFound = errf("player not found or expired")
	ErrRoomNotFound   = errf("room not found or expired")
	ErrRoomCode       = errf("room code mismatch")
	ErrRoomFull       = errf("room has no free seat")
	ErrUnknownQueue   = errf("unknown match queue")
	ErrSecretMismatch = errf("secret mismatch")
	ErrGameOngoing    = errf("game in progress")
	ErrNotInRoom      = errf("player not in room")
)

// Queue names double as room formats.
const (
	QueueRandom = session.FormatRandom
	QueueDraft  = session.FormatDraft
)

type Directory struct {
	st        *store.Store
	playerTTL time.Duration
	roomTTL   time.Duration
	defaults  wire.GameOptions
	now       func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

type Option func(*Directory)

func WithTTL(player, room time.Duration) Option {
	return func(d *Directory) {
		if player > 0 {
			d.playerTTL = player
		}
		if room > 0 {
			d.roomTTL = room
		}
	}
}

// WithDefaults sets the options new rooms start with.
func WithDefaults(o wire.GameOptions) Option { return func(d *Directory) { d.defaults = o } }

func WithClock(now func() time.Time) Option { return func(d *Directory) { d.now = now } }

func New(st *store.Store, opts ...Option) *Directory {
	d := &Directory{
		st:        st,
		playerTTL: 24 * time.Hour,
		roomTTL:   24 * time.Hour,
		now:       time.Now,
		timers:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Store exposes the backing store for lock acquisition.
func (d *Directory) Store() *store.Store { return d.st }

func (d *Directory) RoomTTL() time.Duration { return d.roomTTL }

func (d *Directory) Defaults() wire.GameOptions { return d.defaults }

// Close cancels every pending transient timer.
func (d *Directory) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}

func (d *Directory) keyPlayer(id string) string  { return d.st.Key("player", id) }
func (d *Directory) keyRoom(id string) string    { return d.st.Key("room", id) }
func (d *Directory) keyMembers(id string) string { return d.st.Key("room", id, "members") }
func (d *Directory) keyCode(code string) string  { return d.st.Key("code", code) }
func (d *Directory) keyQueue(name string) string { return d.st.Key("queue", name) }

// codeGen returns 6 upper alnum characters.
func codeGen() (string, error) {
	const letters = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return string(b), nil
}

func validQueue(name string) bool { return name == QueueRandom || name == QueueDraft }

func (d *Directory) touchRoom(ctx context.Context, roomID string) {
	d.st.Touch(ctx, d.roomTTL, d.keyMembers(roomID))
}
