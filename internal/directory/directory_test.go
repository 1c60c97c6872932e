package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/park285/pokechess/internal/obslog"
	"github.com/park285/pokechess/internal/session"
	"github.com/park285/pokechess/internal/store"
	"github.com/park285/pokechess/pkg/wire"
)

func newTestDirectory(t *testing.T) (*Directory, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	d := New(store.New(rdb), WithDefaults(wire.GameOptions{Format: session.FormatRandom, MaxBans: 3}))
	t.Cleanup(d.Close)
	return d, mr
}

func mustPlayer(t *testing.T, d *Directory, name string) *session.Player {
	t.Helper()
	p, err := d.RegisterPlayer(context.Background(), name, "1")
	if err != nil {
		t.Fatalf("RegisterPlayer: %v", err)
	}
	return p
}

func TestVerifyPlayerConnection(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	host := mustPlayer(t, d, "host")
	room, err := d.CreateRoom(ctx, host.ID, "")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	good := Credentials{RoomID: room.ID, PlayerID: host.ID, SecretID: host.Secret, RoomCode: room.Code}
	if !d.VerifyPlayerConnection(ctx, good, CheckRoomCode(), RequireMember()) {
		t.Fatalf("valid credentials rejected")
	}
	cases := map[string]Credentials{
		"missing secret": {RoomID: room.ID, PlayerID: host.ID},
		"wrong secret":   {RoomID: room.ID, PlayerID: host.ID, SecretID: "nope"},
		"no room":        {RoomID: "missing", PlayerID: host.ID, SecretID: host.Secret},
		"wrong code":     {RoomID: room.ID, PlayerID: host.ID, SecretID: host.Secret, RoomCode: "ZZZZZZ"},
		"unknown player": {RoomID: room.ID, PlayerID: "ghost", SecretID: "x"},
	}
	for name, c := range cases {
		if d.VerifyPlayerConnection(ctx, c, CheckRoomCode()) {
			t.Errorf("%s: expected rejection", name)
		}
	}
	if !d.VerifyPlayerConnection(ctx, Credentials{PlayerID: host.ID, SecretID: host.Secret}, Roomless()) {
		t.Fatalf("roomless verification failed")
	}
}

func TestEnsurePlayerSecret(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	p, err := d.EnsurePlayer(ctx, "", "", "  alice ", "3")
	if err != nil || p.Name != "alice" || p.Secret == "" {
		t.Fatalf("EnsurePlayer new: %+v %v", p, err)
	}
	if _, err := d.EnsurePlayer(ctx, p.ID, "wrong", "", ""); !errors.Is(err, ErrSecretMismatch) {
		t.Fatalf("want ErrSecretMismatch, got %v", err)
	}
	again, err := d.EnsurePlayer(ctx, p.ID, p.Secret, "alice2", "")
	if err != nil || again.Name != "alice2" || again.AvatarID != "3" {
		t.Fatalf("EnsurePlayer existing: %+v %v", again, err)
	}
}

func TestEnsurePlayerReissuesUnknownIdentity(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	p, err := d.EnsurePlayer(ctx, "ghost", "chosen-secret", "bob", "")
	if err != nil {
		t.Fatalf("EnsurePlayer: %v", err)
	}
	if p.ID == "ghost" || p.Secret == "chosen-secret" || p.Name != "bob" {
		t.Fatalf("unknown identity should be reissued: %+v", p)
	}
	if _, err := d.Player(ctx, "ghost"); !errors.Is(err, ErrPlayerNotFound) {
		t.Fatalf("client-chosen id must not be stored, got %v", err)
	}
	stored, err := d.Player(ctx, p.ID)
	if err != nil || stored.Secret != p.Secret {
		t.Fatalf("reissued player not stored: %+v %v", stored, err)
	}
}

func TestJoinSeatsThenSpectates(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	host := mustPlayer(t, d, "host")
	guest := mustPlayer(t, d, "guest")
	third := mustPlayer(t, d, "third")

	room, _ := d.CreateRoom(ctx, host.ID, "")
	if _, err := d.JoinRoom(ctx, room.ID, guest.ID); err != nil {
		t.Fatalf("JoinRoom guest: %v", err)
	}
	r, err := d.JoinRoom(ctx, room.ID, third.ID)
	if err != nil {
		t.Fatalf("JoinRoom third: %v", err)
	}
	if r.Player1ID != host.ID || r.Player2ID != guest.ID {
		t.Fatalf("seats: %+v", r)
	}
	p3, _ := d.Player(ctx, third.ID)
	if !p3.Spectating || p3.RoomID != room.ID {
		t.Fatalf("third should spectate: %+v", p3)
	}
	players, _ := d.RoomPlayers(ctx, room.ID)
	if len(players) != 3 {
		t.Fatalf("members = %d", len(players))
	}

	// guest steps out, third takes the seat
	if _, err := d.SetSpectating(ctx, room.ID, guest.ID, true); err != nil {
		t.Fatalf("SetSpectating guest: %v", err)
	}
	r, err = d.SetSpectating(ctx, room.ID, third.ID, false)
	if err != nil || r.Player2ID != third.ID {
		t.Fatalf("third seat: %+v %v", r, err)
	}
	if _, err := d.SetSpectating(ctx, room.ID, guest.ID, false); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("want ErrRoomFull, got %v", err)
	}
}

func TestHostLeaveTearsDownRoom(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	host := mustPlayer(t, d, "host")
	guest := mustPlayer(t, d, "guest")
	room, _ := d.CreateRoom(ctx, host.ID, "")
	_, _ = d.JoinRoom(ctx, room.ID, guest.ID)

	res, err := d.LeaveRoom(ctx, room.ID, host.ID)
	if err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	if !res.Closed || len(res.Members) != 2 {
		t.Fatalf("result: %+v", res)
	}
	if _, err := d.Room(ctx, room.ID); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("room should be gone, got %v", err)
	}
	if _, err := d.RoomByCode(ctx, room.Code); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("code should be released, got %v", err)
	}
	g, _ := d.Player(ctx, guest.ID)
	if g.RoomID != "" {
		t.Fatalf("guest still points at room")
	}
}

func TestGuestLeaveFreesSeat(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	host := mustPlayer(t, d, "host")
	guest := mustPlayer(t, d, "guest")
	room, _ := d.CreateRoom(ctx, host.ID, "")
	_, _ = d.JoinRoom(ctx, room.ID, guest.ID)

	res, err := d.KickPlayer(ctx, room.ID, guest.ID)
	if err != nil || res.Closed {
		t.Fatalf("KickPlayer: %+v %v", res, err)
	}
	if res.Room.Player2ID != "" || len(res.Members) != 1 {
		t.Fatalf("after kick: %+v", res)
	}
	if _, err := d.KickPlayer(ctx, room.ID, host.ID); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("kicking the host should fail, got %v", err)
	}
}

func TestQueueOpsFIFO(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	if err := d.AddPlayerToQueue(ctx, "ranked", "a"); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("want ErrUnknownQueue, got %v", err)
	}
	_ = d.AddPlayerToQueue(ctx, QueueRandom, "a")
	_ = d.AddPlayerToQueue(ctx, QueueRandom, "b")
	_ = d.AddPlayerToQueue(ctx, QueueDraft, "c")
	_ = d.RemovePlayerFromQueue(ctx, QueueRandom, "a")

	head, err := d.GetPlayerFromQueue(ctx, QueueRandom)
	if err != nil || head != "b" {
		t.Fatalf("head = %q %v", head, err)
	}
	head, _ = d.GetPlayerFromQueue(ctx, QueueDraft)
	if head != "c" {
		t.Fatalf("queues must be independent, got %q", head)
	}
}

func TestMatchPairsAndSkipsStale(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	a := mustPlayer(t, d, "a")
	b := mustPlayer(t, d, "b")

	_ = d.AddPlayerToQueue(ctx, QueueDraft, "expired-id")
	partner, err := d.Match(ctx, QueueDraft, a.ID)
	if err != nil || partner != "" {
		t.Fatalf("first match should wait: %q %v", partner, err)
	}
	partner, err = d.Match(ctx, QueueDraft, b.ID)
	if err != nil || partner != a.ID {
		t.Fatalf("second match = %q %v", partner, err)
	}
	if head, _ := d.GetPlayerFromQueue(ctx, QueueDraft); head != "" {
		t.Fatalf("queue should be empty, got %q", head)
	}
}

func TestTransientExpiryAndReconnect(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	p := mustPlayer(t, d, "p")
	q := mustPlayer(t, d, "q")

	fired := make(chan string, 2)
	onExpire := func(_ context.Context, pl *session.Player) { fired <- pl.ID }

	if err := d.MarkTransient(ctx, p.ID, 20*time.Millisecond, onExpire); err != nil {
		t.Fatalf("MarkTransient: %v", err)
	}
	if err := d.MarkTransient(ctx, q.ID, 20*time.Millisecond, onExpire); err != nil {
		t.Fatalf("MarkTransient: %v", err)
	}
	got, err := d.Reconnect(ctx, q.ID)
	if err != nil || got.Transient() {
		t.Fatalf("Reconnect: %+v %v", got, err)
	}

	select {
	case id := <-fired:
		if id != p.ID {
			t.Fatalf("unexpected expiry for %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expiry did not fire")
	}
	select {
	case id := <-fired:
		t.Fatalf("reconnected player %s must not expire", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransientExpirySkippedWhenClearedElsewhere(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	p := mustPlayer(t, d, "p")
	fired := make(chan struct{}, 1)
	_ = d.MarkTransient(ctx, p.ID, 30*time.Millisecond, func(context.Context, *session.Player) { fired <- struct{}{} })

	// another process cleared the mark without touching our timer
	_, _ = d.UpdatePlayer(ctx, p.ID, func(pl *session.Player) error {
		pl.TransientSince = nil
		return nil
	})
	select {
	case <-fired:
		t.Fatalf("expiry fired for a reconnected player")
	case <-time.After(150 * time.Millisecond):
	}
	if d.PendingExpiries() != 0 {
		t.Fatalf("timer not released")
	}
}

func TestQueueCancelFailureIsLogged(t *testing.T) {
	d, mr := newTestDirectory(t)
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	obslog.Set(zap.New(core))
	t.Cleanup(func() { obslog.Set(nil) })

	p := mustPlayer(t, d, "alice")
	// a non-list value makes LREM fail with WRONGTYPE
	if err := mr.Set(d.keyQueue(QueueRandom), "x"); err != nil {
		t.Fatal(err)
	}
	if err := d.MarkTransient(ctx, p.ID, time.Hour, func(context.Context, *session.Player) {}); err != nil {
		t.Fatalf("MarkTransient: %v", err)
	}
	if err := d.PurgePlayer(ctx, p.ID); err != nil {
		t.Fatalf("PurgePlayer: %v", err)
	}
	if n := logs.FilterMessage("queue_cancel_error").Len(); n != 2 {
		t.Fatalf("queue_cancel_error logged %d times", n)
	}
}
