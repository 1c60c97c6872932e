package directory

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pokechess/internal/obslog"
	"github.com/park285/pokechess/internal/session"
)

// ExpireFunc runs when a transient player's grace period lapses and the
// stored record is still marked transient with the same timestamp.
type ExpireFunc func(ctx context.Context, p *session.Player)

// MarkTransient flags playerID as disconnected and schedules onExpire after
// grace. Queue membership is cancelled immediately.
func (d *Directory) MarkTransient(ctx context.Context, playerID string, grace time.Duration, onExpire ExpireFunc) error {
	since := d.now().UnixMilli()
	if _, err := d.UpdatePlayer(ctx, playerID, func(p *session.Player) error {
		p.TransientSince = &since
		return nil
	}); err != nil {
		return err
	}
	if err := d.RemoveFromAllQueues(ctx, playerID); err != nil {
		obslog.L().Warn("queue_cancel_error", zap.String("player_id", playerID), zap.Error(err))
	}

	d.mu.Lock()
	if t, ok := d.timers[playerID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(grace, func() {
		d.mu.Lock()
		if d.timers[playerID] == timer {
			delete(d.timers, playerID)
		}
		d.mu.Unlock()
		d.fireExpiry(playerID, since, onExpire)
	})
	d.timers[playerID] = timer
	d.mu.Unlock()

	obslog.L().Info("player_transient", zap.String("player_id", playerID), zap.Duration("grace", grace))
	return nil
}

func (d *Directory) fireExpiry(playerID string, since int64, onExpire ExpireFunc) {
	ctx := context.Background()
	p, err := d.Player(ctx, playerID)
	if err != nil {
		if !errors.Is(err, ErrPlayerNotFound) {
			obslog.L().Warn("transient_expire_load_error", zap.String("player_id", playerID), zap.Error(err))
		}
		return
	}
	// reconnected, possibly on another process
	if p.TransientSince == nil || *p.TransientSince != since {
		return
	}
	obslog.L().Info("transient_expire", zap.String("player_id", playerID), zap.String("room_id", p.RoomID))
	if onExpire != nil {
		onExpire(ctx, p)
	}
}

// Reconnect cancels a pending expiry and clears the transient mark.
func (d *Directory) Reconnect(ctx context.Context, playerID string) (*session.Player, error) {
	d.cancelTimer(playerID)
	return d.UpdatePlayer(ctx, playerID, func(p *session.Player) error {
		p.TransientSince = nil
		return nil
	})
}

func (d *Directory) cancelTimer(playerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[playerID]; ok {
		t.Stop()
		delete(d.timers, playerID)
	}
}

// PendingExpiries reports how many grace timers this process holds.
func (d *Directory) PendingExpiries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}
