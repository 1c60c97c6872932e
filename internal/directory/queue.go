package directory

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/pokechess/internal/obslog"
)

// AddPlayerToQueue appends playerID to the tail of queue.
func (d *Directory) AddPlayerToQueue(ctx context.Context, queue, playerID string) error {
	if !validQueue(queue) {
		return ErrUnknownQueue
	}
	if strings.TrimSpace(playerID) == "" {
		return ErrInvalidArgs
	}
	if err := d.st.RemoveAll(ctx, d.keyQueue(queue), playerID); err != nil {
		return err
	}
	return d.st.PushBack(ctx, d.keyQueue(queue), playerID)
}

// GetPlayerFromQueue pops the head of queue, "" if empty.
func (d *Directory) GetPlayerFromQueue(ctx context.Context, queue string) (string, error) {
	if !validQueue(queue) {
		return "", ErrUnknownQueue
	}
	return d.st.PopFront(ctx, d.keyQueue(queue))
}

func (d *Directory) RemovePlayerFromQueue(ctx context.Context, queue, playerID string) error {
	if !validQueue(queue) {
		return ErrUnknownQueue
	}
	return d.st.RemoveAll(ctx, d.keyQueue(queue), playerID)
}

// RemoveFromAllQueues cancels any pending matchmaking for playerID.
func (d *Directory) RemoveFromAllQueues(ctx context.Context, playerID string) error {
	for _, q := range []string{QueueRandom, QueueDraft} {
		if err := d.RemovePlayerFromQueue(ctx, q, playerID); err != nil {
			return err
		}
	}
	return nil
}

// Match pairs playerID with the longest waiting player of queue, or leaves
// playerID waiting. Waiting entries whose identity expired are skipped.
func (d *Directory) Match(ctx context.Context, queue, playerID string) (string, error) {
	if !validQueue(queue) {
		return "", ErrUnknownQueue
	}
	if strings.TrimSpace(playerID) == "" {
		return "", ErrInvalidArgs
	}
	for {
		partner, err := d.st.PopOrPush(ctx, d.keyQueue(queue), playerID)
		if err != nil {
			return "", err
		}
		if partner == "" {
			obslog.L().Info("match_wait", zap.String("queue", queue), zap.String("player_id", playerID))
			return "", nil
		}
		p, err := d.Player(ctx, partner)
		if err == nil && !p.Transient() && p.RoomID == "" {
			obslog.L().Info("match_found", zap.String("queue", queue), zap.String("player_id", playerID), zap.String("partner_id", partner))
			return partner, nil
		}
		obslog.L().Info("match_skip_stale", zap.String("queue", queue), zap.String("partner_id", partner))
	}
}
