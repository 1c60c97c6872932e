package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// FIFO list helpers backing the matchmaking queues.

func (s *Store) PushBack(ctx context.Context, key, value string) error {
	return s.rdb.RPush(ctx, key, value).Err()
}

// PopFront returns "" when the list is empty.
func (s *Store) PopFront(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// RemoveAll deletes every occurrence of value.
func (s *Store) RemoveAll(ctx context.Context, key, value string) error {
	return s.rdb.LRem(ctx, key, 0, value).Err()
}

// PopOrPush atomically pops the head of the list when it holds someone other
// than value, otherwise appends value (once). It returns the popped head or "".
func (s *Store) PopOrPush(ctx context.Context, key, value string) (string, error) {
	var partner string
	txf := func(tx *redis.Tx) error {
		partner = ""
		members, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		queued := false
		for _, m := range members {
			if m == value {
				queued = true
				continue
			}
			if partner == "" {
				partner = m
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			switch {
			case partner != "":
				pipe.LRem(ctx, key, 1, partner)
				pipe.LRem(ctx, key, 0, value)
			case !queued:
				pipe.RPush(ctx, key, value)
			}
			return nil
		})
		return err
	}
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return "", err
		}
		return partner, nil
	}
	return "", ErrConflict
}
