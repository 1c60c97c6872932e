// Package results archives finished games to PostgreSQL.
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/pokechess/internal/session"
	"github.com/park285/pokechess/pkg/wire"
)

// Players resolves display names. The directory satisfies it.
type Players interface {
	Player(ctx context.Context, id string) (*session.Player, error)
}

type Repository struct {
	db      *sql.DB
	players Players
}

const schema = `CREATE TABLE IF NOT EXISTS pokechess_games (
    room_id      TEXT NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    white_id     TEXT NOT NULL,
    white_name   TEXT NOT NULL DEFAULT '',
    black_id     TEXT NOT NULL,
    black_name   TEXT NOT NULL DEFAULT '',
    format       TEXT NOT NULL,
    result       TEXT NOT NULL,
    reason       TEXT NOT NULL DEFAULT '',
    moves_san    JSONB NOT NULL,
    options      JSONB NOT NULL,
    pgn          TEXT NOT NULL,
    ended_at     TIMESTAMPTZ NOT NULL,
    duration_ms  BIGINT NOT NULL,
    PRIMARY KEY (room_id, started_at)
)`

func NewRepository(databaseURL string, players Players) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Repository{db: db, players: players}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Record upserts a finished game. A rematch in the same room gets its own
// row keyed by start time.
func (r *Repository) Record(ctx context.Context, room *session.Room, winner wire.Side, reason string) error {
	if r == nil || r.db == nil || room == nil {
		return nil
	}
	g := Summarize(room, winner, reason, r.name(ctx, room.WhiteID), r.name(ctx, room.BlackID))

	movesRaw, _ := json.Marshal(g.MovesSAN)
	optsRaw, _ := json.Marshal(room.Options)

	q := `INSERT INTO pokechess_games (
        room_id, started_at, white_id, white_name, black_id, black_name,
        format, result, reason, moves_san, options, pgn, ended_at, duration_ms
      ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
      ) ON CONFLICT (room_id, started_at) DO UPDATE SET
        result=EXCLUDED.result,
        reason=EXCLUDED.reason,
        moves_san=EXCLUDED.moves_san,
        pgn=EXCLUDED.pgn,
        ended_at=EXCLUDED.ended_at,
        duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		room.ID, g.StartedAt,
		room.WhiteID, g.WhiteName,
		room.BlackID, g.BlackName,
		room.Options.Format, g.Result, reason,
		string(movesRaw), string(optsRaw), g.PGN,
		g.EndedAt, g.EndedAt.Sub(g.StartedAt).Milliseconds(),
	)
	return err
}

func (r *Repository) name(ctx context.Context, id string) string {
	if r.players == nil || id == "" {
		return id
	}
	p, err := r.players.Player(ctx, id)
	if err != nil || p == nil || p.Name == "" {
		return id
	}
	return p.Name
}
