package results

import (
	"fmt"
	"strings"
	"time"

	"github.com/park285/pokechess/internal/session"
	"github.com/park285/pokechess/pkg/wire"
)

// Game is the archived view of a finished room.
type Game struct {
	WhiteName string
	BlackName string
	Result    string
	// MovesSAN holds one entry per chess turn. Repelled captures are
	// recorded as null moves.
	MovesSAN  []string
	PGN       string
	StartedAt time.Time
	EndedAt   time.Time
}

const nullMove = "--"

func Summarize(room *session.Room, winner wire.Side, reason, whiteName, blackName string) Game {
	g := Game{
		WhiteName: whiteName,
		BlackName: blackName,
		Result:    mapResultToPGN(winner),
		StartedAt: room.StartedAt,
		EndedAt:   room.EndedAt,
	}
	if g.EndedAt.IsZero() {
		g.EndedAt = time.Now()
	}
	if g.StartedAt.IsZero() || g.StartedAt.After(g.EndedAt) {
		g.StartedAt = g.EndedAt
	}
	var notes []string
	for _, e := range room.History[wire.White] {
		if e.Type != wire.EntryChess || e.Chess == nil {
			continue
		}
		if e.Chess.Failed {
			g.MovesSAN = append(g.MovesSAN, nullMove)
			notes = append(notes, e.Chess.SAN)
			continue
		}
		g.MovesSAN = append(g.MovesSAN, e.Chess.SAN)
		notes = append(notes, "")
	}
	g.PGN = buildPGN(g, notes, room.Options.Format, reason)
	return g
}

func mapResultToPGN(winner wire.Side) string {
	switch winner {
	case wire.White:
		return "1-0"
	case wire.Black:
		return "0-1"
	default:
		return "1/2-1/2"
	}
}

func buildPGN(g Game, notes []string, format, reason string) string {
	var b strings.Builder
	date := g.EndedAt
	b.WriteString("[Event \"pokechess\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(g.WhiteName)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(g.BlackName)))
	if format != "" {
		b.WriteString(fmt.Sprintf("[Variant \"%s\"]\n", sanitizePGN(format)))
	}
	if reason != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(reason)))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", g.Result))

	for i, san := range g.MovesSAN {
		if i%2 == 0 {
			b.WriteString(fmt.Sprintf("%d. ", i/2+1))
		}
		b.WriteString(strings.TrimSpace(san))
		if i < len(notes) && notes[i] != "" {
			b.WriteString(fmt.Sprintf(" {%s repelled}", sanitizePGN(notes[i])))
		}
		b.WriteString(" ")
	}
	b.WriteString(g.Result)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	s = strings.ReplaceAll(s, "{", "(")
	s = strings.ReplaceAll(s, "}", ")")
	return strings.TrimSpace(s)
}
