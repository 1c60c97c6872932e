// Package rules validates SAN moves against a FEN position and describes
// what a move does to the board, so the orchestrator can move creatures
// alongside pieces.
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/pokechess/pkg/wire"
)

var (
	ErrIllegalMove = errors.New("rules: illegal move")
	ErrBadFEN      = errors.New("rules: malformed position")
)

// Result of a position after a move.
const (
	OutcomeNone      = ""
	OutcomeCheckmate = "checkmate"
	OutcomeDraw      = "draw"
)

// Move is a validated, not yet committed chess move.
type Move struct {
	SAN  string    `json:"san"`
	Side wire.Side `json:"side"`
	From string    `json:"from"`
	To   string    `json:"to"`

	Capture   bool `json:"capture,omitempty"`
	EnPassant bool `json:"enPassant,omitempty"`
	// CapturedSquare differs from To only for en passant.
	CapturedSquare string `json:"capturedSquare,omitempty"`
	RookFrom       string `json:"rookFrom,omitempty"`
	RookTo         string `json:"rookTo,omitempty"`

	FENBefore string `json:"fenBefore"`
	FENAfter  string `json:"fenAfter"`

	Outcome string `json:"outcome,omitempty"`
	// Winner is set when Outcome is checkmate.
	Winner wire.Side `json:"winner"`
}

// Engine is the legal move authority.
type Engine interface {
	Validate(fen, san string) (*Move, error)
}

// Chess implements Engine with corentings/chess.
type Chess struct{}

func NewChess() *Chess { return &Chess{} }

func (c *Chess) Validate(fen, san string) (*Move, error) {
	san = strings.TrimSpace(san)
	if san == "" {
		return nil, ErrIllegalMove
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFEN, err)
	}
	game := nchess.NewGame(opt)
	pos := game.Position()
	side := Turn(fen)
	if err := game.PushNotationMove(san, nchess.AlgebraicNotation{}, nil); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIllegalMove, san)
	}
	moves := game.Moves()
	if len(moves) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrIllegalMove, san)
	}
	last := moves[len(moves)-1]

	mv := &Move{
		SAN:       nchess.AlgebraicNotation{}.Encode(pos, last),
		Side:      side,
		From:      last.S1().String(),
		To:        last.S2().String(),
		Capture:   last.HasTag(nchess.Capture) || last.HasTag(nchess.EnPassant),
		EnPassant: last.HasTag(nchess.EnPassant),
		FENBefore: fen,
		FENAfter:  game.FEN(),
		Winner:    wire.NoSide,
	}
	if mv.Capture {
		mv.CapturedSquare = mv.To
		if mv.EnPassant {
			mv.CapturedSquare = mv.To[:1] + mv.From[1:]
		}
	}
	switch {
	case last.HasTag(nchess.KingSideCastle):
		mv.RookFrom, mv.RookTo = castleRook(side, true)
	case last.HasTag(nchess.QueenSideCastle):
		mv.RookFrom, mv.RookTo = castleRook(side, false)
	}

	mv.Outcome, mv.Winner = outcomeOf(game)
	return mv, nil
}

// Status reports whether fen is already decided: checkmate or stalemate for
// the side to move, or a draw by material. Both kings must be on the board.
func Status(fen string) (string, wire.Side, error) {
	opt, err := nchess.FEN(fen)
	if err != nil {
		return OutcomeNone, wire.NoSide, fmt.Errorf("%w: %v", ErrBadFEN, err)
	}
	outcome, winner := outcomeOf(nchess.NewGame(opt))
	return outcome, winner, nil
}

func outcomeOf(game *nchess.Game) (string, wire.Side) {
	switch game.Outcome() {
	case nchess.WhiteWon:
		return OutcomeCheckmate, wire.White
	case nchess.BlackWon:
		return OutcomeCheckmate, wire.Black
	case nchess.Draw:
		return OutcomeDraw, wire.NoSide
	}
	return OutcomeNone, wire.NoSide
}

func castleRook(side wire.Side, kingSide bool) (string, string) {
	rank := "1"
	if side == wire.Black {
		rank = "8"
	}
	if kingSide {
		return "h" + rank, "f" + rank
	}
	return "a" + rank, "d" + rank
}
