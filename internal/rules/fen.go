package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/park285/pokechess/pkg/wire"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

type board [64]byte

func squareIndex(sq string) (int, bool) {
	if len(sq) != 2 {
		return 0, false
	}
	f, r := sq[0]-'a', sq[1]-'1'
	if f > 7 || r > 7 {
		return 0, false
	}
	return int(r)*8 + int(f), true
}

func squareName(i int) string {
	return string([]byte{byte('a' + i%8), byte('1' + i/8)})
}

type position struct {
	b        board
	turn     string
	castling string
	ep       string
	half     int
	full     int
}

func parseFEN(fen string) (*position, error) {
	fields := strings.Fields(fen)
	if len(fields) < 4 {
		return nil, fmt.Errorf("%w: %q", ErrBadFEN, fen)
	}
	p := &position{turn: fields[1], castling: fields[2], ep: fields[3], full: 1}
	if len(fields) >= 6 {
		p.half, _ = strconv.Atoi(fields[4])
		p.full, _ = strconv.Atoi(fields[5])
	}
	ranks := strings.Split(fields[0], "/")
	if len(ranks) != 8 {
		return nil, fmt.Errorf("%w: %q", ErrBadFEN, fen)
	}
	for i, row := range ranks {
		rank := 7 - i
		file := 0
		for _, c := range []byte(row) {
			if c >= '1' && c <= '8' {
				file += int(c - '0')
				continue
			}
			if file > 7 {
				return nil, fmt.Errorf("%w: %q", ErrBadFEN, fen)
			}
			p.b[rank*8+file] = c
			file++
		}
		if file != 8 {
			return nil, fmt.Errorf("%w: %q", ErrBadFEN, fen)
		}
	}
	return p, nil
}

func (p *position) String() string {
	var sb strings.Builder
	for rank := 7; rank >= 0; rank-- {
		empty := 0
		for file := 0; file < 8; file++ {
			c := p.b[rank*8+file]
			if c == 0 {
				empty++
				continue
			}
			if empty > 0 {
				sb.WriteByte(byte('0' + empty))
				empty = 0
			}
			sb.WriteByte(c)
		}
		if empty > 0 {
			sb.WriteByte(byte('0' + empty))
		}
		if rank > 0 {
			sb.WriteByte('/')
		}
	}
	castling := p.castling
	if castling == "" {
		castling = "-"
	}
	return fmt.Sprintf("%s %s %s %s %d %d", sb.String(), p.turn, castling, p.ep, p.half, p.full)
}

func pieceSide(c byte) wire.Side {
	switch {
	case c == 0:
		return wire.NoSide
	case c >= 'A' && c <= 'Z':
		return wire.White
	default:
		return wire.Black
	}
}

// Turn returns the side to move in fen.
func Turn(fen string) wire.Side {
	p, err := parseFEN(fen)
	if err != nil {
		return wire.NoSide
	}
	return wire.ParseSide(p.turn)
}

// PieceAt returns the FEN letter on sq and its owner.
func PieceAt(fen, sq string) (byte, wire.Side) {
	p, err := parseFEN(fen)
	if err != nil {
		return 0, wire.NoSide
	}
	i, ok := squareIndex(sq)
	if !ok {
		return 0, wire.NoSide
	}
	return p.b[i], pieceSide(p.b[i])
}

// Squares lists the squares holding side's pieces, a1 first.
func Squares(fen string, side wire.Side) []string {
	p, err := parseFEN(fen)
	if err != nil {
		return nil
	}
	var out []string
	for i, c := range p.b {
		if pieceSide(c) == side {
			out = append(out, squareName(i))
		}
	}
	return out
}

// HasKing reports whether side still has a king on the board.
func HasKing(fen string, side wire.Side) bool {
	p, err := parseFEN(fen)
	if err != nil {
		return false
	}
	want := byte('k')
	if side == wire.White {
		want = 'K'
	}
	for _, c := range p.b {
		if c == want {
			return true
		}
	}
	return false
}

// Rollback produces the position after a capture whose fight the attacker
// lost: the pre-move board with the attacking piece removed from from, and
// the turn passed to the defender.
func Rollback(fenBefore, from string) (string, error) {
	p, err := parseFEN(fenBefore)
	if err != nil {
		return "", err
	}
	i, ok := squareIndex(from)
	if !ok || p.b[i] == 0 {
		return "", fmt.Errorf("%w: no piece on %s", ErrBadFEN, from)
	}
	piece := p.b[i]
	p.b[i] = 0
	p.castling = dropCastling(p.castling, piece, from)
	p.ep = "-"
	p.half = 0
	if p.turn == "b" {
		p.full++
		p.turn = "w"
	} else {
		p.turn = "b"
	}
	return p.String(), nil
}

func dropCastling(rights string, piece byte, from string) string {
	if rights == "-" {
		return rights
	}
	var drop string
	switch {
	case piece == 'K':
		drop = "KQ"
	case piece == 'k':
		drop = "kq"
	case piece == 'R' && from == "h1":
		drop = "K"
	case piece == 'R' && from == "a1":
		drop = "Q"
	case piece == 'r' && from == "h8":
		drop = "k"
	case piece == 'r' && from == "a8":
		drop = "q"
	}
	out := strings.Map(func(r rune) rune {
		if strings.ContainsRune(drop, r) {
			return -1
		}
		return r
	}, rights)
	if out == "" {
		return "-"
	}
	return out
}
