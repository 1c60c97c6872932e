package wire

import (
	"fmt"
	"strings"
)

// Side identifies a chess colour. It doubles as an index into two-entry arrays.
type Side int

const (
	NoSide Side = -1
	White  Side = 0
	Black  Side = 1
)

// Sides lists both colours in index order.
var Sides = [2]Side{White, Black}

func (s Side) Other() Side {
	switch s {
	case White:
		return Black
	case Black:
		return White
	default:
		return NoSide
	}
}

func (s Side) Valid() bool { return s == White || s == Black }

func (s Side) String() string {
	switch s {
	case White:
		return "white"
	case Black:
		return "black"
	default:
		return ""
	}
}

// ParseSide accepts "white"/"w" and "black"/"b". Anything else is NoSide.
func ParseSide(v string) Side {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "white", "w":
		return White
	case "black", "b":
		return Black
	default:
		return NoSide
	}
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v := ParseSide(string(b))
	if v == NoSide && strings.TrimSpace(string(b)) != "" {
		return fmt.Errorf("unknown side %q", string(b))
	}
	*s = v
	return nil
}
