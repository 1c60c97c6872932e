// Package battle resolves the creature fight opened by a chess capture.
//
// The engine is a pure function of its State: every call gets the state
// loaded from the session store and returns the next one, so any server
// process can continue a fight another process started.
package battle

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/park285/pokechess/pkg/wire"
)

var (
	ErrUnknownSpecies = errors.New("battle: unknown species")
	ErrFinished       = errors.New("battle: fight already decided")
	ErrInvalidAction  = errors.New("battle: invalid action")
)

const (
	level    = 50
	maxStage = 6
)

// Fighter is one side's creature inside a fight.
type Fighter struct {
	Species  string `json:"species"`
	HP       int    `json:"hp"`
	MaxHP    int    `json:"maxHp"`
	AtkStage int    `json:"atkStage,omitempty"`
	DefStage int    `json:"defStage,omitempty"`
	SpeStage int    `json:"speStage,omitempty"`
}

// State is the serialisable progress of a fight.
type State struct {
	Seed     int64      `json:"seed"`
	Turn     int        `json:"turn"`
	Weather  string     `json:"weather,omitempty"`
	Attacker wire.Side  `json:"attacker"`
	Fighters [2]Fighter `json:"fighters"`
	Over     bool       `json:"over"`
	Winner   wire.Side  `json:"winner"`
}

// Setup opens a fight. Creatures is indexed by side.
type Setup struct {
	Attacker  wire.Side
	Creatures [2]string
	Seed      int64
	Options   wire.GameOptions
}

// Event is one protocol line. To is NoSide for lines both players see.
type Event struct {
	To   wire.Side
	Line string
}

// Engine runs fights.
type Engine interface {
	Start(Setup) (State, []Event, error)
	Resolve(st State, actions [2]string) (State, []Event, error)
	// Normalize returns the canonical action name for side, or false.
	Normalize(st State, side wire.Side, action string) (string, bool)
}

// Sim is the built-in deterministic engine.
type Sim struct {
	roster *Roster
}

func NewSim(r *Roster) *Sim { return &Sim{roster: r} }

func (s *Sim) Roster() *Roster { return s.roster }

func slot(side wire.Side) string {
	if side == wire.Black {
		return "p2a"
	}
	return "p1a"
}

func clampStage(v int) int {
	if v > maxStage {
		return maxStage
	}
	if v < -maxStage {
		return -maxStage
	}
	return v
}

func hpStat(base int) int { return (2*base+31)*level/100 + level + 10 }

func stat(base, stage int) float64 {
	v := float64((2*base+31)*level/100 + 5)
	if stage >= 0 {
		return v * float64(2+stage) / 2
	}
	return v * 2 / float64(2-stage)
}

func (s *Sim) Start(in Setup) (State, []Event, error) {
	st := State{Seed: in.Seed, Attacker: in.Attacker, Winner: wire.NoSide}
	for _, side := range wire.Sides {
		sp, ok := s.roster.Lookup(in.Creatures[side])
		if !ok {
			return State{}, nil, fmt.Errorf("%w: %q", ErrUnknownSpecies, in.Creatures[side])
		}
		hp := hpStat(sp.HP)
		st.Fighters[side] = Fighter{Species: sp.Name, HP: hp, MaxHP: hp}
	}
	adv := in.Options.OffenseAdvantage
	a := &st.Fighters[in.Attacker]
	a.AtkStage = clampStage(adv.Atk)
	a.DefStage = clampStage(adv.Def)
	a.SpeStage = clampStage(adv.Spe)

	rng := s.rng(st)
	if in.Options.WeatherWars && len(s.roster.Weathers) > 0 {
		st.Weather = s.roster.Weathers[rng.IntN(len(s.roster.Weathers))]
	}

	events := []Event{{To: wire.NoSide, Line: "|start"}}
	for _, side := range wire.Sides {
		f := st.Fighters[side]
		events = append(events, public("|switch|%s: %s|%s, L%d|%d/%d", slot(side), f.Species, f.Species, level, f.HP, f.MaxHP))
	}
	if a.AtkStage != 0 || a.DefStage != 0 || a.SpeStage != 0 {
		events = append(events, public("|-boost|%s: %s|atk %d, def %d, spe %d", slot(in.Attacker), a.Species, a.AtkStage, a.DefStage, a.SpeStage))
	}
	if st.Weather != "" {
		events = append(events, public("|-weather|%s", st.Weather))
	}
	st.Turn = 1
	events = append(events, public("|turn|%d", st.Turn))
	events = append(events, s.requests(st)...)
	return st, events, nil
}

func (s *Sim) Normalize(st State, side wire.Side, action string) (string, bool) {
	if st.Over || !side.Valid() {
		return "", false
	}
	sp, ok := s.roster.Lookup(st.Fighters[side].Species)
	if !ok {
		return "", false
	}
	action = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(action), "move "))
	for _, m := range sp.Moves {
		if strings.EqualFold(m, action) {
			return m, true
		}
	}
	return "", false
}

func (s *Sim) Resolve(st State, actions [2]string) (State, []Event, error) {
	if st.Over {
		return st, nil, ErrFinished
	}
	var moves [2]string
	for _, side := range wire.Sides {
		m, ok := s.Normalize(st, side, actions[side])
		if !ok {
			return st, nil, fmt.Errorf("%w: %s %q", ErrInvalidAction, side, actions[side])
		}
		moves[side] = m
	}

	rng := s.rng(st)
	var events []Event
	for _, side := range s.order(st, moves, rng) {
		if st.Over {
			break
		}
		events = append(events, s.attack(&st, side, moves[side], rng)...)
	}
	if !st.Over {
		events = append(events, s.residual(&st)...)
	}
	if st.Over {
		events = append(events, public("|win|%s", st.Winner))
		return st, events, nil
	}
	st.Turn++
	events = append(events, public("|turn|%d", st.Turn))
	events = append(events, s.requests(st)...)
	return st, events, nil
}

func (s *Sim) rng(st State) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(st.Seed), uint64(st.Turn)))
}

func (s *Sim) order(st State, moves [2]string, rng *rand.Rand) [2]wire.Side {
	w, b := wire.White, wire.Black
	pw, pb := s.roster.Moves[moves[w]].Priority, s.roster.Moves[moves[b]].Priority
	if pw != pb {
		if pb > pw {
			return [2]wire.Side{b, w}
		}
		return [2]wire.Side{w, b}
	}
	sw, sb := s.speed(st, w), s.speed(st, b)
	switch {
	case sb > sw:
		return [2]wire.Side{b, w}
	case sw > sb:
		return [2]wire.Side{w, b}
	case rng.IntN(2) == 0:
		return [2]wire.Side{b, w}
	default:
		return [2]wire.Side{w, b}
	}
}

func (s *Sim) speed(st State, side wire.Side) float64 {
	f := st.Fighters[side]
	sp, _ := s.roster.Lookup(f.Species)
	return stat(sp.Spe, f.SpeStage)
}

func (s *Sim) attack(st *State, side wire.Side, move string, rng *rand.Rand) []Event {
	foe := side.Other()
	atk, def := &st.Fighters[side], &st.Fighters[foe]
	aSp, _ := s.roster.Lookup(atk.Species)
	dSp, _ := s.roster.Lookup(def.Species)
	md := s.roster.Moves[move]

	events := []Event{public("|move|%s: %s|%s|%s: %s", slot(side), atk.Species, move, slot(foe), def.Species)}
	if md.Accuracy < 100 && rng.IntN(100) >= md.Accuracy {
		return append(events, public("|-miss|%s: %s", slot(side), atk.Species))
	}
	eff := s.roster.multiplier(md.Type, dSp.Types)
	if eff == 0 {
		return append(events, public("|-immune|%s: %s", slot(foe), def.Species))
	}

	a := stat(aSp.Atk, atk.AtkStage)
	d := stat(dSp.Def, def.DefStage)
	base := float64((2*level/5+2)*md.Power)*a/d/50 + 2
	mod := eff * float64(85+rng.IntN(16)) / 100
	for _, t := range aSp.Types {
		if t == md.Type {
			mod *= 1.5
			break
		}
	}
	mod *= weatherBoost(st.Weather, md.Type)
	dmg := int(base * mod)
	if dmg < 1 {
		dmg = 1
	}

	switch {
	case eff > 1:
		events = append(events, public("|-supereffective|%s: %s", slot(foe), def.Species))
	case eff < 1:
		events = append(events, public("|-resisted|%s: %s", slot(foe), def.Species))
	}
	events = append(events, s.damage(st, foe, dmg)...)
	return events
}

func (s *Sim) damage(st *State, side wire.Side, dmg int) []Event {
	f := &st.Fighters[side]
	f.HP -= dmg
	if f.HP < 0 {
		f.HP = 0
	}
	events := []Event{public("|-damage|%s: %s|%d/%d", slot(side), f.Species, f.HP, f.MaxHP)}
	if f.HP == 0 {
		st.Over = true
		st.Winner = side.Other()
		events = append(events, public("|faint|%s: %s", slot(side), f.Species))
	}
	return events
}

// residual applies end of turn weather chip damage, attacker first.
func (s *Sim) residual(st *State) []Event {
	var immune []string
	switch st.Weather {
	case "sand":
		immune = []string{"rock", "ground", "steel"}
	case "hail":
		immune = []string{"ice"}
	default:
		return nil
	}
	var events []Event
	for _, side := range [2]wire.Side{st.Attacker, st.Attacker.Other()} {
		f := st.Fighters[side]
		sp, _ := s.roster.Lookup(f.Species)
		if hasAny(sp.Types, immune) {
			continue
		}
		chip := f.MaxHP / 16
		if chip < 1 {
			chip = 1
		}
		events = append(events, s.damage(st, side, chip)...)
		if st.Over {
			break
		}
	}
	return events
}

func (s *Sim) requests(st State) []Event {
	var out []Event
	for _, side := range wire.Sides {
		sp, _ := s.roster.Lookup(st.Fighters[side].Species)
		req := struct {
			Side    string   `json:"side"`
			Species string   `json:"species"`
			Moves   []string `json:"moves"`
		}{side.String(), sp.Name, sp.Moves}
		raw, _ := json.Marshal(req)
		out = append(out, Event{To: side, Line: "|request|" + string(raw)})
	}
	return out
}

func weatherBoost(weather, moveType string) float64 {
	switch {
	case weather == "sun" && moveType == "fire", weather == "rain" && moveType == "water":
		return 1.5
	case weather == "sun" && moveType == "water", weather == "rain" && moveType == "fire":
		return 0.5
	}
	return 1
}

func hasAny(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

func public(format string, args ...any) Event {
	return Event{To: wire.NoSide, Line: fmt.Sprintf(format, args...)}
}
