package battle

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/park285/pokechess/pkg/wire"
)

func newSim(t *testing.T) *Sim {
	t.Helper()
	r, err := LoadRoster()
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}
	return NewSim(r)
}

func TestRosterCoversBoard(t *testing.T) {
	r, err := LoadRoster()
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}
	if len(r.Species) < 32 {
		t.Fatalf("roster too small: %d", len(r.Species))
	}
	if _, ok := r.Lookup("pikachu"); !ok {
		t.Fatalf("lookup should be case-insensitive")
	}
}

func TestParseRosterRejectsUnknownMove(t *testing.T) {
	_, err := ParseRoster([]byte("species:\n  - {name: A, types: [normal], hp: 1, atk: 1, def: 1, spe: 1, moves: [Nope]}\nmoves: {}\n"))
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestStartAppliesOffenseAdvantageAndRequests(t *testing.T) {
	s := newSim(t)
	st, events, err := s.Start(Setup{
		Attacker:  wire.Black,
		Creatures: [2]string{"Blastoise", "Pikachu"},
		Seed:      7,
		Options:   wire.GameOptions{OffenseAdvantage: wire.OffenseAdvantage{Atk: 1, Spe: 9}},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.Fighters[wire.Black].AtkStage != 1 || st.Fighters[wire.Black].SpeStage != maxStage {
		t.Fatalf("stages: %+v", st.Fighters[wire.Black])
	}
	if st.Fighters[wire.White].AtkStage != 0 {
		t.Fatalf("defender should not be boosted")
	}
	var private [2]int
	for _, e := range events {
		if e.To.Valid() {
			private[e.To]++
			if !strings.HasPrefix(e.Line, "|request|") {
				t.Fatalf("private line %q", e.Line)
			}
		}
	}
	if private != [2]int{1, 1} {
		t.Fatalf("requests per side = %v", private)
	}
}

func TestStartUnknownSpecies(t *testing.T) {
	s := newSim(t)
	_, _, err := s.Start(Setup{Creatures: [2]string{"Missingno", "Pikachu"}})
	if !errors.Is(err, ErrUnknownSpecies) {
		t.Fatalf("want ErrUnknownSpecies, got %v", err)
	}
}

func TestResolveIsDeterministicAndFinishes(t *testing.T) {
	s := newSim(t)
	st, _, err := s.Start(Setup{Attacker: wire.White, Creatures: [2]string{"Machamp", "Snorlax"}, Seed: 42})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	a1, e1, err := s.Resolve(st, [2]string{"Close Combat", "Body Slam"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	a2, e2, _ := s.Resolve(st, [2]string{"close combat", "move Body Slam"})
	if !reflect.DeepEqual(a1, a2) || !reflect.DeepEqual(e1, e2) {
		t.Fatalf("same input must give same output")
	}

	cur := st
	for i := 0; i < 50 && !cur.Over; i++ {
		cur, _, err = s.Resolve(cur, [2]string{"Close Combat", "Body Slam"})
		if err != nil {
			t.Fatalf("Resolve turn %d: %v", i, err)
		}
	}
	if !cur.Over || !cur.Winner.Valid() {
		t.Fatalf("fight did not finish: %+v", cur)
	}
	if cur.Fighters[cur.Winner.Other()].HP != 0 {
		t.Fatalf("loser should have fainted: %+v", cur)
	}
	if _, _, err := s.Resolve(cur, [2]string{"Close Combat", "Body Slam"}); !errors.Is(err, ErrFinished) {
		t.Fatalf("want ErrFinished, got %v", err)
	}
}

func TestResolveRejectsUnknownMove(t *testing.T) {
	s := newSim(t)
	st, _, _ := s.Start(Setup{Attacker: wire.White, Creatures: [2]string{"Pikachu", "Onix"}, Seed: 1})
	if _, ok := s.Normalize(st, wire.White, "Earthquake"); ok {
		t.Fatalf("Pikachu does not know Earthquake")
	}
	if _, _, err := s.Resolve(st, [2]string{"Earthquake", "Rock Slide"}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("want ErrInvalidAction, got %v", err)
	}
}

func TestTypeImmunity(t *testing.T) {
	s := newSim(t)
	st, _, _ := s.Start(Setup{Attacker: wire.White, Creatures: [2]string{"Pikachu", "Onix"}, Seed: 3})
	next, events, err := s.Resolve(st, [2]string{"Thunderbolt", "Rock Slide"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if next.Fighters[wire.Black].HP != st.Fighters[wire.Black].HP {
		t.Fatalf("ground type should be immune to electric")
	}
	found := false
	for _, e := range events {
		if strings.HasPrefix(e.Line, "|-immune|") {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing immune line")
	}
}
