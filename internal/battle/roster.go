package battle

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed roster.yaml
var rosterYAML []byte

type Species struct {
	Name  string   `yaml:"name"`
	Types []string `yaml:"types"`
	HP    int      `yaml:"hp"`
	Atk   int      `yaml:"atk"`
	Def   int      `yaml:"def"`
	Spe   int      `yaml:"spe"`
	Moves []string `yaml:"moves"`
}

type MoveData struct {
	Type     string `yaml:"type"`
	Power    int    `yaml:"power"`
	Accuracy int    `yaml:"accuracy"`
	Priority int    `yaml:"priority"`
}

// Roster is the static creature catalogue.
type Roster struct {
	Species       []Species                     `yaml:"species"`
	Moves         map[string]MoveData           `yaml:"moves"`
	Effectiveness map[string]map[string]float64 `yaml:"effectiveness"`
	Weathers      []string                      `yaml:"weathers"`

	index map[string]int
}

// LoadRoster parses the embedded roster.
func LoadRoster() (*Roster, error) { return ParseRoster(rosterYAML) }

func ParseRoster(b []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	if len(r.Species) == 0 {
		return nil, fmt.Errorf("parse roster: no species")
	}
	r.index = make(map[string]int, len(r.Species))
	for i, s := range r.Species {
		key := strings.ToLower(s.Name)
		if _, dup := r.index[key]; dup {
			return nil, fmt.Errorf("parse roster: duplicate species %q", s.Name)
		}
		for _, m := range s.Moves {
			if _, ok := r.Moves[m]; !ok {
				return nil, fmt.Errorf("parse roster: %s knows unknown move %q", s.Name, m)
			}
		}
		r.index[key] = i
	}
	return &r, nil
}

func (r *Roster) Lookup(name string) (Species, bool) {
	i, ok := r.index[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Species{}, false
	}
	return r.Species[i], true
}

// Names returns every species name in roster order.
func (r *Roster) Names() []string {
	out := make([]string, len(r.Species))
	for i, s := range r.Species {
		out[i] = s.Name
	}
	return out
}

func (r *Roster) multiplier(moveType string, defender []string) float64 {
	m := 1.0
	row := r.Effectiveness[moveType]
	for _, t := range defender {
		if v, ok := row[t]; ok {
			m *= v
		}
	}
	return m
}
