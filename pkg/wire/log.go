package wire

// EntryType tags a MatchLogEntry variant.
type EntryType string

const (
	EntryChess   EntryType = "move"
	EntryBattle  EntryType = "pokemon"
	EntryDraft   EntryType = "draft"
	EntryGeneric EntryType = "generic"
)

// BattleEvent names the kind of a battle log entry.
type BattleEvent string

const (
	BattleStart        BattleEvent = "start"
	BattleStreamOutput BattleEvent = "streamOutput"
	BattleVictory      BattleEvent = "victory"
)

// MatchLogEntry is one immutable line of a room's match history.
// Exactly one of the payload pointers is set, matching Type.
type MatchLogEntry struct {
	Type EntryType `json:"type"`
	// Private entries are stored only in the owning side's history.
	Private bool `json:"private,omitempty"`

	Chess   *ChessEntry   `json:"chess,omitempty"`
	Battle  *BattleEntry  `json:"battle,omitempty"`
	Draft   *DraftEntry   `json:"draft,omitempty"`
	Generic *GenericEntry `json:"generic,omitempty"`
}

type ChessEntry struct {
	Color  Side   `json:"color"`
	SAN    string `json:"san"`
	Failed bool   `json:"failed"`
}

type BattleEntry struct {
	Event  BattleEvent `json:"event"`
	Color  Side        `json:"color"`
	Output string      `json:"output,omitempty"`
	// Set on start entries.
	Attacker string `json:"attacker,omitempty"`
	Defender string `json:"defender,omitempty"`
	Square   string `json:"square,omitempty"`
}

type DraftEntry struct {
	Color   Side   `json:"color"`
	Index   int    `json:"index"`
	Square  string `json:"square,omitempty"`
	IsBan   bool   `json:"isBan"`
	Species string `json:"species,omitempty"`
}

type GenericEntry struct {
	Name   string `json:"name"`
	Color  Side   `json:"color"`
	Reason string `json:"reason,omitempty"`
}

const GenericGameEnd = "gameEnd"

func ChessLog(color Side, san string, failed bool) MatchLogEntry {
	return MatchLogEntry{Type: EntryChess, Chess: &ChessEntry{Color: color, SAN: san, Failed: failed}}
}

func DraftLog(color Side, index int, square string, isBan bool, species string) MatchLogEntry {
	return MatchLogEntry{Type: EntryDraft, Draft: &DraftEntry{Color: color, Index: index, Square: square, IsBan: isBan, Species: species}}
}

func GameEndLog(winner Side, reason string) MatchLogEntry {
	return MatchLogEntry{Type: EntryGeneric, Generic: &GenericEntry{Name: GenericGameEnd, Color: winner, Reason: reason}}
}

// IsGameEnd reports whether e is the generic game end marker.
func (e MatchLogEntry) IsGameEnd() bool {
	return e.Type == EntryGeneric && e.Generic != nil && e.Generic.Name == GenericGameEnd
}
