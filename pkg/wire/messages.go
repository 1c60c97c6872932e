package wire

import "encoding/json"

// Realtime event names.
const (
	EventMatchSearch            = "matchSearch"
	EventJoinRoom               = "joinRoom"
	EventToggleSpectating       = "requestToggleSpectating"
	EventChangeGameOptions      = "requestChangeGameOptions"
	EventStartGame              = "requestStartGame"
	EventEndGameAsHost          = "requestEndGameAsHost"
	EventKickPlayer             = "requestKickPlayer"
	EventMovePlayerToSpectator  = "requestMovePlayerToSpectator"
	EventRequestSync            = "requestSync"
	EventChessMove              = "requestChessMove"
	EventPokemonMove            = "requestPokemonMove"
	EventDraftPokemon           = "requestDraftPokemon"
	EventSetViewingResults      = "setViewingResults"
	EventSendChatMessage        = "sendChatMessage"
	EventValidateTimers         = "requestValidateTimers"
	PushConnectedPlayers        = "connectedPlayers"
	PushRoomClosed              = "roomClosed"
	PushEndGameFromDisconnect   = "endGameFromDisconnect"
	PushKickedFromRoom          = "kickedFromRoom"
	PushFoundMatch              = "foundMatch"
	PushGameOutput              = "gameOutput"
	PushCurrentTimers           = "currentTimers"
	PushStartSync               = "startSync"
	PushStartGame               = "startGame"
	PushChangeGameOptions       = "changeGameOptions"
	PushChatMessage             = "chatMessage"
)

const (
	StatusOK  = "ok"
	StatusErr = "err"
)

// Response is the acknowledgement payload of every client request.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func OK() Response { return Response{Status: StatusOK} }

func Err(message string) Response { return Response{Status: StatusErr, Message: message} }

// Frame is the socket envelope in both directions.
// Requests and acked pushes carry ID; replies carry Ack.
type Frame struct {
	ID    uint64          `json:"id,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Identity is embedded by every authenticated request.
type Identity struct {
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
	SecretID string `json:"secretId"`
}

type MatchSearchRequest struct {
	PlayerName string `json:"playerName"`
	PlayerID   string `json:"playerId"`
	SecretID   string `json:"secretId"`
	AvatarID   string `json:"avatarId"`
	MatchQueue string `json:"matchQueue"`
}

type JoinRoomRequest struct {
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
	RoomCode string `json:"roomCode"`
	SecretID string `json:"secretId"`
}

type ChangeGameOptionsRequest struct {
	Identity
	Options GameOptions `json:"options"`
}

type KickPlayerRequest struct {
	Identity
	KickedPlayerID string `json:"kickedPlayerId"`
}

type MoveToSpectatorRequest struct {
	Identity
	SpectatorPlayerID string `json:"spectatorPlayerId"`
}

type ChessMoveRequest struct {
	Identity
	SANMove string `json:"sanMove"`
}

type PokemonMoveRequest struct {
	Identity
	PokemonMove string `json:"pokemonMove"`
}

type DraftPokemonRequest struct {
	Identity
	Square            string `json:"square,omitempty"`
	DraftPokemonIndex int    `json:"draftPokemonIndex"`
	IsBan             bool   `json:"isBan"`
}

type ViewingResultsRequest struct {
	Identity
	ViewingResults bool `json:"viewingResults"`
}

type ChatMessageRequest struct {
	Identity
	Message string `json:"message"`
}

// GameOptions is the client-facing room configuration.
type GameOptions struct {
	Format            string           `json:"format"`
	ChessTimerMs      int64            `json:"chessTimerDuration"`
	ChessIncrementMs  int64            `json:"chessTimerIncrement"`
	BattleIncrementMs int64            `json:"pokemonTimerIncrement"`
	DraftActionMs     int64            `json:"banTimerDuration"`
	MaxBans           int              `json:"maxBans"`
	TimersEnabled     bool             `json:"timersEnabled"`
	OffenseAdvantage  OffenseAdvantage `json:"offenseAdvantage"`
	WeatherWars       bool             `json:"weatherWars"`
}

// OffenseAdvantage holds stat stages granted to the capturing creature.
type OffenseAdvantage struct {
	Atk int `json:"atk"`
	Def int `json:"def"`
	Spe int `json:"spe"`
}

type ConnectedPlayer struct {
	PlayerID       string `json:"playerId"`
	PlayerName     string `json:"playerName"`
	AvatarID       string `json:"avatarId"`
	IsHost         bool   `json:"isHost"`
	IsPlayer1      bool   `json:"isPlayer1"`
	IsPlayer2      bool   `json:"isPlayer2"`
	Spectating     bool   `json:"spectating"`
	Transient      bool   `json:"transient"`
	ViewingResults bool   `json:"viewingResults"`
}

type SyncPayload struct {
	History []MatchLogEntry `json:"history"`
}

type StartGamePayload struct {
	Color   Side        `json:"color"`
	Seed    int64       `json:"seed"`
	Options GameOptions `json:"options"`
}

type FoundMatchPayload struct {
	RoomID   string `json:"roomId"`
	RoomCode string `json:"roomCode"`
}

type ChatMessagePayload struct {
	PlayerName string `json:"playerName"`
	Message    string `json:"message"`
}

type EndGameFromDisconnectPayload struct {
	Name    string `json:"name"`
	IsHost  bool   `json:"isHost"`
	Message string `json:"message,omitempty"`
}

// TimerSide is one half of the currentTimers push.
type TimerSide struct {
	TimerExpiration int64 `json:"timerExpiration"`
	Pause           bool  `json:"pause"`
	HasStarted      bool  `json:"hasStarted"`
}

type TimerView struct {
	White TimerSide `json:"white"`
	Black TimerSide `json:"black"`
}

// PlayerIdentity is returned when the server issues or confirms an identity.
type PlayerIdentity struct {
	PlayerID string `json:"playerId"`
	SecretID string `json:"secretId"`
}

// CreateRoomRequest is the body of POST /rooms. Identity fields are optional.
type CreateRoomRequest struct {
	PlayerName string `json:"playerName"`
	PlayerID   string `json:"playerId"`
	SecretID   string `json:"secretId"`
	AvatarID   string `json:"avatarId"`
}

// JoinByCodeRequest is the body of POST /rooms/join.
type JoinByCodeRequest struct {
	CreateRoomRequest
	RoomCode string `json:"roomCode"`
}

// Health is the /healthz payload.
type Health struct {
	Connections int `json:"connections"`
	// PendingDisconnects counts players inside their reconnect grace.
	PendingDisconnects int `json:"pendingDisconnects"`
}

// RoomTicket tells a client which room to open a socket for.
type RoomTicket struct {
	RoomID   string `json:"roomId"`
	RoomCode string `json:"roomCode"`
	PlayerID string `json:"playerId"`
	SecretID string `json:"secretId"`
}
