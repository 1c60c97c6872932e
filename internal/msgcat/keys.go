package msgcat

// Key names one catalog entry.
type Key string

const (
	ErrAuth              Key = "error.auth"
	ErrInvalidArgs       Key = "error.invalid_args"
	ErrPlayerNotFound    Key = "error.player_not_found"
	ErrRoomNotFound      Key = "error.room_not_found"
	ErrRoomCode          Key = "error.room_code"
	ErrRoomFull          Key = "error.room_full"
	ErrUnknownQueue      Key = "error.unknown_queue"
	ErrNotHost           Key = "error.not_host"
	ErrNotInRoom         Key = "error.not_in_room"
	ErrGameOngoing       Key = "error.game_ongoing"
	ErrIncompletePlayers Key = "error.incomplete_players"
	ErrHostKick          Key = "error.host_kick"
	ErrChatEmpty         Key = "error.chat_empty"
	ErrInternal          Key = "error.internal"

	NoticeRoomClosed   Key = "notice.room_closed"
	NoticeKicked       Key = "notice.kicked"
	NoticeOpponentLeft Key = "notice.opponent_left"
)

// Required lists the keys every loaded catalog must define.
var Required = []Key{
	ErrAuth, ErrInvalidArgs, ErrPlayerNotFound, ErrRoomNotFound, ErrRoomCode,
	ErrRoomFull, ErrUnknownQueue, ErrNotHost, ErrNotInRoom, ErrGameOngoing,
	ErrIncompletePlayers, ErrHostKick, ErrChatEmpty, ErrInternal,
	NoticeRoomClosed, NoticeKicked, NoticeOpponentLeft,
}
