package directory

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/pokechess/internal/obslog"
)

// Credentials identify a player acting in a room.
type Credentials struct {
	RoomID   string
	PlayerID string
	SecretID string
	RoomCode string
}

type verifyConfig struct {
	checkCode bool
	roomless  bool
	member    bool
}

type VerifyOption func(*verifyConfig)

// CheckRoomCode also requires RoomCode to match the room's join code.
func CheckRoomCode() VerifyOption { return func(c *verifyConfig) { c.checkCode = true } }

// Roomless skips every room check.
func Roomless() VerifyOption { return func(c *verifyConfig) { c.roomless = true } }

// RequireMember also requires the player's stored room to be RoomID.
func RequireMember() VerifyOption { return func(c *verifyConfig) { c.member = true } }

// VerifyPlayerConnection reports whether the credentials are valid. It never
// fails loudly; reasons go to the log only.
func (d *Directory) VerifyPlayerConnection(ctx context.Context, c Credentials, opts ...VerifyOption) bool {
	var cfg verifyConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	reject := func(reason string, err error) bool {
		fields := []zap.Field{
			zap.String("room_id", c.RoomID),
			zap.String("player_id", c.PlayerID),
			zap.String("reason", reason),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		obslog.L().Info("verify_reject", fields...)
		return false
	}

	c.RoomID, c.PlayerID, c.SecretID = strings.TrimSpace(c.RoomID), strings.TrimSpace(c.PlayerID), strings.TrimSpace(c.SecretID)
	if c.PlayerID == "" || c.SecretID == "" || (!cfg.roomless && c.RoomID == "") {
		return reject("missing_field", nil)
	}
	p, err := d.Player(ctx, c.PlayerID)
	if err != nil {
		return reject("player_lookup", err)
	}
	if p.Secret != c.SecretID {
		return reject("secret_mismatch", nil)
	}
	if cfg.roomless {
		return true
	}
	room, err := d.Room(ctx, c.RoomID)
	if err != nil {
		return reject("room_lookup", err)
	}
	if cfg.checkCode && !strings.EqualFold(strings.TrimSpace(c.RoomCode), room.Code) {
		return reject("room_code_mismatch", nil)
	}
	if cfg.member && p.RoomID != room.ID {
		return reject("not_member", nil)
	}
	return true
}
