package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/park285/pokechess/pkg/wire"
)

type AppConfig struct {
	RedisURL    string
	DatabaseURL string
	KeyPrefix   string

	HTTPAddr   string
	WSAddr     string
	InstanceID string
	MessageDir string

	// AllowedOrigins are websocket origin host patterns; CORSOrigin is echoed
	// on HTTP responses.
	AllowedOrigins []string
	CORSOrigin     string

	PlayerTTL      time.Duration
	RoomTTL        time.Duration
	LockTTL        time.Duration
	TransientGrace time.Duration
	AckTimeout     time.Duration
	ResyncRetries  int
	ChatMaxRunes   int

	// Defaults for newly created rooms.
	ChessTimer      time.Duration
	ChessIncrement  time.Duration
	BattleIncrement time.Duration
	DraftActionTime time.Duration
	MaxBans         int
	TimersEnabled   bool
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		KeyPrefix:       "pc:",
		HTTPAddr:        ":8080",
		WSAddr:          ":8081",
		PlayerTTL:       24 * time.Hour,
		RoomTTL:         24 * time.Hour,
		LockTTL:         5 * time.Second,
		TransientGrace:  60 * time.Second,
		AckTimeout:      5 * time.Second,
		ResyncRetries:   5,
		ChatMaxRunes:    300,
		ChessTimer:      15 * time.Minute,
		ChessIncrement:  5 * time.Second,
		BattleIncrement: 5 * time.Second,
		DraftActionTime: 30 * time.Second,
		MaxBans:         3,
		TimersEnabled:   true,
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.MessageDir = strings.TrimSpace(os.Getenv("MESSAGE_DIR"))
	cfg.InstanceID = strings.TrimSpace(os.Getenv("INSTANCE_ID"))
	cfg.CORSOrigin = strings.TrimSpace(os.Getenv("CORS_ORIGIN"))
	for _, o := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	if v := strings.TrimSpace(os.Getenv("KEY_PREFIX")); v != "" {
		cfg.KeyPrefix = v
	}
	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("WS_ADDR")); v != "" {
		cfg.WSAddr = v
	}

	durations := map[string]*time.Duration{
		"PLAYER_TTL":         &cfg.PlayerTTL,
		"ROOM_TTL":           &cfg.RoomTTL,
		"ROOM_LOCK_TTL":      &cfg.LockTTL,
		"TRANSIENT_GRACE":    &cfg.TransientGrace,
		"ACK_TIMEOUT":        &cfg.AckTimeout,
		"CHESS_TIMER":        &cfg.ChessTimer,
		"CHESS_INCREMENT":    &cfg.ChessIncrement,
		"BATTLE_INCREMENT":   &cfg.BattleIncrement,
		"DRAFT_ACTION_TIMER": &cfg.DraftActionTime,
	}
	for key, dst := range durations {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				*dst = d
			}
		}
	}

	if v := strings.TrimSpace(os.Getenv("RESYNC_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ResyncRetries = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_MAX_RUNES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ChatMaxRunes = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MAX_BANS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxBans = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("TIMERS_ENABLED")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TimersEnabled = b
		}
	}

	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = strings.TrimSpace(host) + "-" + uuid.NewString()[:8]
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.HTTPAddr == cfg.WSAddr {
		return nil, errors.New("HTTP_ADDR and WS_ADDR must differ")
	}
	return cfg, nil
}

// GameDefaults returns the options new rooms start with.
func (c *AppConfig) GameDefaults() wire.GameOptions {
	return wire.GameOptions{
		Format:            "random",
		ChessTimerMs:      c.ChessTimer.Milliseconds(),
		ChessIncrementMs:  c.ChessIncrement.Milliseconds(),
		BattleIncrementMs: c.BattleIncrement.Milliseconds(),
		DraftActionMs:     c.DraftActionTime.Milliseconds(),
		MaxBans:           c.MaxBans,
		TimersEnabled:     c.TimersEnabled,
	}
}
