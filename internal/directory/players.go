package directory

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/pokechess/internal/obslog"
	"github.com/park285/pokechess/internal/session"
	"github.com/park285/pokechess/internal/store"
)

// IssueIdentity mints a fresh player id and secret.
func IssueIdentity() (id, secret string) {
	return uuid.NewString(), uuid.NewString()
}

// RegisterPlayer creates a new player with a fresh identity.
func (d *Directory) RegisterPlayer(ctx context.Context, name, avatarID string) (*session.Player, error) {
	id, secret := IssueIdentity()
	p := &session.Player{
		ID:       id,
		Name:     sanitizeName(name),
		AvatarID: strings.TrimSpace(avatarID),
		Secret:   secret,
	}
	if err := d.SavePlayer(ctx, p); err != nil {
		return nil, err
	}
	obslog.L().Info("player_register", zap.String("player_id", id))
	return p, nil
}

// EnsurePlayer returns the player for id/secret. An empty or expired identity
// gets a freshly issued one; a stored record whose secret differs is
// rejected. Callers hand the returned identity back to the client.
func (d *Directory) EnsurePlayer(ctx context.Context, id, secret, name, avatarID string) (*session.Player, error) {
	id, secret = strings.TrimSpace(id), strings.TrimSpace(secret)
	if id == "" || secret == "" {
		return d.RegisterPlayer(ctx, name, avatarID)
	}
	p, err := d.Player(ctx, id)
	switch {
	case errors.Is(err, ErrPlayerNotFound):
		obslog.L().Info("player_identity_expired", zap.String("player_id", id))
		return d.RegisterPlayer(ctx, name, avatarID)
	case err != nil:
		return nil, err
	case p.Secret != secret:
		return nil, ErrSecretMismatch
	}
	if n := sanitizeName(name); n != "" {
		p.Name = n
	}
	if a := strings.TrimSpace(avatarID); a != "" {
		p.AvatarID = a
	}
	if err := d.SavePlayer(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *Directory) Player(ctx context.Context, id string) (*session.Player, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrInvalidArgs
	}
	var p session.Player
	ok, err := d.st.GetJSON(ctx, d.keyPlayer(id), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPlayerNotFound
	}
	return &p, nil
}

// SavePlayer writes p and refreshes its TTL.
func (d *Directory) SavePlayer(ctx context.Context, p *session.Player) error {
	if p == nil || p.ID == "" {
		return ErrInvalidArgs
	}
	p.UpdatedAt = d.now()
	return d.st.SetJSON(ctx, d.keyPlayer(p.ID), p, d.playerTTL)
}

// UpdatePlayer applies fn inside an optimistic transaction.
func (d *Directory) UpdatePlayer(ctx context.Context, id string, fn func(*session.Player) error) (*session.Player, error) {
	p, err := store.Update(ctx, d.st, d.keyPlayer(id), d.playerTTL, func(p *session.Player) error {
		if err := fn(p); err != nil {
			return err
		}
		p.UpdatedAt = d.now()
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPlayerNotFound
	}
	return p, err
}

// PurgePlayer drops the identity record and any queue membership.
func (d *Directory) PurgePlayer(ctx context.Context, id string) error {
	d.cancelTimer(id)
	if err := d.RemoveFromAllQueues(ctx, id); err != nil {
		obslog.L().Warn("queue_cancel_error", zap.String("player_id", id), zap.Error(err))
	}
	if err := d.st.Delete(ctx, d.keyPlayer(id)); err != nil {
		return err
	}
	obslog.L().Info("player_purge", zap.String("player_id", id))
	return nil
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	r := []rune(name)
	if len(r) > 32 {
		name = string(r[:32])
	}
	return name
}
