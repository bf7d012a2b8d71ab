package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"testline/internal/domain"
	"testline/internal/events"
	"testline/internal/repo"
)

const maxActiveTokens = 5

// CreateAPIToken mints a new key for the actor. The raw key is returned once
// and only its hash is stored. The per-actor cap is enforced by a conditional
// insert, so concurrent creates cannot exceed it.
func (e Engine) CreateAPIToken(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", ValidationError{Msg: "actor is required"}
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "tl_" + hex.EncodeToString(buf)
	k := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.nowRFC3339(),
	}
	ok, err := e.Repo.InsertAPIKey(ctx, k, maxActiveTokens)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	if !ok {
		return domain.APIKey{}, "", ConflictError{Msg: fmt.Sprintf("maximum number of active tokens reached (limit: %d)", maxActiveTokens)}
	}
	if err := e.appendEvent(ctx, "token.created", "", "api_key", k.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	return k, raw, nil
}

// ListAPITokens lists the actor's keys. Hashes stay server side.
func (e Engine) ListAPITokens(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

// DeleteAPIToken revokes one of the actor's keys.
func (e Engine) DeleteAPIToken(ctx context.Context, actorID, id string) error {
	if err := e.Repo.DeleteAPIKey(ctx, actorID, id); err != nil {
		return err
	}
	return e.appendEvent(ctx, "token.deleted", "", "api_key", id, actorID, nil)
}
