package authz

import (
	"context"

	"github.com/google/uuid"
)

type actorContextKey struct{}

// ContextWithActor stores the acting administrator's id for audit emission.
func ContextWithActor(ctx context.Context, actorID uuid.UUID) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the actor id, uuid.Nil when absent.
func ActorFromContext(ctx context.Context) uuid.UUID {
	actorID, _ := ctx.Value(actorContextKey{}).(uuid.UUID)
	return actorID
}
