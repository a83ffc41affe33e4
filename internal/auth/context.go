package auth

import (
	"context"

	"fieldtask/internal/core"
)

type actorKey struct{}

// WithActor stores the authenticated actor in ctx.
func WithActor(ctx context.Context, actor core.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by WithActor.
func ActorFrom(ctx context.Context) (core.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(core.Actor)
	return actor, ok && actor.ID != ""
}
