package api

import (
	"log/slog"
	"net/http"
	"strings"

	"fieldtask/internal/auth"
	"fieldtask/internal/core"
)

const (
	headerActorID   = "X-Actor-Id"
	headerActorRole = "X-Actor-Role"
)

// AuthMiddleware resolves the calling actor and stores it in the request
// context. With a nil authenticator the actor comes from the X-Actor-Id and
// X-Actor-Role headers, which is meant for local development only.
func AuthMiddleware(authn *auth.Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				actor core.Actor
				err   error
			)
			if authn != nil {
				actor, err = authn.ActorFromHeader(r.Header.Get("Authorization"))
				if err != nil {
					logger.Debug("rejected credentials", "path", r.URL.Path, "err", err)
					writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing bearer token")
					return
				}
			} else {
				actor, err = actorFromHeaders(r)
				if err != nil {
					writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
		})
	}
}

func actorFromHeaders(r *http.Request) (core.Actor, error) {
	id := strings.TrimSpace(r.Header.Get(headerActorID))
	if id == "" {
		return core.Actor{}, errMissingActor
	}
	role, err := auth.ParseRole(r.Header.Get(headerActorRole))
	if err != nil {
		return core.Actor{}, err
	}
	return core.Actor{ID: id, Role: role}, nil
}

// actorFrom returns the actor set by AuthMiddleware.
func actorFrom(r *http.Request) core.Actor {
	actor, _ := auth.ActorFrom(r.Context())
	return actor
}
