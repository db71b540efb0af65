package httpapi

import (
	"context"
	"net/http"
)

type actorContextKey string

const actorKey actorContextKey = "actor"

func withActor(ctx context.Context, actor string) context.Context {
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, actor)
}

// actorFromRequest names who made an administrative change, for the audit
// trail of settings overrides.
func actorFromRequest(r *http.Request) string {
	if v, ok := r.Context().Value(actorKey).(string); ok && v != "" {
		return v
	}
	return actorFromHeader(r)
}

func actorFromHeader(r *http.Request) string {
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "system"
	}
	return actor
}
