package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/wolfman30/patient-portal/internal/session"
)

type contextKey string

const identityKey contextKey = "portalIdentity"

// Authorizer checks a bearer token against the signed-in session.
type Authorizer interface {
	Authorize(token string) (session.Identity, error)
}

// RequireSession rejects requests whose bearer token does not belong to the
// signed-in user. Websocket clients that cannot set headers may pass the
// token as the access_token query parameter.
func RequireSession(auth Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				http.Error(w, "session auth disabled", http.StatusUnauthorized)
				return
			}
			token := bearerToken(r)
			if token == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			id, err := auth.Authorize(token)
			switch {
			case errors.Is(err, session.ErrNoSession):
				http.Error(w, "not signed in", http.StatusUnauthorized)
				return
			case err != nil:
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// IdentityFromContext returns the identity set by RequireSession.
func IdentityFromContext(ctx context.Context) (session.Identity, bool) {
	id, ok := ctx.Value(identityKey).(session.Identity)
	return id, ok
}
