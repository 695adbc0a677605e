package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/pausely/pausely/internal/auth"
)

type userIDCtxKey struct{}

// RequireSession authenticates the bearer session token and stores the
// caller's user id on the request context.
func RequireSession(sessions *auth.Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				httpError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			userID, err := sessions.Verify(header[len(prefix):])
			if err != nil {
				httpError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), userIDCtxKey{}, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the authenticated caller's user id, or "" outside an
// authenticated request.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDCtxKey{}).(string)
	return id
}
