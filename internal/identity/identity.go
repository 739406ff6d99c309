// Package identity resolves the acting principal for API requests.
package identity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/akulov/nbhub/internal/domain"
	"github.com/akulov/nbhub/internal/session"
	"github.com/akulov/nbhub/internal/store"
)

// AuthHeaderName carries a session token for non-browser clients, in the
// form "token <jwt>".
const AuthHeaderName = "Authorization"

type contextKey int

const callerKey contextKey = iota

// CallerFromContext extracts the resolved caller, or nil when the request
// is unauthenticated. The authorization gate treats nil as forbidden.
func CallerFromContext(ctx context.Context) *domain.User {
	if u, ok := ctx.Value(callerKey).(*domain.User); ok {
		return u
	}
	return nil
}

// WithCaller returns a context carrying the caller. Used by middleware and
// by tests that bypass it.
func WithCaller(ctx context.Context, caller *domain.User) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get(AuthHeaderName); header != "" {
		if token, ok := strings.CutPrefix(header, "token "); ok {
			return token
		}
	}
	if c, err := r.Cookie(session.SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

// Middleware resolves the caller from the session cookie or Authorization
// header and stores the matching user record in the request context. An
// unresolvable identity is not an error here: the request proceeds without
// a caller and the authorization gate rejects it where it matters.
func Middleware(repo store.Repository, issuer *session.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := issuer.Parse(token)
			if err != nil || claims.Scope != "" {
				// Expired, tampered, or a server-scoped grant cookie:
				// none of these identify a hub caller.
				next.ServeHTTP(w, r)
				return
			}

			user, err := repo.FindByName(r.Context(), claims.Subject)
			if err != nil {
				slog.Error("Failed to resolve caller", "user", claims.Subject, "error", err)
				http.Error(w, `{"error":"failed to resolve identity"}`, http.StatusInternalServerError)
				return
			}
			if user == nil {
				next.ServeHTTP(w, r)
				return
			}

			if err := repo.TouchActivity(r.Context(), user.Name, time.Now()); err != nil {
				slog.Warn("Failed to update last activity", "user", user.Name, "error", err)
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), user)))
		})
	}
}
