// Package middleware holds the HTTP middlewares shared by every route group.
package middleware

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/zhouzirui/haven/backend/internal/model/user"
	"github.com/zhouzirui/haven/backend/internal/service/auth"
	"github.com/zhouzirui/haven/backend/pkg/utils"
)

type contextKey string

const (
	userKey  contextKey = "user"
	tokenKey contextKey = "token"
)

// Resolver turns a bearer credential into a user.
type Resolver interface {
	Resolve(ctx context.Context, token string) (user.User, error)
}

// TokenFromRequest reads the bearer header, falling back to the token query
// parameter used by browser websocket clients.
func TokenFromRequest(r *http.Request) string {
	if token := auth.BearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// Authenticate rejects requests without a resolvable credential with 401.
func Authenticate(resolver Resolver, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			u, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				if !errors.Is(err, auth.ErrUnauthorized) {
					logger.Error("resolve credential failed", zap.Error(err))
				}
				utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			ctx := context.WithValue(r.Context(), userKey, u)
			ctx = context.WithValue(ctx, tokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext returns the user attached by Authenticate.
func UserFromContext(ctx context.Context) (user.User, bool) {
	u, ok := ctx.Value(userKey).(user.User)
	return u, ok
}

// TokenFromContext returns the credential attached by Authenticate.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

// WithUser attaches u to ctx, mirroring what Authenticate does.
func WithUser(ctx context.Context, u user.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}
