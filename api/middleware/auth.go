package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/angelmondragon/genstudio-backend/api/responses"
	pkgAuth "github.com/angelmondragon/genstudio-backend/pkg/auth"
	"github.com/angelmondragon/genstudio-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
)

// UserIDHeader is the legacy header the front-end sends with the caller id.
const UserIDHeader = "user-id"

// Auth resolves the caller from a bearer token, or from the user-id header
// when that is allowed, and seeds the request context with the user id.
func Auth(cfg config.AuthConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := resolveUser(cfg, r)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}

			ctx := WithUserID(r.Context(), userID)
			if logg != nil {
				ctx = logg.WithUserID(ctx, userID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveUser(cfg config.AuthConfig, r *http.Request) (string, error) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw != "" {
		token := raw
		if strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = strings.TrimSpace(token[7:])
		}
		if token == "" {
			return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
		}
		claims, err := pkgAuth.ParseAccessToken(cfg, token)
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token")
		}
		return strings.TrimSpace(claims.Subject), nil
	}

	if cfg.AllowUserIDHeader {
		if userID := strings.TrimSpace(r.Header.Get(UserIDHeader)); userID != "" {
			return userID, nil
		}
	}
	return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
}

type userIDKey struct{}

// UserIDFromContext returns the caller resolved by Auth, or "".
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey{}).(string)
	return userID
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}
