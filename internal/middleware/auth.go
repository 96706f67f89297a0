package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentpay/agentpay-api/internal/pkg/jwt"
	"github.com/agentpay/agentpay-api/internal/pkg/logger"
	"github.com/agentpay/agentpay-api/internal/pkg/response"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	RoleKey      contextKey = "role"
	TerritoryKey contextKey = "territory"
)

// Auth validates the bearer token and puts the caller's account, role and
// territory on the request context.
func Auth(jwtService *jwt.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			claims, err := jwtService.ValidateAccessToken(parts[1])
			if err != nil {
				if errors.Is(err, jwt.ErrExpiredToken) {
					response.Unauthorized(w, "Token expired")
				} else {
					response.Unauthorized(w, "Invalid token")
				}
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID)
			ctx = context.WithValue(ctx, RoleKey, claims.Role)
			ctx = context.WithValue(ctx, TerritoryKey, claims.Territory)
			ctx = logger.Enrich(ctx, func(c zerolog.Context) zerolog.Context {
				return c.Str("account_id", claims.UserID.String()).Str("role", claims.Role)
			})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(UserIDKey).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// GetRole extracts role from context
func GetRole(ctx context.Context) string {
	if role, ok := ctx.Value(RoleKey).(string); ok {
		return role
	}
	return ""
}

// GetTerritory returns the territory claim, empty for unscoped callers.
func GetTerritory(ctx context.Context) string {
	if t, ok := ctx.Value(TerritoryKey).(string); ok {
		return t
	}
	return ""
}

// WithIdentity puts caller identity on ctx the way Auth does. Used by
// internal callers and handler tests.
func WithIdentity(ctx context.Context, userID uuid.UUID, role, territory string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, RoleKey, role)
	return context.WithValue(ctx, TerritoryKey, territory)
}
