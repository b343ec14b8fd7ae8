package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type contextKey string

var errNoSigningKey = errors.New("no signing key configured")

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Claims are the admin API token claims.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	// SigningKey is the shared HS256 secret.
	SigningKey []byte
	Skipper    middleware.Skipper
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	skipper := cfg.Skipper
	if skipper == nil {
		skipper = middleware.DefaultSkipper
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				if len(cfg.SigningKey) == 0 {
					return nil, errNoSigningKey
				}
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := context.WithValue(c.Request().Context(), UserIDKey, claims.Subject)
			ctx = WithRoles(ctx, claims.Roles...)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development that treats
// unauthenticated requests as an admin user. Requests that carry a token are
// validated with cfg.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	jwtMW := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		validated := jwtMW(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" {
				return validated(c)
			}
			ctx := context.WithValue(c.Request().Context(), UserIDKey, "dev-user")
			ctx = WithRoles(ctx, "admin")
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithRoles returns a context carrying roles.
func WithRoles(ctx context.Context, roles ...string) context.Context {
	return context.WithValue(ctx, UserRolesKey, roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
