package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/auth"
)

const principalKey = "portal_principal"

// Principal extracts the verified principal attached by Authenticate.
func Principal(c echo.Context) (auth.Principal, bool) {
	p, ok := c.Get(principalKey).(auth.Principal)
	return p, ok
}

// Authenticate verifies the Authorization bearer token when one is present
// and attaches the resulting principal to the request. Requests without a
// token pass through anonymous; a token that fails verification is
// rejected here rather than downstream.
func Authenticate(verifier *auth.Verifier, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return next(c)
			}
			token := strings.TrimPrefix(header, "Bearer ")
			if token == header {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			p, err := verifier.VerifyToken(token)
			if err != nil {
				logger.Warn("portal request rejected: invalid token", zap.Error(err))
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			c.Set(principalKey, p)
			return next(c)
		}
	}
}

// RequireRole admits only principals whose role is in the allow list. An
// empty list admits any verified principal.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := Principal(c)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			if len(roles) == 0 {
				return next(c)
			}
			for _, role := range roles {
				if p.Role == role {
					return next(c)
				}
			}
			return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden for role " + p.Role})
		}
	}
}
