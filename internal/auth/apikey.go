package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// APIKeyMiddleware validates the API key against the configured key. The
// key is read from X-API-Key, a Bearer Authorization header, or the api_key
// query parameter. If the configured key is empty, authentication is
// disabled (development mode).
func APIKeyMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			provided := apiKeyFromRequest(c)
			if provided == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing API key",
				})
			}

			if !validKey(provided, apiKey) {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "invalid API key",
				})
			}

			return next(c)
		}
	}
}

func apiKeyFromRequest(c echo.Context) string {
	if key := c.Request().Header.Get("X-API-Key"); key != "" {
		return key
	}
	if token := bearerToken(c); token != "" {
		return token
	}
	return c.QueryParam("api_key")
}

func bearerToken(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

func validKey(provided, apiKey string) bool {
	return subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) == 1
}
