package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// FlowReadMiddleware guards read-only routes of a single flow (":id"). It
// accepts the API key, or a flow token for that flow passed as a Bearer
// header or the token query parameter. With a nil issuer it behaves like
// APIKeyMiddleware.
func FlowReadMiddleware(apiKey string, issuer *TokenIssuer) echo.MiddlewareFunc {
	keyOnly := APIKeyMiddleware(apiKey)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		withKey := keyOnly(next)
		return func(c echo.Context) error {
			if apiKey == "" || issuer == nil {
				return withKey(c)
			}
			if key := apiKeyFromRequest(c); key != "" && validKey(key, apiKey) {
				return next(c)
			}

			tokenStr := c.QueryParam("token")
			if tokenStr == "" {
				tokenStr = bearerToken(c)
			}
			if tokenStr == "" {
				return withKey(c)
			}

			claims, err := issuer.ValidateFlowToken(tokenStr)
			if err != nil {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": err.Error(),
				})
			}
			if claims.FlowID != c.Param("id") {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "token not valid for this flow",
				})
			}
			return next(c)
		}
	}
}
