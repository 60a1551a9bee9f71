package middleware // reusable HTTP middleware for the grid API

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// OwnerToken returns an Echo middleware that validates a Bearer owner
// token and injects the owner's id and display name into the request
// context. The provided secret must match the one used when issuing
// tokens via POST /v1/identity. Handlers behind this middleware read
// the verified identity via `c.Get("owner_id")` and `c.Get("owner_name")`;
// the identity attached to a purchase is only ever taken from here,
// never from the request body.
func OwnerToken(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// A valid header is "Bearer " followed by the JWT. Anything
			// else means the caller never established an identity.
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing owner identity"})
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			// Parse with HS256 and our secret; reject other signing
			// methods so an attacker cannot downgrade to "none".
			tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.ErrUnauthorized
				}
				return []byte(secret), nil
			})
			if err != nil || !tok.Valid {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid owner token"})
			}

			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
			}

			ownerID, _ := claims["sub"].(string)
			ownerName, _ := claims["name"].(string)
			if ownerID == "" || ownerName == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing owner identity"})
			}

			c.Set("owner_id", ownerID)
			c.Set("owner_name", ownerName)
			return next(c)
		}
	}
}
