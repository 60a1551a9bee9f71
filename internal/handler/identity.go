package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pixel-grid-market/internal/utils"
)

// ownerTokenTTL is deliberately long: owner identities are pseudonymous
// handles, not accounts, and losing one only means losing the free
// allocation counter attached to it.
const ownerTokenTTL = 90 * 24 * time.Hour

// IdentityHandler issues owner identity tokens. There is no password
// and no account record; the server mints an owner id, binds it to the
// requested display name inside a signed token, and from then on trusts
// only the token. Free allocation tracking keys off the minted id.
type IdentityHandler struct {
	Secret string // HS256 signing secret shared with the middleware
}

// NewIdentityHandler constructs an IdentityHandler.
func NewIdentityHandler(secret string) *IdentityHandler {
	return &IdentityHandler{Secret: secret}
}

// Register handles POST /v1/identity. The body carries a display name;
// the response contains the generated owner id and a Bearer token for
// quote requests.
func (h *IdentityHandler) Register(c echo.Context) error {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name is required"})
	}
	if len(name) > 64 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name too long (max 64 characters)"})
	}

	ownerID := uuid.NewString()
	tok, err := utils.NewOwnerToken(h.Secret, ownerID, name, ownerTokenTTL)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to issue token"})
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"owner_id":   ownerID,
		"owner_name": name,
		"token":      tok.Token,
		"expires_at": tok.Exp.Format(time.RFC3339),
	})
}
