package utils // helper functions for owner identity tokens

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OwnerToken is a signed JWT tying a generated owner id to a display
// name. The client presents it as a Bearer token on quote requests;
// the purchase identity is always taken from the verified claims,
// never from the request body.
type OwnerToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // UTC expiration time
}

// NewOwnerToken builds and signs an HS256 JWT for an owner identity.
// Claims are the owner id (sub), display name (name), expiration (exp)
// and issued-at (iat).
func NewOwnerToken(secret, ownerID, ownerName string, ttl time.Duration) (OwnerToken, error) {
	exp := time.Now().UTC().Add(ttl)
	claims := jwt.MapClaims{
		"sub":  ownerID,
		"name": ownerName,
		"exp":  exp.Unix(),
		"iat":  time.Now().UTC().Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return OwnerToken{}, err
	}
	return OwnerToken{Token: signed, Exp: exp}, nil
}
