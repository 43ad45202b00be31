package client

import (
	"time"

	"github.com/golang-jwt/jwt"
)

// tokenExpiry extracts the exp claim from a session token without
// verifying the signature; verification is the server's job, the client
// only needs to know when to drop the authenticated signal. Opaque
// (non-JWT) tokens report no expiry.
func tokenExpiry(token string) (time.Time, bool) {
	parsed, _, err := new(jwt.Parser).ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return time.Time{}, false
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, false
	}

	return time.Unix(int64(exp), 0), true
}
