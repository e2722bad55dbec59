package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryFromAccessToken reads the exp claim of a JWT access token without
// verifying its signature. Opaque tokens and tokens without exp report false.
func ExpiryFromAccessToken(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
