package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim of a JWT access token without verifying
// its signature. Opaque tokens report false.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// SessionExpiry returns min(token exp, now + duration).
func SessionExpiry(token string, now time.Time, duration time.Duration) time.Time {
	expires := now.Add(duration)
	if exp, ok := TokenExpiry(token); ok && exp.Before(expires) {
		return exp
	}
	return expires
}
