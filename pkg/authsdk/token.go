package authsdk

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Access tokens are opaque to this package. When one happens to be a JWT its
// claims are read as hints only; the signature is never checked.

var hintParser = jwt.NewParser()

func tokenClaims(token string) (jwt.MapClaims, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := hintParser.ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// lifetimeHint returns exp - now for a JWT access token.
func lifetimeHint(token string, now time.Time) (time.Duration, bool) {
	claims, ok := tokenClaims(token)
	if !ok {
		return 0, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, false
	}
	d := exp.Sub(now)
	if d <= 0 {
		return 0, false
	}
	return d, true
}

// identityHint builds a User from the sub, email and name claims.
func identityHint(token string) (*User, bool) {
	claims, ok := tokenClaims(token)
	if !ok {
		return nil, false
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, false
	}

	u := &User{ID: sub}
	if v, ok := claims["email"].(string); ok {
		u.Email = v
	}
	if v, ok := claims["name"].(string); ok {
		u.Name = v
	}
	return u, true
}
