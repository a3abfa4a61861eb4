package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Parse extracts the registered claims from a JWT token without verifying the
// signature. The client trusts tokens it received directly from the auth
// service over TLS; parsing is only used to read expiration timestamps.
func Parse(tks string) (claims *jwt.RegisteredClaims, err error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims = &jwt.RegisteredClaims{}

	if _, _, err = parser.ParseUnverified(tks, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ExpiresAt returns the expiration timestamp parsed from the token claims.
func ExpiresAt(tks string) (_ time.Time, err error) {
	var claims *jwt.RegisteredClaims
	if claims, err = Parse(tks); err != nil {
		return time.Time{}, err
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiration
	}
	return claims.ExpiresAt.Time, nil
}

// NotBefore returns the not-before timestamp parsed from the token claims.
func NotBefore(tks string) (_ time.Time, err error) {
	var claims *jwt.RegisteredClaims
	if claims, err = Parse(tks); err != nil {
		return time.Time{}, err
	}

	if claims.NotBefore == nil {
		return time.Time{}, ErrNoNotBefore
	}
	return claims.NotBefore.Time, nil
}
