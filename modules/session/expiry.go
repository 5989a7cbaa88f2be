package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var unverifiedParser = jwt.NewParser()

// ExpiresAt reads the exp claim of an access token without verifying its
// signature. A token without exp yields the zero time.
func ExpiresAt(accessToken string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := unverifiedParser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

// expired reports whether the token is past its exp (minus leeway) at now.
func expired(accessToken string, now time.Time, leeway time.Duration) (bool, error) {
	exp, err := ExpiresAt(accessToken)
	if err != nil {
		return false, err
	}
	if exp.IsZero() {
		return false, nil
	}
	return !now.Add(leeway).Before(exp), nil
}
