package common

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	// RefreshToken returns the new token on success. Token.RefreshToken is set
	// only when the backend rotated the refresh token.
	//
	// A *NetworkError means the refresh endpoint could not be reached; any
	// other error means the refresh was rejected.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}
