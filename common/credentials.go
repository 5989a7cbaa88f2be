package common

import "context"

// Keys under which the session is kept in a CredentialStore.
const (
	AccessKey   = "access"
	RefreshKey  = "refresh"
	UsernameKey = "username"
	RoleKey     = "role"
)

// SessionKeys make up one login. They are removed together on logout and
// when the session expires.
var SessionKeys = []string{AccessKey, RefreshKey, UsernameKey, RoleKey}

// CredentialStore is a minimal key/value store for the client's session.
//
// For example, you could back this with:
//   - an in-memory cache
//   - a bbolt file
//   - Redis
type CredentialStore interface {
	// Get returns the value and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}
