package credstore

import (
	"context"

	"github.com/patrickmn/go-cache"

	"github.com/guarzo/civictrack/common"
)

var _ common.CredentialStore = (*memoryStore)(nil)

// memoryStore keeps credentials for the lifetime of the process.
type memoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore returns a CredentialStore held in memory. Entries never expire;
// token lifetime is the backend's concern.
func NewMemoryStore() common.CredentialStore {
	return &memoryStore{
		cache: cache.New(cache.NoExpiration, 0),
	}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	value, found := m.cache.Get(key)
	if !found {
		return "", false, nil
	}
	return value.(string), true, nil
}

func (m *memoryStore) Set(_ context.Context, key, value string) error {
	m.cache.Set(key, value, cache.NoExpiration)
	return nil
}

func (m *memoryStore) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		m.cache.Delete(key)
	}
	return nil
}
