package session

import (
	"fmt"
	"maps"
	"sync"

	"github.com/roach88/shellprobe/internal/envelope"
)

// TokenLastRequestID is set by every Send to the request ID just sent.
const TokenLastRequestID = "last_request_id"

// TokenStore is a mutex-guarded map of named values.
// A value written by Set is visible to every later Get.
type TokenStore struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewTokenStore creates an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{values: make(map[string]any)}
}

// Set stores v under key, converted to the envelope value model.
func (s *TokenStore) Set(key string, v any) error {
	if key == "" {
		return fmt.Errorf("token key must not be empty")
	}
	n, err := envelope.Normalize(v)
	if err != nil {
		return fmt.Errorf("token %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = n
	return nil
}

// Get returns the value of key, or an UnknownTokenError.
func (s *TokenStore) Get(key string) (any, error) {
	v, ok := s.Lookup(key)
	if !ok {
		return nil, &UnknownTokenError{Key: key}
	}
	return v, nil
}

// Lookup returns the value of key and whether it is set.
func (s *TokenStore) Lookup(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Delete removes key.
func (s *TokenStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Snapshot returns a copy of all tokens.
func (s *TokenStore) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// Reset removes every token.
func (s *TokenStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.values)
}

// Len returns the number of tokens.
func (s *TokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
