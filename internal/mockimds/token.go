package mockimds

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/lstoll/metadata-query/internal/metadata"
)

// TokenStore holds session tokens with TTL. Safe for concurrent use.
type TokenStore struct {
	clock clock.PassiveClock

	mu     sync.Mutex
	tokens map[string]time.Time
}

// NewTokenStore returns a new token store reading time from c.
func NewTokenStore(c clock.PassiveClock) *TokenStore {
	return &TokenStore{clock: c, tokens: make(map[string]time.Time)}
}

// Create creates a new token valid for the given duration, clamped to 1s–21600s.
// Returns the token string and the TTL granted.
func (s *TokenStore) Create(ttl time.Duration) (string, time.Duration, error) {
	ttl = min(max(ttl, metadata.MinTokenTTL), metadata.MaxTokenTTL)
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", 0, err
	}
	token := hex.EncodeToString(b)
	s.mu.Lock()
	s.tokens[token] = s.clock.Now().Add(ttl)
	s.mu.Unlock()
	return token, ttl, nil
}

// Valid reports whether the token exists and has not expired. Does not remove the token.
func (s *TokenStore) Valid(token string) bool {
	s.mu.Lock()
	expiry, ok := s.tokens[token]
	s.mu.Unlock()
	return ok && s.clock.Now().Before(expiry)
}

// Prune removes expired tokens.
func (s *TokenStore) Prune() {
	s.mu.Lock()
	now := s.clock.Now()
	for t, expiry := range s.tokens {
		if !now.Before(expiry) {
			delete(s.tokens, t)
		}
	}
	s.mu.Unlock()
}

// RevokeAll forgets every issued token.
func (s *TokenStore) RevokeAll() {
	s.mu.Lock()
	clear(s.tokens)
	s.mu.Unlock()
}

// Len is the number of tokens currently held.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
