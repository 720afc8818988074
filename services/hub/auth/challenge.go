package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"masond/services/hub/fault"
)

const (
	challengeBytes = 16
	challengeTTL   = 2 * time.Minute
)

// ChallengeStore hands out single-use nonces for the authentication
// handshake. A nonce is bound to the username that requested it and is
// consumed on first redemption, so a captured signature cannot be replayed.
type ChallengeStore struct {
	mu     sync.Mutex
	issued map[string]challenge
	now    func() time.Time
}

type challenge struct {
	username string
	expires  time.Time
}

// NewChallengeStore creates an empty store.
func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{
		issued: make(map[string]challenge),
		now:    time.Now,
	}
}

// Issue mints a fresh nonce for username. Expired entries are swept here
// rather than by a background goroutine.
func (s *ChallengeStore) Issue(username string) (string, error) {
	buf := make([]byte, challengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	nonce := base64.StdEncoding.WithPadding(base64.NoPadding).EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, c := range s.issued {
		if now.After(c.expires) {
			delete(s.issued, key)
		}
	}
	s.issued[nonce] = challenge{username: username, expires: now.Add(challengeTTL)}
	return nonce, nil
}

// Redeem consumes the nonce. It fails if the nonce was never issued, was
// issued to a different username, has expired, or was already redeemed.
func (s *ChallengeStore) Redeem(nonce, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.issued[nonce]
	if !ok {
		return fmt.Errorf("%w: unknown challenge", fault.ErrUnauthenticated)
	}
	delete(s.issued, nonce)

	if c.username != username {
		return fmt.Errorf("%w: challenge issued to another account", fault.ErrUnauthenticated)
	}
	if s.now().After(c.expires) {
		return fmt.Errorf("%w: challenge expired", fault.ErrUnauthenticated)
	}
	return nil
}
