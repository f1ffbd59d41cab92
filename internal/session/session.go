package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrUnauthenticated reports a token that is missing, malformed, forged, or
// no longer present in the store.
var ErrUnauthenticated = errors.New("invalid token")

// Store issues and validates bearer tokens. Sessions live only in memory: a
// restart invalidates every outstanding token, which is acceptable for the
// local-network trust model this server targets.
type Store struct {
	secret  []byte
	nowFunc func() time.Time

	mu       sync.RWMutex
	sessions map[string]string // token -> user id
}

// New constructs a session store keyed with the given signing secret.
func New(secret string) *Store {
	return &Store{
		secret:   []byte(secret),
		nowFunc:  time.Now,
		sessions: make(map[string]string),
	}
}

// Close discards all outstanding sessions.
func (s *Store) Close() {
	s.mu.Lock()
	s.sessions = make(map[string]string)
	s.mu.Unlock()
}

// Issue mints a new token bound to the given user id.
//
// The token concatenates the user id, issue time, and 16 random bytes, then
// appends an HMAC-SHA256 over that prefix. The signature lets validity be
// checked without a map lookup if stateless sessions are ever wanted; today
// map membership remains authoritative.
func (s *Store) Issue(userID string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	raw := fmt.Sprintf("%s.%d.%s", userID, s.nowFunc().UnixMilli(), hex.EncodeToString(buf))
	token := raw + "." + s.sign(raw)

	s.mu.Lock()
	s.sessions[token] = userID
	s.mu.Unlock()

	return token, nil
}

// Validate returns the user id a token was issued for, or ErrUnauthenticated.
func (s *Store) Validate(token string) (string, error) {
	if !s.wellFormed(token) {
		return "", ErrUnauthenticated
	}

	s.mu.RLock()
	userID, ok := s.sessions[token]
	s.mu.RUnlock()

	if !ok {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

// Revoke removes a token from the store. Revoking an unknown token is a no-op.
func (s *Store) Revoke(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) sign(raw string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Store) wellFormed(token string) bool {
	idx := strings.LastIndex(token, ".")
	if idx <= 0 || idx == len(token)-1 {
		return false
	}
	raw, sig := token[:idx], token[idx+1:]
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(raw))
	return hmac.Equal(mac.Sum(nil), want)
}
