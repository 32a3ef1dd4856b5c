// Package auth resolves who is behind a request. Sessions come from static
// bearer keys configured under [auth.keys]; WebSocket clients that cannot
// set headers trade their session for a one-time token first.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/log"
)

var logger = log.ForService("auth")

// DefaultTokenTTL is how long a one-time token stays redeemable.
const DefaultTokenTTL = 10 * time.Second

// ErrInvalidCredentials is returned when a request carries credentials
// that do not match any session.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Session is an authenticated user.
type Session struct {
	UserID uuid.UUID
}

// SessionResolver finds the session of a request. A request without
// credentials resolves to a nil session and no error.
type SessionResolver interface {
	Resolve(r *http.Request) (*Session, error)
}

// KeyResolver authenticates "Authorization: Bearer <key>" headers against
// a fixed key table.
type KeyResolver struct {
	mu   sync.RWMutex
	keys map[string]uuid.UUID
}

// NewKeyResolver creates a resolver for keys (bearer key to user id).
func NewKeyResolver(keys map[string]uuid.UUID) *KeyResolver {
	r := &KeyResolver{}
	r.SetKeys(keys)
	return r
}

// SetKeys replaces the key table.
func (k *KeyResolver) SetKeys(keys map[string]uuid.UUID) {
	copied := make(map[string]uuid.UUID, len(keys))
	for key, user := range keys {
		copied[key] = user
	}
	k.mu.Lock()
	k.keys = copied
	k.mu.Unlock()
}

func (k *KeyResolver) Resolve(r *http.Request) (*Session, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}
	key, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, ErrInvalidCredentials
	}
	key = strings.TrimSpace(key)

	k.mu.RLock()
	defer k.mu.RUnlock()
	for candidate, user := range k.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return &Session{UserID: user}, nil
		}
	}
	return nil, ErrInvalidCredentials
}

type token struct {
	userID   uuid.UUID
	issuedAt time.Time
}

// TokenStore issues single use tokens that expire after a short TTL.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]token
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenStore creates a token store. A non-positive ttl uses
// DefaultTokenTTL.
func NewTokenStore(ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenStore{
		tokens: make(map[uuid.UUID]token),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue creates a token for userID.
func (s *TokenStore) Issue(userID uuid.UUID) uuid.UUID {
	id := uuid.New()
	s.mu.Lock()
	s.tokens[id] = token{userID: userID, issuedAt: s.now()}
	s.mu.Unlock()
	return id
}

// Redeem consumes a token. It fails for unknown, used or expired tokens.
func (s *TokenStore) Redeem(id uuid.UUID) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return uuid.Nil, false
	}
	delete(s.tokens, id)
	if s.now().Sub(t.issuedAt) > s.ttl {
		return uuid.Nil, false
	}
	return t.userID, true
}

// Sweep drops expired tokens and returns how many were dropped.
func (s *TokenStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tokens {
		if now.Sub(t.issuedAt) > s.ttl {
			delete(s.tokens, id)
			n++
		}
	}
	if n > 0 {
		logger.Debugf("dropped %d expired tokens", n)
	}
	return n
}

// Len returns the number of outstanding tokens.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// TTL returns how long issued tokens stay redeemable.
func (s *TokenStore) TTL() time.Duration {
	return s.ttl
}
