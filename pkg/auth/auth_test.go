package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestKeyResolver(t *testing.T) {
	alice := uuid.New()
	r := NewKeyResolver(map[string]uuid.UUID{"secret-alice": alice})

	tests := []struct {
		name    string
		header  string
		want    *Session
		wantErr error
	}{
		{"anonymous", "", nil, nil},
		{"valid key", "Bearer secret-alice", &Session{UserID: alice}, nil},
		{"unknown key", "Bearer nope", nil, ErrInvalidCredentials},
		{"wrong scheme", "Basic c2VjcmV0", nil, ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := r.Resolve(req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
				t.Fatalf("session = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestKeyResolverSetKeys(t *testing.T) {
	r := NewKeyResolver(nil)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer k")
	if _, err := r.Resolve(req); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v before SetKeys", err)
	}
	user := uuid.New()
	r.SetKeys(map[string]uuid.UUID{"k": user})
	s, err := r.Resolve(req)
	if err != nil || s.UserID != user {
		t.Fatalf("after SetKeys: %+v, %v", s, err)
	}
}

func TestTokenSingleUse(t *testing.T) {
	store := NewTokenStore(0)
	user := uuid.New()
	tok := store.Issue(user)

	got, ok := store.Redeem(tok)
	if !ok || got != user {
		t.Fatalf("Redeem = %s, %v", got, ok)
	}
	if _, ok := store.Redeem(tok); ok {
		t.Fatal("token redeemed twice")
	}
	if _, ok := store.Redeem(uuid.New()); ok {
		t.Fatal("unknown token redeemed")
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Now()
	store := NewTokenStore(10 * time.Second)
	store.now = func() time.Time { return now }

	store.Issue(uuid.New())
	stale := store.Issue(uuid.New())

	now = now.Add(11 * time.Second)
	if _, ok := store.Redeem(stale); ok {
		t.Fatal("expired token accepted")
	}
	if n := store.Sweep(); n != 1 {
		t.Fatalf("Sweep dropped %d, want 1", n)
	}
	if store.Len() != 0 {
		t.Fatalf("Len = %d after sweep", store.Len())
	}
}
