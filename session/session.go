// Package session carries the logged-in user's identity explicitly. Every
// component that needs the viewer's ID, token, or keys receives them through
// a Session value instead of reading ambient state.
package session

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cipherchat/crypto"
)

// ErrNoSubject indicates an access token without a subject claim.
var ErrNoSubject = errors.New("session: token has no subject claim")

// Session is the authenticated viewer's identity and key material.
type Session struct {
	UserID string
	Token  string

	PublicKey  *rsa.PublicKey
	PrivateKey *rsa.PrivateKey

	ExpiresAt time.Time

	mu       sync.Mutex
	peerKeys map[string]*rsa.PublicKey
}

// FromToken builds a Session from an access token and the viewer's keypair.
//
// The token's signature is not verified here: the server issued and verifies
// it, and the client only needs the subject and expiry claims to label its
// own state.
func FromToken(token string, privateKey *rsa.PrivateKey) (*Session, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	if claims.Subject == "" {
		return nil, ErrNoSubject
	}

	s := &Session{
		UserID:     claims.Subject,
		Token:      token,
		PublicKey:  &privateKey.PublicKey,
		PrivateKey: privateKey,
		peerKeys:   make(map[string]*rsa.PublicKey),
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}

	return s, nil
}

// Expired reports whether the session's token has expired at the given time.
// A token without an expiry claim never expires client-side.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// AddPeerKey parses and caches a peer's PEM-encoded public key.
func (s *Session) AddPeerKey(userID, publicKeyPEM string) error {
	key, err := crypto.ParsePublicKey([]byte(publicKeyPEM))
	if err != nil {
		return fmt.Errorf("peer key for user %s: %w", userID, err)
	}

	s.mu.Lock()
	if s.peerKeys == nil {
		s.peerKeys = make(map[string]*rsa.PublicKey)
	}
	s.peerKeys[userID] = key
	s.mu.Unlock()
	return nil
}

// PeerKey returns a previously cached peer public key.
func (s *Session) PeerKey(userID string) (*rsa.PublicKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.peerKeys[userID]
	return key, ok
}
