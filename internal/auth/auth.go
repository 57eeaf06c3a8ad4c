package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoToken is returned when no bearer token is available.
	ErrNoToken = errors.New("auth: no token available")
	// ErrInvalidToken is returned for unknown or expired tokens.
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

// TokenProvider produces the bearer token attached to every relay call.
// It is asked on every request so a refreshed token is picked up at once.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns the same token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// EnvToken reads the token from an environment variable on every call.
type EnvToken string

func (e EnvToken) Token(context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(string(e)))
	if v == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoToken, string(e))
	}
	return v, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// Session is an issued token bound to a user id.
type Session struct {
	Token     string    `json:"token"`
	UID       string    `json:"uid"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionManager issues and validates relay bearer tokens.
type SessionManager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	sessionTTL time.Duration
	now        func() time.Time
}

// NewSessionManager creates a new session manager
func NewSessionManager(sessionTTL time.Duration) *SessionManager {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour // Default 24 hours
	}
	return &SessionManager{
		sessions:   make(map[string]*Session),
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
}

// Issue creates a session for uid.
func (sm *SessionManager) Issue(uid string) (*Session, error) {
	if uid == "" {
		return nil, errors.New("auth: uid is required")
	}
	now := sm.now()
	s := &Session{
		Token:     uuid.New().String(),
		UID:       uid,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.sessionTTL),
	}

	sm.mu.Lock()
	sm.sessions[s.Token] = s
	sm.mu.Unlock()
	return s, nil
}

// Grant registers a preconfigured token for uid.
func (sm *SessionManager) Grant(token, uid string) *Session {
	now := sm.now()
	s := &Session{Token: token, UID: uid, CreatedAt: now, ExpiresAt: now.Add(sm.sessionTTL)}
	sm.mu.Lock()
	sm.sessions[token] = s
	sm.mu.Unlock()
	return s
}

// Validate returns the uid a token was issued to.
func (sm *SessionManager) Validate(token string) (string, error) {
	sm.mu.RLock()
	s, ok := sm.sessions[token]
	sm.mu.RUnlock()

	if !ok {
		return "", ErrInvalidToken
	}
	if sm.now().After(s.ExpiresAt) {
		sm.Revoke(token)
		return "", ErrInvalidToken
	}
	return s.UID, nil
}

// Revoke removes a session.
func (sm *SessionManager) Revoke(token string) {
	sm.mu.Lock()
	delete(sm.sessions, token)
	sm.mu.Unlock()
}

// Cleanup drops expired sessions and reports how many were removed.
func (sm *SessionManager) Cleanup() int {
	now := sm.now()
	sm.mu.Lock()
	defer sm.mu.Unlock()

	removed := 0
	for token, s := range sm.sessions {
		if now.After(s.ExpiresAt) {
			delete(sm.sessions, token)
			removed++
		}
	}
	return removed
}
