package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"inventory-sync/internal/logger"
)

// expirySkew treats a token as expired slightly early so it is not sent
// just as it lapses.
const expirySkew = 30 * time.Second

// TokenAuthenticator holds the current remote session. It satisfies the
// sync orchestrator's authentication gate.
type TokenAuthenticator struct {
	login LoginFunc
	now   func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func NewTokenAuthenticator(login LoginFunc) *TokenAuthenticator {
	return &TokenAuthenticator{
		login: login,
		now:   time.Now,
	}
}

func (a *TokenAuthenticator) Authenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.token == "" {
		return false
	}
	return a.expiresAt.IsZero() || a.now().Add(expirySkew).Before(a.expiresAt)
}

// Authenticate replaces the session with a fresh token.
func (a *TokenAuthenticator) Authenticate(ctx context.Context) error {
	token, err := a.login(ctx)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	// The token is opaque to the client; the expiry is read only to know
	// when to log in again.
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	a.mu.Lock()
	a.token = token
	a.expiresAt = expiresAt
	a.mu.Unlock()

	logger.Log.Info("Authenticated with remote", zap.Time("expires_at", expiresAt))
	return nil
}

// Token returns the current token, or "" when signed out.
func (a *TokenAuthenticator) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

func (a *TokenAuthenticator) SignOut() {
	a.mu.Lock()
	a.token = ""
	a.expiresAt = time.Time{}
	a.mu.Unlock()
}
