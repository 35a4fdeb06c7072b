package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	s, err := NewSigner("test-secret", "inventory-sync", time.Hour)
	require.NoError(t, err)

	token, err := s.Sign("kitchen-tablet")
	require.NoError(t, err)

	claims, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "kitchen-tablet", claims.DeviceID)
	assert.Equal(t, "kitchen-tablet", claims.Subject)
	assert.Equal(t, "inventory-sync", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestVerifyRejects(t *testing.T) {
	s, err := NewSigner("test-secret", "inventory-sync", time.Hour)
	require.NoError(t, err)

	other, err := NewSigner("other-secret", "inventory-sync", time.Hour)
	require.NoError(t, err)
	foreign, err := other.Sign("device")
	require.NoError(t, err)

	wrongIssuer, err := NewSigner("test-secret", "someone-else", time.Hour)
	require.NoError(t, err)
	misissued, err := wrongIssuer.Sign("device")
	require.NoError(t, err)

	expired, err := NewSigner("test-secret", "inventory-sync", time.Minute)
	require.NoError(t, err)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, err := expired.Sign("device")
	require.NoError(t, err)

	anonymous, err := s.Sign("")
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":        "not-a-token",
		"wrong secret":   foreign,
		"wrong issuer":   misissued,
		"expired":        stale,
		"missing device": anonymous,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Verify(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewSignerRequiresSecret(t *testing.T) {
	_, err := NewSigner("", "inventory-sync", time.Hour)
	assert.Error(t, err)
}

func TestTokenAuthenticator(t *testing.T) {
	s, err := NewSigner("test-secret", "inventory-sync", time.Hour)
	require.NoError(t, err)

	a := NewTokenAuthenticator(SignerLogin(s, "kitchen-tablet"))
	assert.False(t, a.Authenticated())
	assert.Empty(t, a.Token())

	require.NoError(t, a.Authenticate(context.Background()))
	assert.True(t, a.Authenticated())

	claims, err := s.Verify(a.Token())
	require.NoError(t, err)
	assert.Equal(t, "kitchen-tablet", claims.DeviceID)

	// close to expiry counts as signed out
	a.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.False(t, a.Authenticated())

	a.now = time.Now
	a.SignOut()
	assert.False(t, a.Authenticated())
}

func TestTokenAuthenticatorLoginFailure(t *testing.T) {
	a := NewTokenAuthenticator(func(ctx context.Context) (string, error) {
		return "", errors.New("remote unreachable")
	})
	err := a.Authenticate(context.Background())
	assert.ErrorContains(t, err, "remote unreachable")
	assert.False(t, a.Authenticated())

	bad := NewTokenAuthenticator(func(ctx context.Context) (string, error) {
		return "opaque", nil
	})
	assert.ErrorIs(t, bad.Authenticate(context.Background()), ErrInvalidToken)
}
