// Package auth issues and checks the device tokens used to talk to the
// remote and to the local API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// Signer mints and verifies HS256 device tokens.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret, issuer string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret not configured")
	}
	return &Signer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

func (s *Signer) Sign(deviceID string) (string, error) {
	now := s.now()

	var expiry *jwt.NumericDate
	if s.ttl > 0 {
		expiry = jwt.NewNumericDate(now.Add(s.ttl))
	}

	claims := Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   deviceID,
			Issuer:    s.issuer,
			ExpiresAt: expiry,
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Signer) Verify(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: device_id claim required", ErrInvalidToken)
	}
	return claims, nil
}

// LoginFunc obtains a fresh token from wherever the remote issues them.
type LoginFunc func(ctx context.Context) (string, error)

// SignerLogin logs in by minting a token locally, for deployments where the
// sync service shares the secret with the remote.
func SignerLogin(s *Signer, deviceID string) LoginFunc {
	return func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return s.Sign(deviceID)
	}
}
