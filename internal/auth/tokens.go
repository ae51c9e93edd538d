package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	"github.com/craftastic/craftastic/internal/store"
)

// DefaultTokenTTL is how long issued refresh tokens live.
const DefaultTokenTTL = 30 * 24 * time.Hour

// TokenService issues and resolves refresh tokens. Token values are stored
// hashed; the plaintext leaves the process exactly once, at issue time.
type TokenService struct {
	store store.Store
	ttl   time.Duration
}

// NewTokenService creates a token service with the default TTL.
func NewTokenService(st store.Store) *TokenService {
	return &TokenService{store: st, ttl: DefaultTokenTTL}
}

// Issue creates a refresh token for a user and returns its plaintext value.
func (s *TokenService) Issue(ctx context.Context, userID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", apperrors.Internal("failed to generate token", err)
	}
	value := base64.RawURLEncoding.EncodeToString(raw)

	token := &store.RefreshToken{
		ID:        uuid.New().String(),
		UserID:    userID,
		TokenHash: HashToken(value),
		ExpiresAt: time.Now().UTC().Add(s.ttl),
	}
	if err := s.store.CreateRefreshToken(ctx, token); err != nil {
		return "", err
	}
	return value, nil
}

// Resolve maps a presented token to its owning user. Expired and revoked
// tokens do not resolve.
func (s *TokenService) Resolve(ctx context.Context, value string) (string, error) {
	token, err := s.store.GetRefreshTokenByHash(ctx, HashToken(value))
	if err != nil {
		return "", apperrors.Unauthorized("invalid token")
	}
	if token.Revoked || token.ExpiresAt.Before(time.Now().UTC()) {
		return "", apperrors.Unauthorized("token expired or revoked")
	}
	return token.UserID, nil
}

// Revoke invalidates a token by id.
func (s *TokenService) Revoke(ctx context.Context, id string) error {
	return s.store.RevokeRefreshToken(ctx, id)
}

// HashToken hashes a token value for storage and lookup.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
