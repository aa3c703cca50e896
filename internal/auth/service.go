package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for any bearer credential that does not verify.
var ErrInvalidToken = errors.New("invalid token")

// AdminLookup resolves the admin flag stored on a profile.
type AdminLookup interface {
	IsAdmin(ctx context.Context, id uuid.UUID) (bool, error)
}

// Service adapts the external identity provider: it verifies the provider's
// HS256 bearer tokens and resolves admin privilege from the profile store.
type Service interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
	IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error)
}

type service struct {
	secret []byte
	issuer string
	admins AdminLookup
}

func NewService(secret, issuer string, admins AdminLookup) *service {
	return &service{secret: []byte(secret), issuer: issuer, admins: admins}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	tok, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || !tok.Valid {
		return uuid.Nil, ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return id, nil
}

func (s *service) IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error) {
	return s.admins.IsAdmin(ctx, userID)
}

// IssueToken signs a token the way the identity provider does. Used by tests
// and local tooling.
func (s *service) IssueToken(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	c := jwt.RegisteredClaims{
		Subject:   userID.String(),
		Issuer:    s.issuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}
