package auth

import (
	"context"
	"fmt"

	"github.com/chatkit/chatkit/internal/repository"
	"github.com/chatkit/chatkit/internal/store"
	"github.com/google/uuid"
)

// TokenValidator is satisfied by both Validator and MockValidator.
type TokenValidator interface {
	ValidateToken(tokenString string) (*CustomClaims, error)
}

func revokedUsersKey() string { return "auth:revoked_users" }

// Service adapts a TokenValidator into repository.AuthService. Revocation is
// checked against a store-backed set that an operator or an external admin
// action populates directly; this package does not issue tokens or manage
// credentials, only validates and revokes.
type Service struct {
	validator TokenValidator
	store     *store.Store
}

// NewService builds a Service. st may be nil, in which case no user is ever
// considered revoked (suitable for single-process development runs).
func NewService(validator TokenValidator, st *store.Store) *Service {
	return &Service{validator: validator, store: st}
}

// Validate implements repository.AuthService.
func (s *Service) Validate(ctx context.Context, token string) (repository.Claims, error) {
	claims, err := s.validator.ValidateToken(token)
	if err != nil {
		return repository.Claims{}, fmt.Errorf("validate token: %w", err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return repository.Claims{}, fmt.Errorf("parse subject as user id: %w", err)
	}

	revoked, err := s.IsRevoked(ctx, userID)
	if err != nil {
		return repository.Claims{}, err
	}

	var audience string
	if len(claims.Audience) > 0 {
		audience = claims.Audience[0]
	}

	return repository.Claims{
		UserID:   userID,
		Issuer:   claims.Issuer,
		Audience: audience,
		Revoked:  revoked,
	}, nil
}

// IsRevoked implements repository.AuthService.
func (s *Service) IsRevoked(ctx context.Context, userID uuid.UUID) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	return s.store.SIsMember(ctx, revokedUsersKey(), userID.String())
}

// Revoke marks userID as revoked for subsequent Validate/IsRevoked calls.
func (s *Service) Revoke(ctx context.Context, userID uuid.UUID) error {
	if s.store == nil {
		return nil
	}
	return s.store.SAdd(ctx, revokedUsersKey(), userID.String())
}
