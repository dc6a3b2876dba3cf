package auth

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/chatkit/chatkit/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator struct {
	claims *CustomClaims
	err    error
}

func (s *stubValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	return s.claims, s.err
}

func newTestStore(t *testing.T) *store.Store {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st, err := store.New(store.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestService_Validate_ReturnsClaims(t *testing.T) {
	userID := uuid.New()
	validator := &stubValidator{claims: &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID.String(),
			Issuer:   "https://issuer.example",
			Audience: jwt.ClaimStrings{"chatkit"},
		},
	}}

	svc := NewService(validator, newTestStore(t))

	claims, err := svc.Validate(context.Background(), "any-token")
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "https://issuer.example", claims.Issuer)
	assert.Equal(t, "chatkit", claims.Audience)
	assert.False(t, claims.Revoked)
}

func TestService_Validate_RevokedUser(t *testing.T) {
	userID := uuid.New()
	validator := &stubValidator{claims: &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID.String()},
	}}

	svc := NewService(validator, newTestStore(t))
	require.NoError(t, svc.Revoke(context.Background(), userID))

	claims, err := svc.Validate(context.Background(), "any-token")
	require.NoError(t, err)
	assert.True(t, claims.Revoked)
}

func TestService_Validate_RejectsNonUUIDSubject(t *testing.T) {
	validator := &stubValidator{claims: &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "not-a-uuid"},
	}}

	svc := NewService(validator, newTestStore(t))
	_, err := svc.Validate(context.Background(), "any-token")
	assert.Error(t, err)
}

func TestService_IsRevoked_NilStoreNeverRevoked(t *testing.T) {
	svc := NewService(&stubValidator{}, nil)
	revoked, err := svc.IsRevoked(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, revoked)
}
