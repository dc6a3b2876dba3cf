package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_UserRoundTrip(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	u := User{ID: uuid.New(), Email: "a@example.com"}
	f.AddUser(u)

	got, err := f.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)

	got, err = f.GetByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = f.GetByID(ctx, uuid.New())
	assert.Error(t, err)
}

func TestFake_MembershipAndRole(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	room, user := uuid.New(), uuid.New()
	f.AddMembership(Membership{RoomID: room, UserID: user, Role: RoleAdmin})

	ok, err := f.IsMember(ctx, room, user)
	require.NoError(t, err)
	assert.True(t, ok)

	role, err := f.RoleOf(ctx, room, user)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role)

	ok, err = f.IsMember(ctx, room, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFake_MessagePersistAndListRecent(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	room := uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		m := Message{ID: uuid.New(), RoomID: room, SequenceNo: int64(i + 1)}
		ids = append(ids, m.ID)
		require.NoError(t, f.Persist(ctx, m))
	}

	recent, err := f.ListRecent(ctx, room, 2, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[3], recent[0].ID)
	assert.Equal(t, ids[4], recent[1].ID)

	before, err := f.ListRecent(ctx, room, 10, ids[3])
	require.NoError(t, err)
	require.Len(t, before, 3)
	assert.Equal(t, ids[2], before[2].ID)
}

func TestFake_AuthValidateAndRevoke(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	user := uuid.New()
	f.AddToken("tok", Claims{UserID: user})

	claims, err := f.Validate(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, user, claims.UserID)

	_, err = f.Validate(ctx, "missing")
	assert.Error(t, err)

	revoked, err := f.IsRevoked(ctx, user)
	require.NoError(t, err)
	assert.False(t, revoked)

	f.Revoke(user)
	revoked, err = f.IsRevoked(ctx, user)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestFake_PasswordHasher(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	hash, err := f.Hash(ctx, "secret")
	require.NoError(t, err)

	ok, err := f.Verify(ctx, "secret", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Verify(ctx, "wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}
