// Package repository defines the collaborator interfaces the core consumes
// for durable user, room-membership, and message state. These are external
// collaborators in the spec sense: the core reads and writes through them
// but does not own their schema or persistence technology.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role is a durable room-membership role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// User is the subset of user attributes the core needs.
type User struct {
	ID           uuid.UUID
	Email        string
	CredentialID string
	LastActiveAt time.Time
}

// Membership is a durable room-membership record.
type Membership struct {
	RoomID        uuid.UUID
	UserID        uuid.UUID
	Role          Role
	JoinedAt      time.Time
	LastReadMsgID uuid.UUID
}

// Message is a persisted chat message, immutable except for soft-deletion
// and edit revisions recorded separately (not modeled here).
type Message struct {
	ID         uuid.UUID
	RoomID     uuid.UUID
	SenderID   uuid.UUID
	Content    string
	Kind       string
	ReplyTo    uuid.UUID
	CreatedAt  time.Time
	SequenceNo int64
}

// UserRepository looks up user records and credential material.
type UserRepository interface {
	GetByID(ctx context.Context, userID uuid.UUID) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
	UpdateLastActive(ctx context.Context, userID uuid.UUID, at time.Time) error
}

// RoomRepository answers membership and role questions; room CRUD and ACL
// administration beyond this live outside the core.
type RoomRepository interface {
	GetRoom(ctx context.Context, roomID uuid.UUID) (roomExists bool, err error)
	IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error)
	RoleOf(ctx context.Context, roomID, userID uuid.UUID) (Role, error)
}

// MessageRepository persists chat messages and serves recent-history reads.
type MessageRepository interface {
	Persist(ctx context.Context, msg Message) error
	ListRecent(ctx context.Context, roomID uuid.UUID, limit int, before uuid.UUID) ([]Message, error)
}

// Claims is the decoded identity and scope carried by a validated token.
type Claims struct {
	UserID   uuid.UUID
	Issuer   string
	Audience string
	Revoked  bool
}

// AuthService validates a token and reports revocation, independent of the
// HTTP-facing JWT validator used for the REST surface.
type AuthService interface {
	Validate(ctx context.Context, token string) (Claims, error)
	IsRevoked(ctx context.Context, userID uuid.UUID) (bool, error)
}

// PasswordHasher hashes and verifies credentials. Calls run on the caller's
// goroutine; there is no separate worker pool for them.
type PasswordHasher interface {
	Hash(ctx context.Context, plaintext string) (string, error)
	Verify(ctx context.Context, plaintext, hash string) (bool, error)
}
