package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errNotFound = errors.New("repository: not found")

// Fake is an in-memory implementation of every collaborator interface, used
// by the core's own tests so they never depend on a real database.
type Fake struct {
	mu sync.Mutex

	users       map[uuid.UUID]User
	usersByMail map[string]uuid.UUID
	memberships map[uuid.UUID]map[uuid.UUID]Membership // roomID -> userID -> membership
	messages    map[uuid.UUID][]Message                // roomID -> ordered messages
	claims      map[string]Claims                      // token -> claims
	revoked     map[uuid.UUID]bool
}

// NewFake builds an empty Fake repository set.
func NewFake() *Fake {
	return &Fake{
		users:       make(map[uuid.UUID]User),
		usersByMail: make(map[string]uuid.UUID),
		memberships: make(map[uuid.UUID]map[uuid.UUID]Membership),
		messages:    make(map[uuid.UUID][]Message),
		claims:      make(map[string]Claims),
		revoked:     make(map[uuid.UUID]bool),
	}
}

// AddUser seeds a user record.
func (f *Fake) AddUser(u User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	f.usersByMail[u.Email] = u.ID
}

// AddMembership seeds a room-membership record.
func (f *Fake) AddMembership(m Membership) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.memberships[m.RoomID]
	if !ok {
		room = make(map[uuid.UUID]Membership)
		f.memberships[m.RoomID] = room
	}
	room[m.UserID] = m
}

// AddToken seeds a token -> claims mapping for AuthService.Validate.
func (f *Fake) AddToken(token string, claims Claims) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims[token] = claims
}

// GetByID implements UserRepository.
func (f *Fake) GetByID(ctx context.Context, userID uuid.UUID) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return User{}, errNotFound
	}
	return u, nil
}

// GetByEmail implements UserRepository.
func (f *Fake) GetByEmail(ctx context.Context, email string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.usersByMail[email]
	if !ok {
		return User{}, errNotFound
	}
	return f.users[id], nil
}

// UpdateLastActive implements UserRepository.
func (f *Fake) UpdateLastActive(ctx context.Context, userID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return errNotFound
	}
	u.LastActiveAt = at
	f.users[userID] = u
	return nil
}

// GetRoom implements RoomRepository.
func (f *Fake) GetRoom(ctx context.Context, roomID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.memberships[roomID]
	return ok, nil
}

// IsMember implements RoomRepository.
func (f *Fake) IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.memberships[roomID]
	if !ok {
		return false, nil
	}
	_, ok = room[userID]
	return ok, nil
}

// RoleOf implements RoomRepository.
func (f *Fake) RoleOf(ctx context.Context, roomID, userID uuid.UUID) (Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.memberships[roomID]
	if !ok {
		return "", errNotFound
	}
	m, ok := room[userID]
	if !ok {
		return "", errNotFound
	}
	return m.Role, nil
}

// Persist implements MessageRepository.
func (f *Fake) Persist(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.RoomID] = append(f.messages[msg.RoomID], msg)
	return nil
}

// ListRecent implements MessageRepository. before, when non-nil, excludes
// messages at or after the matching message id's position.
func (f *Fake) ListRecent(ctx context.Context, roomID uuid.UUID, limit int, before uuid.UUID) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all := f.messages[roomID]
	cutoff := len(all)
	if before != uuid.Nil {
		for i, m := range all {
			if m.ID == before {
				cutoff = i
				break
			}
		}
	}

	start := 0
	if cutoff > limit {
		start = cutoff - limit
	}
	result := make([]Message, cutoff-start)
	copy(result, all[start:cutoff])
	return result, nil
}

// Validate implements AuthService.
func (f *Fake) Validate(ctx context.Context, token string) (Claims, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.claims[token]
	if !ok {
		return Claims{}, errNotFound
	}
	return c, nil
}

// IsRevoked implements AuthService.
func (f *Fake) IsRevoked(ctx context.Context, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[userID], nil
}

// Revoke marks userID's sessions as revoked for subsequent IsRevoked calls.
func (f *Fake) Revoke(userID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[userID] = true
}

// Hash implements PasswordHasher with a reversible test stand-in; never used
// outside tests.
func (f *Fake) Hash(ctx context.Context, plaintext string) (string, error) {
	return "fake:" + plaintext, nil
}

// Verify implements PasswordHasher.
func (f *Fake) Verify(ctx context.Context, plaintext, hash string) (bool, error) {
	return "fake:"+plaintext == hash, nil
}
